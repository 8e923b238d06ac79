package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/markarapor/reportflow/internal/engine"
	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/internal/ratelimit"
	"github.com/markarapor/reportflow/pkg/schema"
)

const envPrefix = "REPORTFLOW"

// Config holds all reportflow configuration.
// Priority: REPORTFLOW_* env vars > settings.{yaml,json} > defaults.
type Config struct {
	DBPath   string `mapstructure:"db_path" json:"db_path"`
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json,omitempty"`

	// Redis backs the provider cache and the run limiter. Empty disables both.
	RedisAddr     string        `mapstructure:"redis_addr" json:"redis_addr,omitempty"`
	RedisPassword string        `mapstructure:"redis_password" json:"-"`
	RedisDB       int           `mapstructure:"redis_db" json:"redis_db,omitempty"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl" json:"cache_ttl,omitempty"`
	RateLimit     int           `mapstructure:"rate_limit" json:"rate_limit,omitempty"`
	RateWindow    time.Duration `mapstructure:"rate_window" json:"rate_window,omitempty"`

	MaxParallel int    `mapstructure:"max_parallel" json:"max_parallel,omitempty"`
	SkipPolicy  string `mapstructure:"skip_policy" json:"skip_policy,omitempty"`

	// Vault key material. Without a passphrase stored API keys and refresh
	// tokens are unavailable.
	VaultPassphrase string `mapstructure:"vault_passphrase" json:"-"`
	VaultSalt       string `mapstructure:"vault_salt" json:"vault_salt,omitempty"`

	AnthropicBaseURL string `mapstructure:"anthropic_base_url" json:"anthropic_base_url,omitempty"`
	AnthropicModel   string `mapstructure:"anthropic_model" json:"anthropic_model,omitempty"`

	GoogleClientID     string `mapstructure:"google_client_id" json:"google_client_id,omitempty"`
	GoogleClientSecret string `mapstructure:"google_client_secret" json:"-"`
	AdsDeveloperToken  string `mapstructure:"ads_developer_token" json:"-"`
	AdsLoginCustomerID string `mapstructure:"ads_login_customer_id" json:"ads_login_customer_id,omitempty"`

	// Completion notices for stored runs. An empty channel disables them.
	NotifyChannel    string   `mapstructure:"notify_channel" json:"notify_channel,omitempty"`
	NotifyRecipients []string `mapstructure:"notify_recipients" json:"notify_recipients,omitempty"`
	WebhookURL       string   `mapstructure:"webhook_url" json:"webhook_url,omitempty"`
	ReportBaseURL    string   `mapstructure:"report_base_url" json:"report_base_url,omitempty"`

	Costs *engine.CostTable `mapstructure:"costs" json:"costs,omitempty"`
}

func defaultConfig() Config {
	return Config{
		DBPath:     filepath.Join(reportflowDir(), "reportflow.db"),
		LogLevel:   "info",
		CacheTTL:   nodes.DefaultCacheTTL,
		RateLimit:  ratelimit.DefaultLimit,
		RateWindow: ratelimit.DefaultWindow,
		SkipPolicy: "any",
	}
}

func reportflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".reportflow"
	}
	return filepath.Join(home, ".reportflow")
}

func settingsPath() string {
	return filepath.Join(reportflowDir(), "settings.json")
}

// loadConfig layers defaults, the settings file in dir and the environment.
// A missing settings file is not an error.
func loadConfig(dir string) (Config, error) {
	def := defaultConfig()
	v := viper.New()

	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_json", false)
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("cache_ttl", def.CacheTTL)
	v.SetDefault("rate_limit", def.RateLimit)
	v.SetDefault("rate_window", def.RateWindow)
	v.SetDefault("max_parallel", 0)
	v.SetDefault("skip_policy", def.SkipPolicy)
	v.SetDefault("vault_passphrase", "")
	v.SetDefault("vault_salt", "")
	v.SetDefault("anthropic_base_url", "")
	v.SetDefault("anthropic_model", "")
	v.SetDefault("google_client_id", "")
	v.SetDefault("google_client_secret", "")
	v.SetDefault("ads_developer_token", "")
	v.SetDefault("ads_login_customer_id", "")
	v.SetDefault("notify_channel", "")
	v.SetDefault("notify_recipients", []string{})
	v.SetDefault("webhook_url", "")
	v.SetDefault("report_base_url", "")

	v.SetConfigName("settings")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read settings: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.SkipPolicy {
	case "any", "all":
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidConfig, "skip_policy must be any or all, got %q", c.SkipPolicy)
	}
	switch c.NotifyChannel {
	case "", schema.ChannelEmail, schema.ChannelSlack, schema.ChannelWebhook:
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidConfig, "unknown notify_channel %q", c.NotifyChannel)
	}
	if c.VaultPassphrase != "" && c.VaultSalt == "" {
		return schema.NewError(schema.ErrCodeInvalidConfig, "vault_passphrase needs vault_salt")
	}
	if c.MaxParallel < 0 {
		return schema.NewError(schema.ErrCodeInvalidConfig, "max_parallel must not be negative")
	}
	return nil
}

// completionNotice addresses stored-run notices, or returns nil when they
// are disabled.
func (c Config) completionNotice() *engine.CompletionNotice {
	if c.NotifyChannel == "" {
		return nil
	}
	return &engine.CompletionNotice{
		Channel:    c.NotifyChannel,
		Recipients: c.NotifyRecipients,
		WebhookURL: c.WebhookURL,
		ReportURL:  strings.TrimRight(c.ReportBaseURL, "/"),
	}
}
