package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// runInstall writes settings.json under ~/.reportflow (or -dir). Secrets are
// never written; pass them through REPORTFLOW_* env vars.
func runInstall(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	dir := fs.String("dir", reportflowDir(), "settings directory")
	dbPath := fs.String("db-path", "", "database path (default: <dir>/reportflow.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	redisAddr := fs.String("redis-addr", "", "Redis address for the provider cache and run limit")
	maxParallel := fs.Int("max-parallel", 0, "run independent nodes of a level concurrently when > 1")
	skipPolicy := fs.String("skip-policy", "any", "starve a node when any or all of its inputs are missing")
	cacheTTL := fs.Duration("cache-ttl", 5*time.Minute, "provider response cache TTL")
	webhookURL := fs.String("webhook-url", "", "default webhook for completion notices")
	notifyChannel := fs.String("notify-channel", "", "completion notice channel: email, slack or webhook")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(*dir, 0o700); err != nil {
		return fmt.Errorf("cannot create %s: %w", *dir, err)
	}

	cfg := Config{
		DBPath:        *dbPath,
		LogLevel:      *logLevel,
		RedisAddr:     *redisAddr,
		MaxParallel:   *maxParallel,
		SkipPolicy:    *skipPolicy,
		CacheTTL:      *cacheTTL,
		WebhookURL:    *webhookURL,
		NotifyChannel: *notifyChannel,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(*dir, "reportflow.db")
	}
	salt, err := newSalt()
	if err != nil {
		return err
	}
	cfg.VaultSalt = salt
	if err := cfg.validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settingsFile(cfg), "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(*dir, "settings.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Fprintf(out, "Config written to %s\n", path)
	fmt.Fprintln(out, "Set REPORTFLOW_VAULT_PASSPHRASE to enable stored API keys and connection tokens.")
	return nil
}

// settingsFile is the on-disk shape. Durations are written as strings so
// the file round-trips through the config loader.
func settingsFile(cfg Config) map[string]any {
	m := map[string]any{
		"db_path":     cfg.DBPath,
		"log_level":   cfg.LogLevel,
		"skip_policy": cfg.SkipPolicy,
		"cache_ttl":   cfg.CacheTTL.String(),
		"vault_salt":  cfg.VaultSalt,
	}
	if cfg.RedisAddr != "" {
		m["redis_addr"] = cfg.RedisAddr
	}
	if cfg.MaxParallel > 0 {
		m["max_parallel"] = cfg.MaxParallel
	}
	if cfg.WebhookURL != "" {
		m["webhook_url"] = cfg.WebhookURL
	}
	if cfg.NotifyChannel != "" {
		m["notify_channel"] = cfg.NotifyChannel
	}
	return m
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate vault salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}
