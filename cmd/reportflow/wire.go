package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/markarapor/reportflow/internal/cache"
	"github.com/markarapor/reportflow/internal/credentials"
	"github.com/markarapor/reportflow/internal/engine"
	"github.com/markarapor/reportflow/internal/llm"
	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/internal/notify"
	"github.com/markarapor/reportflow/internal/providers"
	"github.com/markarapor/reportflow/internal/ratelimit"
	"github.com/markarapor/reportflow/internal/secrets"
	"github.com/markarapor/reportflow/internal/store"
	"github.com/markarapor/reportflow/internal/streaming"
	"github.com/markarapor/reportflow/internal/validation"
	"github.com/markarapor/reportflow/pkg/schema"
)

// app is the fully wired process.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	vault     secrets.Vault // nil without vault key material
	apiKeys   *credentials.APIKeys
	tokens    *credentials.TokenSource
	redis     *goredis.Client
	hub       *streaming.MemoryHub
	events    *store.EventLog
	executor  *engine.Executor
	service   *engine.Service
	validator *validation.WorkflowValidator
}

// newApp opens the store and builds every component from cfg.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if !isURI(cfg.DBPath) {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(dbURI(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.store = st

	if cfg.VaultPassphrase != "" {
		vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open vault: %w", err)
		}
		a.vault = vault
		a.apiKeys = credentials.NewAPIKeys(vault)
		a.tokens = credentials.NewTokenSource(vault, credentials.OAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			Logger:       logger,
		})
	} else {
		logger.Warn("no vault passphrase configured; stored API keys and connection tokens are unavailable")
	}

	var resultCache nodes.Cache
	var limiter engine.RunLimiter
	if cfg.RedisAddr != "" {
		rdb := cache.NewClient(cache.Config{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: 3 * time.Second,
		})
		rc := cache.NewRedisCache(rdb, "reportflow:cache:")
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable; provider cache and run limit disabled", slog.String("error", err.Error()))
			rdb.Close()
		} else {
			a.redis = rdb
			resultCache = rc
			limiter = ratelimit.NewSlidingWindow(rdb, ratelimit.Config{Limit: cfg.RateLimit, Window: cfg.RateWindow})
		}
	}

	webhook := notify.NewWebhook(notify.WebhookConfig{DefaultURL: cfg.WebhookURL, Logger: logger})
	router := notify.NewRouter().
		Route(schema.ChannelWebhook, webhook).
		Route(schema.ChannelSlack, webhook).
		Route(schema.ChannelEmail, notify.NewLog(logger))

	registry, err := buildRegistry(cfg, logger, dataSourceDeps{
		connections: credentials.NewConnections(st),
		tokens:      a.tokens,
		apiKeys:     a.apiKeys,
		cache:       resultCache,
	}, router)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hub = streaming.NewMemoryHub()
	a.events = store.NewEventLog(st)
	a.executor = engine.NewExecutor(registry, engine.ExecutorConfig{
		MaxParallel: cfg.MaxParallel,
		SkipPolicy:  engine.ParseSkipPolicy(cfg.SkipPolicy),
		Costs:       cfg.Costs,
		Limiter:     limiter,
		Hub:         streaming.NewTee(a.hub, a.events),
		Logger:      logger,
	})
	a.service = engine.NewService(a.executor, st, engine.ServiceConfig{
		Notifier: router,
		Notice:   cfg.completionNotice(),
		Logger:   logger,
	})

	a.validator, err = validation.NewWorkflowValidator()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build validator: %w", err)
	}
	return a, nil
}

// dataSourceDeps carries the optional credential collaborators. Nil pointers
// must not reach the handlers as non-nil interfaces.
type dataSourceDeps struct {
	connections *credentials.Connections
	tokens      *credentials.TokenSource
	apiKeys     *credentials.APIKeys
	cache       nodes.Cache
}

func buildRegistry(cfg Config, logger *slog.Logger, deps dataSourceDeps, notifier nodes.Notifier) (*nodes.Registry, error) {
	opts := providers.Options{UserAgent: "reportflow/" + version}

	ds := nodes.DataSourceDeps{
		Connections: deps.connections,
		Cache:       deps.cache,
		CacheTTL:    cfg.CacheTTL,
		Ads: providers.NewAdsClient(providers.AdsOptions{
			Options:         opts,
			DeveloperToken:  cfg.AdsDeveloperToken,
			LoginCustomerID: cfg.AdsLoginCustomerID,
		}),
		Analytics: providers.NewAnalyticsClient(opts),
		Search:    providers.NewSearchConsoleClient(opts),
		Logger:    logger,
	}
	if deps.tokens != nil {
		ds.Tokens = deps.tokens
	}

	ai := nodes.AIAnalysisDeps{
		Model: llm.NewAnthropic(llm.Config{
			BaseURL: cfg.AnthropicBaseURL,
			Model:   cfg.AnthropicModel,
			Logger:  logger,
		}),
		Logger: logger,
	}
	if deps.apiKeys != nil {
		ai.APIKeys = deps.apiKeys
	}

	registry := nodes.NewRegistry()
	for _, h := range []nodes.Handler{
		nodes.TriggerHandler{},
		nodes.NewDataSourceHandler(ds),
		nodes.NewAIAnalysisHandler(ai),
		nodes.NewTransformHandler(),
		nodes.NewExportHandler(),
		nodes.NewNotificationHandler(notifier),
	} {
		if err := registry.Register(h); err != nil {
			return nil, fmt.Errorf("register %s handler: %w", h.Type(), err)
		}
	}
	return registry, nil
}

// Close releases the store and the Redis client.
func (a *app) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// dbURI turns a plain path into the file URI the libSQL driver expects.
func dbURI(path string) string {
	if isURI(path) {
		return path
	}
	return "file:" + path
}

func isURI(path string) bool {
	return strings.HasPrefix(path, "file:") || strings.Contains(path, "://")
}
