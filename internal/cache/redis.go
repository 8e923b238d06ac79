// Package cache keeps provider payloads in Redis so repeated runs over the
// same connection and date range skip the provider call.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config describes the Redis server shared by the cache and the run limiter.
type Config struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// NewClient opens a go-redis client for cfg. The connection is lazy; call
// Ping to verify it.
func NewClient(cfg Config) *goredis.Client {
	opts := &goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return goredis.NewClient(opts)
}

// RedisCache stores JSON-encoded values under an optional key prefix.
type RedisCache struct {
	rdb    goredis.UniversalClient
	prefix string
}

func NewRedisCache(rdb goredis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get decodes the value stored under key. A missing key is (nil, false, nil).
func (c *RedisCache) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("cache decode %q: %w", key, err)
	}
	return v, true, nil
}

// Set stores value as JSON. A ttl of 0 keeps it until deleted.
func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

// Ping verifies the server is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
