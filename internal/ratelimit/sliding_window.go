// Package ratelimit caps how often a user may start workflow runs.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Defaults match the hosted product: ten runs per user per minute.
const (
	DefaultLimit  = 10
	DefaultWindow = time.Minute
)

// slidingWindow trims entries older than the window, then admits the request
// only if fewer than limit remain. Scores are unix milliseconds.
var slidingWindow = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// Config for SlidingWindow. Zero values take the defaults.
type Config struct {
	Limit     int
	Window    time.Duration
	KeyPrefix string
	Now       func() time.Time
}

// SlidingWindow is a Redis-backed sliding-window limiter. It is safe for
// concurrent use across processes sharing the same Redis.
type SlidingWindow struct {
	rdb    goredis.Scripter
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

func NewSlidingWindow(rdb goredis.Scripter, cfg Config) *SlidingWindow {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "ratelimit:workflow"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SlidingWindow{
		rdb:    rdb,
		limit:  cfg.Limit,
		window: cfg.Window,
		prefix: cfg.KeyPrefix,
		now:    cfg.Now,
	}
}

// Allow records an attempt for key and reports whether it fits the window.
// Rejected attempts are not recorded.
func (l *SlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now().UnixMilli()
	res, err := slidingWindow.Run(ctx, l.rdb,
		[]string{l.prefix + ":" + key},
		now, l.window.Milliseconds(), l.limit, fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit %q: %w", key, err)
	}
	return res == 1, nil
}
