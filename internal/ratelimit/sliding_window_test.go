package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markarapor/reportflow/internal/cache"
	"github.com/markarapor/reportflow/internal/engine"
)

var _ engine.RunLimiter = (*SlidingWindow)(nil)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, limit int) (*SlidingWindow, *clock, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	rdb := cache.NewClient(cache.Config{Addr: mini.Addr()})
	t.Cleanup(func() { rdb.Close() })
	clk := &clock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
	return NewSlidingWindow(rdb, Config{Limit: limit, Window: time.Minute, Now: clk.Now}), clk, mini
}

func TestSlidingWindow_LimitsWithinWindow(t *testing.T) {
	l, _, _ := newTestLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i+1)
	}
	ok, err := l.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Allow(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSlidingWindow_Slides(t *testing.T) {
	l, clk, _ := newTestLimiter(t, 2)
	ctx := context.Background()

	allow := func() bool {
		ok, err := l.Allow(ctx, "user-1")
		require.NoError(t, err)
		return ok
	}

	assert.True(t, allow())
	clk.Advance(30 * time.Second)
	assert.True(t, allow())
	assert.False(t, allow())

	// The first attempt leaves the window; the second is still inside it.
	clk.Advance(31 * time.Second)
	assert.True(t, allow())
	assert.False(t, allow())

	clk.Advance(time.Minute)
	assert.True(t, allow())
}

func TestSlidingWindow_RejectedAttemptsNotCounted(t *testing.T) {
	l, _, mini := newTestLimiter(t, 1)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Allow(ctx, "user-1")
		require.NoError(t, err)
	}
	members, err := mini.ZMembers("ratelimit:workflow:user-1")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestSlidingWindow_Defaults(t *testing.T) {
	mini := miniredis.RunT(t)
	rdb := cache.NewClient(cache.Config{Addr: mini.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l := NewSlidingWindow(rdb, Config{})

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(context.Background(), "user-1")
			assert.NoError(t, err)
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(DefaultLimit), allowed.Load())
}

func TestSlidingWindow_RedisDown(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	rdb := cache.NewClient(cache.Config{Addr: mini.Addr(), DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })
	l := NewSlidingWindow(rdb, Config{})
	mini.Close()

	ok, err := l.Allow(context.Background(), "user-1")
	assert.Error(t, err)
	assert.False(t, ok)
}
