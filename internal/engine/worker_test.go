package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BasicExecution(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	var ran int64
	err := pool.Submit(context.Background(), func(ctx context.Context) {
		atomic.AddInt64(&ran, 1)
	})
	if err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}

	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}

	m := pool.Metrics()
	if m.Completed != 1 {
		t.Errorf("expected 1 completed, got %d", m.Completed)
	}
	if m.Active != 0 {
		t.Errorf("expected 0 active, got %d", m.Active)
	}
}

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	poolSize := 3
	pool := NewWorkerPool(poolSize, nil)
	defer pool.Shutdown()

	var maxConcurrent int64
	var current int64
	var mu sync.Mutex

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > maxConcurrent {
				maxConcurrent = c
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	pool.Wait()

	if maxConcurrent > int64(poolSize) {
		t.Errorf("max concurrent %d exceeded pool size %d", maxConcurrent, poolSize)
	}
	if got := pool.Metrics().Completed; got != int64(taskCount) {
		t.Errorf("expected %d completed, got %d", taskCount, got)
	}
}

func TestWorkerPool_MinimumSize(t *testing.T) {
	pool := NewWorkerPool(0, nil)
	defer pool.Shutdown()

	if cap(pool.sem) != 1 {
		t.Errorf("expected size 1, got %d", cap(pool.sem))
	}
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	var recovered atomic.Value
	pool := NewWorkerPool(1, func(r any) { recovered.Store(r) })
	defer pool.Shutdown()

	if err := pool.Submit(context.Background(), func(ctx context.Context) { panic("handler exploded") }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pool.Wait()

	if recovered.Load() != "handler exploded" {
		t.Errorf("onPanic got %v", recovered.Load())
	}

	// The slot is released after a panic.
	var ran atomic.Bool
	if err := pool.Submit(context.Background(), func(ctx context.Context) { ran.Store(true) }); err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	pool.Wait()
	if !ran.Load() {
		t.Error("pool did not recover after panic")
	}

	m := pool.Metrics()
	if m.Panics != 1 || m.Completed != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) {})
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
	// Shutdown is idempotent.
	pool.Shutdown()
}

func TestWorkerPool_SubmitCancelledWhileWaiting(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	if err := pool.Submit(context.Background(), func(ctx context.Context) { <-release }); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) {
		t.Error("task must not run")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	close(release)
	pool.Wait()
}

func TestWorkerPool_ShutdownWaitsForRunningTasks(t *testing.T) {
	pool := NewWorkerPool(2, nil)

	var finished atomic.Bool
	if err := pool.Submit(context.Background(), func(ctx context.Context) {
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	pool.Shutdown()
	if !finished.Load() {
		t.Error("shutdown returned before the running task finished")
	}
}
