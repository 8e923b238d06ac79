package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics counts work handled by a WorkerPool.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs node executions on at most size goroutines at once.
type WorkerPool struct {
	sem     chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	onPanic func(recovered any)

	mu     sync.Mutex
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool of the given size (minimum 1). onPanic, when
// set, receives anything recovered from a task.
func NewWorkerPool(size int, onPanic func(recovered any)) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:     make(chan struct{}, size),
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
}

// Submit blocks until a slot is free, then runs fn on its own goroutine.
// It gives up when ctx is cancelled or the pool shuts down while waiting.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add happens under the lock so Shutdown cannot start waiting between
	// the closed check and the Add.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()
	p.active.Add(1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				if p.onPanic != nil {
					p.onPanic(r)
				}
			} else {
				p.completed.Add(1)
			}
			p.active.Add(-1)
			<-p.sem
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every submitted task has returned.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Shutdown rejects new work and waits for running tasks.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
