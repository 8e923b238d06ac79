package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultChannelBuffer = 128

type subscriber struct {
	ch      chan RunEvent
	filter  EventFilter
	dropped atomic.Int64
}

// MemoryHub is an in-process EventHub. Slow subscribers lose events rather
// than blocking the run.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
	now  func() time.Time
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
		now:  time.Now,
	}
}

// Publish fans event out to every matching subscriber without blocking.
func (h *MemoryHub) Publish(ctx context.Context, event RunEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = h.now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	sub := &subscriber{ch: make(chan RunEvent, defaultChannelBuffer), filter: filter}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of active subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func matchFilter(f EventFilter, e RunEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	return true
}
