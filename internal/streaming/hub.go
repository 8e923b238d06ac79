package streaming

import (
	"context"
	"time"
)

// RunEvent is a real-time progress event emitted while a run executes.
type RunEvent struct {
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`
	NodeID     string    `json:"node_id,omitempty"`
	EventType  string    `json:"event_type"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFilter selects the events a subscriber receives. Empty fields match all.
type EventFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub is pub/sub for run progress.
type EventHub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}

// Nop is an EventHub that drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, RunEvent) error { return nil }

func (Nop) Subscribe(context.Context, EventFilter) (<-chan RunEvent, func(), error) {
	ch := make(chan RunEvent)
	return ch, func() {}, nil
}
