package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/markarapor/reportflow/internal/streaming"
	"github.com/markarapor/reportflow/pkg/schema"
)

// EventLog persists run progress events and rebuilds node states from them.
// It is a streaming sink: wire it next to the live hub so in-flight runs can
// be inspected from another process.
type EventLog struct {
	store Store
}

func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Publish appends a streamed event to the run's log.
func (el *EventLog) Publish(ctx context.Context, ev streaming.RunEvent) error {
	var payload json.RawMessage
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = b
	}
	return el.store.AppendRunEvent(ctx, &RunEvent{
		RunID:      ev.RunID,
		WorkflowID: ev.WorkflowID,
		NodeID:     ev.NodeID,
		Type:       ev.EventType,
		Payload:    payload,
		Timestamp:  ev.Timestamp,
	})
}

// NodeState is a node's status as reconstructed from the event log.
type NodeState struct {
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Detail      json.RawMessage   `json:"detail,omitempty"`
}

// ReplayNodeStates folds a run's events into per-node states. Nodes that have
// not emitted anything yet are absent. A gap in the sequence is an error.
func (el *EventLog) ReplayNodeStates(ctx context.Context, runID string) (map[string]*NodeState, error) {
	events, err := el.store.GetRunEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
	}

	states := make(map[string]*NodeState)
	for _, e := range events {
		if e.NodeID == "" {
			continue
		}
		ns, ok := states[e.NodeID]
		if !ok {
			ns = &NodeState{NodeID: e.NodeID, Status: schema.NodeStatusPending}
			states[e.NodeID] = ns
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventNodeStarted:
			ns.Status = schema.NodeStatusRunning
			ns.StartedAt = &ts
		case schema.EventNodeCompleted:
			ns.Status = schema.NodeStatusSuccess
			ns.CompletedAt = &ts
			ns.Detail = e.Payload
		case schema.EventNodeFailed:
			ns.Status = schema.NodeStatusError
			ns.CompletedAt = &ts
			ns.Detail = e.Payload
		case schema.EventNodeSkipped:
			ns.Status = schema.NodeStatusSkipped
			ns.CompletedAt = &ts
			ns.Detail = e.Payload
		}
	}
	return states, nil
}
