package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/markarapor/reportflow/internal/streaming"
	"github.com/markarapor/reportflow/pkg/schema"
)

// TransitionHook is called after a node transition has been published.
type TransitionHook func(nodeID string, from, to schema.NodeStatus)

// ValidNodeTransitions defines the node lifecycle.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning: {schema.NodeStatusSuccess, schema.NodeStatusError},
	schema.NodeStatusSuccess: {},
	schema.NodeStatusError:   {},
	schema.NodeStatusSkipped: {},
}

// NodeFSM validates node transitions and publishes one event per transition.
type NodeFSM struct {
	hub streaming.EventHub
	now func() time.Time

	mu    sync.Mutex
	hooks []TransitionHook
}

func NewNodeFSM(hub streaming.EventHub) *NodeFSM {
	if hub == nil {
		hub = streaming.Nop{}
	}
	return &NodeFSM{hub: hub, now: time.Now}
}

// OnTransition registers a hook run after every successful transition.
func (f *NodeFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Transition moves nodeID from one status to another. Publishing failures are
// ignored; the hub is best effort.
func (f *NodeFSM) Transition(ctx context.Context, run RunRef, nodeID string, from, to schema.NodeStatus, payload any) error {
	if !slices.Contains(ValidNodeTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": run.RunID, "from": string(from), "to": string(to)})
	}

	if eventType := nodeEventType(to); eventType != "" {
		_ = f.hub.Publish(ctx, streaming.RunEvent{
			WorkflowID: run.WorkflowID,
			RunID:      run.RunID,
			NodeID:     nodeID,
			EventType:  eventType,
			Payload:    payload,
			Timestamp:  f.now().UTC(),
		})
	}

	f.mu.Lock()
	hooks := slices.Clone(f.hooks)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(nodeID, from, to)
	}
	return nil
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusSuccess:
		return schema.EventNodeCompleted
	case schema.NodeStatusError:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	default:
		return ""
	}
}

// RunRef identifies a run in events.
type RunRef struct {
	WorkflowID string
	RunID      string
}
