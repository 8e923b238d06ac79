package engine

import (
	"sync"

	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/pkg/schema"
)

// RunContext is the state of one run. Outputs are written once per node and
// are safe to read and write from concurrent node executions.
type RunContext struct {
	Info *nodes.RunInfo

	mu      sync.RWMutex
	outputs map[string]any
}

func newRunContext(info *nodes.RunInfo) *RunContext {
	return &RunContext{Info: info, outputs: make(map[string]any)}
}

// SetOutput records a node's output. A second write for the same node is a
// conflict.
func (rc *RunContext) SetOutput(nodeID string, output any) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if _, exists := rc.outputs[nodeID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "output for node %s already recorded", nodeID).WithNode(nodeID)
	}
	rc.outputs[nodeID] = output
	return nil
}

// Output returns a node's output and whether it was recorded.
func (rc *RunContext) Output(nodeID string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.outputs[nodeID]
	return v, ok
}

// Inputs collects the recorded outputs of the given upstream nodes and lists
// the ones that are missing.
func (rc *RunContext) Inputs(upstream []string) (present map[string]any, missing []string) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	present = make(map[string]any, len(upstream))
	for _, id := range upstream {
		if v, ok := rc.outputs[id]; ok {
			present[id] = v
		} else {
			missing = append(missing, id)
		}
	}
	return present, missing
}
