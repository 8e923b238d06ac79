package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/markarapor/reportflow/internal/engine"
	"github.com/markarapor/reportflow/internal/store"
	"github.com/markarapor/reportflow/pkg/schema"
)

// Build lays out def using the engine's DAG and applies the optional status
// overlay. Nodes appear in execution order.
func Build(def *schema.WorkflowDefinition, overlay Overlay) (*Model, error) {
	dag, err := engine.BuildDAG(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build DAG: %w", err)
	}

	m := &Model{
		Title:  titleFromDef(def),
		Nodes:  make([]*Node, 0, len(dag.Sorted)),
		Levels: dag.Levels,
	}
	for _, id := range dag.Sorted {
		n := dag.Nodes[id]
		m.Nodes = append(m.Nodes, &Node{
			ID:     id,
			Label:  nodeLabel(n),
			Kind:   n.Type,
			Status: overlay[id],
		})
		for _, next := range dag.Downstream(id) {
			m.Edges = append(m.Edges, Edge{From: id, To: next})
		}
	}
	return m, nil
}

// OverlayFromResults builds an overlay from a finished run.
func OverlayFromResults(results []schema.NodeExecutionResult) Overlay {
	o := make(Overlay, len(results))
	for _, r := range results {
		msg := r.Error
		if msg == "" {
			msg = r.Reason
		}
		o[r.NodeID] = &StatusOverlay{
			Status:     r.Status,
			DurationMs: r.ExecutionTime.Duration().Milliseconds(),
			Error:      msg,
		}
	}
	return o
}

// OverlayFromNodeStates builds an overlay from replayed run events, which
// also covers runs still in progress.
func OverlayFromNodeStates(states map[string]*store.NodeState) Overlay {
	o := make(Overlay, len(states))
	for id, s := range states {
		ov := &StatusOverlay{Status: s.Status}
		if s.StartedAt != nil && s.CompletedAt != nil {
			ov.DurationMs = s.CompletedAt.Sub(*s.StartedAt).Milliseconds()
		}
		if len(s.Detail) > 0 {
			var detail struct {
				Error  string `json:"error"`
				Reason string `json:"reason"`
			}
			if json.Unmarshal(s.Detail, &detail) == nil {
				ov.Error = detail.Error
				if ov.Error == "" {
					ov.Error = detail.Reason
				}
			}
		}
		o[id] = ov
	}
	return o
}

// nodeLabel shows the name with the provider or operation that
// distinguishes nodes of the same kind.
func nodeLabel(n *schema.Node) string {
	label := n.Label()
	var detail string
	switch n.Type {
	case schema.NodeTypeDataSource:
		detail, _ = n.Config["source"].(string)
	case schema.NodeTypeTransform:
		detail, _ = n.Config["operation"].(string)
	case schema.NodeTypeAIAnalysis:
		detail, _ = n.Config["analysisType"].(string)
	case schema.NodeTypeExport:
		detail, _ = n.Config["format"].(string)
	case schema.NodeTypeNotification:
		detail, _ = n.Config["channel"].(string)
	}
	if detail != "" {
		return fmt.Sprintf("%s\n(%s)", label, detail)
	}
	return label
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	switch {
	case def.Name != "":
		return def.Name
	case def.ID != "":
		return def.ID
	default:
		return "Workflow"
	}
}
