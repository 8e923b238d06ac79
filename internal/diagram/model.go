package diagram

import "github.com/markarapor/reportflow/pkg/schema"

// Model is the intermediate representation shared by every renderer.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one workflow node as drawn.
type Node struct {
	ID     string
	Label  string
	Kind   schema.NodeType
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a node.
type StatusOverlay struct {
	Status     schema.NodeStatus
	DurationMs int64
	Error      string // error message or skip reason
}

// Edge is a data dependency between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
}

// Overlay maps node ids to their runtime state.
type Overlay map[string]*StatusOverlay

// findNode looks up a node by id.
func (m *Model) findNode(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
