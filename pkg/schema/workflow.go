package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable report workflow.
// It is immutable for the duration of a run.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Nodes       []Node         `json:"nodes"`
	Edges       []Edge         `json:"edges"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// Node is one unit of work in a workflow.
type Node struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Name     string         `json:"name,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Position *Position      `json:"position,omitempty"`
}

// Label returns the display name, falling back to the ID.
func (n *Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Position is editor-only layout information.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Edge is a directed data dependency: Target consumes Source's output.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// NodeType enumerates the closed set of node kinds.
type NodeType string

const (
	NodeTypeTrigger      NodeType = "trigger"
	NodeTypeDataSource   NodeType = "data-source"
	NodeTypeAIAnalysis   NodeType = "ai-analysis"
	NodeTypeTransform    NodeType = "transform"
	NodeTypeExport       NodeType = "export"
	NodeTypeNotification NodeType = "notification"
)

// NodeTypes lists every recognized node type in declaration order.
var NodeTypes = []NodeType{
	NodeTypeTrigger,
	NodeTypeDataSource,
	NodeTypeAIAnalysis,
	NodeTypeTransform,
	NodeTypeExport,
	NodeTypeNotification,
}

// Valid reports whether t is a recognized node type.
func (t NodeType) Valid() bool {
	for _, k := range NodeTypes {
		if k == t {
			return true
		}
	}
	return false
}

// DateRange is an inclusive reporting window in YYYY-MM-DD form.
type DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// IsZero reports whether neither bound is set.
func (d DateRange) IsZero() bool {
	return d.StartDate == "" && d.EndDate == ""
}

// ParseDefinition decodes a JSON workflow definition.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewError(ErrCodeValidation, "invalid workflow definition JSON").WithCause(err)
	}
	return &def, nil
}
