package schema

import (
	"encoding/json"
	"time"
)

// Event types published while a run executes.
const (
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventRunFailed     = "run_failed"
	EventRunRejected   = "run_rejected"
	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
)

// RunStatus is the final classification of a run. RunStatusRunning is only
// used for persisted runs that have not finished yet.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
)

// NodeStatus is the lifecycle state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
	NodeStatusSkipped NodeStatus = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusError || s == NodeStatusSkipped
}

// Millis marshals a duration as integer milliseconds.
type Millis time.Duration

func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(m).Milliseconds())
}

func (m *Millis) UnmarshalJSON(b []byte) error {
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	*m = Millis(time.Duration(ms) * time.Millisecond)
	return nil
}

// Duration returns m as a time.Duration.
func (m Millis) Duration() time.Duration { return time.Duration(m) }

// NodeExecutionResult records one node's outcome.
type NodeExecutionResult struct {
	NodeID        string     `json:"nodeId"`
	Type          NodeType   `json:"type"`
	Status        NodeStatus `json:"status"`
	Output        any        `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	ExecutionTime Millis     `json:"executionTime"`
}

// WorkflowRunResult is the complete outcome of one run.
type WorkflowRunResult struct {
	RunID              string                `json:"runId"`
	WorkflowID         string                `json:"workflowId"`
	Status             RunStatus             `json:"status"`
	NodeResults        []NodeExecutionResult `json:"nodeResults"`
	FinalOutput        any                   `json:"finalOutput,omitempty"`
	TotalExecutionTime Millis                `json:"totalExecutionTime"`
	CreditsUsed        int                   `json:"creditsUsed"`
	StartedAt          time.Time             `json:"startedAt"`
	CompletedAt        time.Time             `json:"completedAt"`
	Error              *Error                `json:"error,omitempty"`
	Stats              map[string]int64      `json:"stats,omitempty"`
}

// Result returns the result for nodeID, or nil.
func (r *WorkflowRunResult) Result(nodeID string) *NodeExecutionResult {
	for i := range r.NodeResults {
		if r.NodeResults[i].NodeID == nodeID {
			return &r.NodeResults[i]
		}
	}
	return nil
}

// Counts returns the number of results per status.
func (r *WorkflowRunResult) Counts() map[NodeStatus]int {
	out := make(map[NodeStatus]int, 3)
	for _, nr := range r.NodeResults {
		out[nr.Status]++
	}
	return out
}
