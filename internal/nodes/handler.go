package nodes

import (
	"context"
	"sync/atomic"

	"github.com/markarapor/reportflow/pkg/schema"
)

// Handler executes one node kind.
type Handler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, req *Request) (any, error)
}

// Request is everything a handler may read while executing a node.
type Request struct {
	Node     *schema.Node
	Config   any            // typed config produced by schema.DecodeConfig
	Inputs   map[string]any // upstream node id -> output, present upstreams only
	Upstream []string       // declared upstream ids, in edge order
	Run      *RunInfo
}

// OrderedInputs returns the present inputs in declared upstream order.
func (r *Request) OrderedInputs() []Input {
	out := make([]Input, 0, len(r.Inputs))
	for _, id := range r.Upstream {
		if v, ok := r.Inputs[id]; ok {
			out = append(out, Input{NodeID: id, Output: v})
		}
	}
	return out
}

// Input is one upstream output.
type Input struct {
	NodeID string
	Output any
}

// RunInfo is the read-only run state shared with handlers.
type RunInfo struct {
	WorkflowID  string
	RunID       string
	WorkspaceID string
	BrandID     string
	UserID      string
	DateRange   schema.DateRange
	Variables   map[string]any
	Credentials Credentials
	Stats       *Stats
}

// Credentials are secrets supplied by the caller for this run. Anything
// absent is resolved through the handler's collaborators.
type Credentials struct {
	ModelAPIKey string            `json:"-"`
	Tokens      map[string]string `json:"-"` // connection id -> bearer token
}

// Stats counts external effects of a run. Safe for concurrent use.
type Stats struct {
	ExternalCalls atomic.Int64
	CacheHits     atomic.Int64
	ModelCalls    atomic.Int64
}

// Snapshot returns the counters as a plain map.
func (s *Stats) Snapshot() map[string]int64 {
	if s == nil {
		return map[string]int64{}
	}
	return map[string]int64{
		"externalCalls": s.ExternalCalls.Load(),
		"cacheHits":     s.CacheHits.Load(),
		"modelCalls":    s.ModelCalls.Load(),
	}
}

func (r *RunInfo) stats() *Stats {
	if r == nil || r.Stats == nil {
		return &Stats{}
	}
	return r.Stats
}
