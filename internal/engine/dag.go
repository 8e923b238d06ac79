package engine

import (
	"slices"

	"github.com/markarapor/reportflow/pkg/schema"
)

// DAG is the dependency graph of a workflow definition, ready for execution.
type DAG struct {
	Nodes  map[string]*schema.Node
	Sorted []string   // topological order
	Levels [][]string // nodes grouped by dependency depth, each level in Sorted order

	index      map[string]int      // position in the definition's node list
	upstream   map[string][]string // node -> sources, edge order, deduplicated
	downstream map[string][]string // node -> targets, edge order, deduplicated
}

// BuildDAG checks node identity and edge references, then orders nodes with
// Kahn's algorithm. Among nodes that are ready at the same time, the one
// listed first in the definition runs first, so the order depends only on
// the definition.
func BuildDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	dag := &DAG{
		Nodes:      make(map[string]*schema.Node, len(def.Nodes)),
		index:      make(map[string]int, len(def.Nodes)),
		upstream:   make(map[string][]string, len(def.Nodes)),
		downstream: make(map[string][]string, len(def.Nodes)),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i)
		}
		if _, dup := dag.Nodes[n.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", n.ID)
		}
		if !n.Type.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "node %s has unknown type %q", n.ID, n.Type).WithNode(n.ID)
		}
		dag.Nodes[n.ID] = n
		dag.index[n.ID] = i
	}

	type edgeKey struct{ src, dst string }
	seen := make(map[edgeKey]bool, len(def.Edges))
	for i, e := range def.Edges {
		if _, ok := dag.Nodes[e.Source]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %d references unknown source node %q", i, e.Source)
		}
		if _, ok := dag.Nodes[e.Target]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %d references unknown target node %q", i, e.Target)
		}
		k := edgeKey{e.Source, e.Target}
		if seen[k] {
			continue
		}
		seen[k] = true
		dag.upstream[e.Target] = append(dag.upstream[e.Target], e.Source)
		dag.downstream[e.Source] = append(dag.downstream[e.Source], e.Target)
	}

	inDegree := make(map[string]int, len(dag.Nodes))
	var ready []int
	for i := range def.Nodes {
		id := def.Nodes[i].ID
		inDegree[id] = len(dag.upstream[id])
		if inDegree[id] == 0 {
			ready = append(ready, i)
		}
	}

	sorted := make([]string, 0, len(def.Nodes))
	for len(ready) > 0 {
		id := def.Nodes[ready[0]].ID
		ready = ready[1:]
		sorted = append(sorted, id)

		for _, next := range dag.downstream[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				idx := dag.index[next]
				pos, _ := slices.BinarySearch(ready, idx)
				ready = slices.Insert(ready, pos, idx)
			}
		}
	}

	if len(sorted) < len(dag.Nodes) {
		var stuck []string
		for i := range def.Nodes {
			if id := def.Nodes[i].ID; inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "cyclic workflow").
			WithDetails(map[string]any{"nodes": stuck})
	}

	dag.Sorted = sorted
	dag.Levels = dag.computeLevels()
	return dag, nil
}

// computeLevels places each node one level below its deepest upstream node.
func (d *DAG) computeLevels() [][]string {
	depth := make(map[string]int, len(d.Sorted))
	maxDepth := 0
	for _, id := range d.Sorted {
		level := 0
		for _, up := range d.upstream[id] {
			if depth[up]+1 > level {
				level = depth[up] + 1
			}
		}
		depth[id] = level
		maxDepth = max(maxDepth, level)
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range d.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// Upstream returns the distinct sources of edges into id, in edge order.
func (d *DAG) Upstream(id string) []string { return d.upstream[id] }

// Downstream returns the distinct targets of edges out of id, in edge order.
func (d *DAG) Downstream(id string) []string { return d.downstream[id] }

// Index returns the node's position in the definition, or -1.
func (d *DAG) Index(id string) int {
	if i, ok := d.index[id]; ok {
		return i
	}
	return -1
}

// Position returns the node's position in Sorted, or -1.
func (d *DAG) Position(id string) int {
	return slices.Index(d.Sorted, id)
}
