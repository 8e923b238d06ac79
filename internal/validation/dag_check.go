package validation

import (
	"fmt"

	"github.com/markarapor/reportflow/pkg/schema"
)

// validateDAG detects cycles with Kahn's algorithm and flags nodes whose
// output goes nowhere. Edges to unknown nodes are ignored here; the semantic
// pass already reported them.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		nodeIDs[n.ID] = true
	}

	inDegree := make(map[string]int, len(def.Nodes))
	downstream := make(map[string][]string, len(def.Nodes))
	linked := make(map[string]bool, len(def.Nodes))
	seen := make(map[[2]string]bool, len(def.Edges))
	for _, e := range def.Edges {
		if !nodeIDs[e.Source] || !nodeIDs[e.Target] || seen[[2]string{e.Source, e.Target}] {
			continue
		}
		seen[[2]string{e.Source, e.Target}] = true
		inDegree[e.Target]++
		downstream[e.Source] = append(downstream[e.Source], e.Target)
		linked[e.Source], linked[e.Target] = true, true
	}

	// Roots in definition order keep the output deterministic.
	var queue []string
	for _, n := range def.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range downstream[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(def.Nodes) {
		var stuck []string
		for _, n := range def.Nodes {
			if inDegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		result.AddError("edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("cyclic workflow: nodes %v never become ready", stuck))
		return result
	}

	if len(def.Nodes) < 2 {
		return result
	}
	for i, n := range def.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		switch {
		case !linked[n.ID]:
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q is not connected to any other node", n.ID))
		case len(downstream[n.ID]) == 0 && producesData(n.Type):
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("output of %s node %q is not consumed by any node", n.Type, n.ID))
		}
	}
	return result
}

// producesData reports whether a node kind exists to feed later nodes.
func producesData(t schema.NodeType) bool {
	switch t {
	case schema.NodeTypeDataSource, schema.NodeTypeTransform:
		return true
	}
	return false
}
