package validation

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/markarapor/reportflow/internal/expressions"
	"github.com/markarapor/reportflow/pkg/schema"
)

// knownVariables returns the variables a run of def can resolve: persisted
// definition variables, the date variables, the run's date range bounds and
// any extra names the caller will supply at run time.
func knownVariables(def *schema.WorkflowDefinition, now time.Time, extra map[string]any) map[string]any {
	vars := expressions.MergeVariables(expressions.MergeVariables(def.Variables, expressions.DateVariables(now)), extra)
	for _, k := range []string{"startDate", "endDate"} {
		if _, ok := vars[k]; !ok {
			vars[k] = ""
		}
	}
	return vars
}

// validateSemantic checks what the schema cannot: edge references, typed
// node configs after template resolution, cross-node references and
// unresolved placeholders. Placeholders without a variable are warnings; the
// engine substitutes an empty string for them.
func validateSemantic(def *schema.WorkflowDefinition, vars map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		nodeIDs[n.ID] = true
	}

	upstream := make(map[string][]string, len(def.Nodes))
	type edgeKey struct{ src, dst string }
	seen := make(map[edgeKey]bool, len(def.Edges))
	for i, e := range def.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !nodeIDs[e.Source] {
			result.AddError(path+".source", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !nodeIDs[e.Target] {
			result.AddError(path+".target", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
		k := edgeKey{e.Source, e.Target}
		if seen[k] {
			result.AddWarning(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge %s -> %s counts once", e.Source, e.Target))
			continue
		}
		seen[k] = true
		upstream[e.Target] = append(upstream[e.Target], e.Source)
	}

	triggers := 0
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)
		if n.Type == schema.NodeTypeTrigger {
			triggers++
			if len(upstream[n.ID]) > 0 {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("trigger %q has incoming edges", n.ID))
			}
		}
		validateNodeSemantic(n, path, vars, nodeIDs, upstream[n.ID], result)
	}
	if triggers > 1 {
		result.AddWarning("nodes", schema.ErrCodeValidation,
			fmt.Sprintf("workflow has %d trigger nodes; triggers are markers only", triggers))
	}
	return result
}

func validateNodeSemantic(n *schema.Node, path string, vars map[string]any, nodeIDs map[string]bool, upstream []string, result *schema.ValidationResult) {
	missing := expressions.Unresolved(n.Config, vars)
	sort.Strings(missing)
	for _, name := range missing {
		result.AddWarning(path+".config", schema.ErrCodeValidation,
			fmt.Sprintf("variable %q is not defined and will resolve to an empty string", name))
	}

	resolved := *n
	resolved.Config = expressions.ResolveMap(n.Config, vars)
	decoded, err := schema.DecodeConfig(&resolved)
	if err != nil {
		code := schema.CodeOf(err)
		if code == "" {
			code = schema.ErrCodeInvalidConfig
		}
		result.AddError(path+".config", code, messageOf(err))
		return
	}

	switch cfg := decoded.(type) {
	case *schema.DataSourceConfig:
		if cfg.DateRange != nil {
			checkDateRange(*cfg.DateRange, path+".config.dateRange", result)
		}
	case *schema.AIAnalysisConfig:
		for j, id := range cfg.InputNodeIDs {
			p := fmt.Sprintf("%s.config.inputNodeIds[%d]", path, j)
			switch {
			case !nodeIDs[id]:
				result.AddError(p, schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", id))
			case !slices.Contains(upstream, id):
				result.AddWarning(p, schema.ErrCodeValidation,
					fmt.Sprintf("node %q is not connected upstream; its output will never be an input", id))
			}
		}
		if len(upstream) == 0 {
			result.AddWarning(path, schema.ErrCodeValidation, "ai-analysis node has no inputs")
		}
	case *schema.TransformConfig:
		if cfg.Path != "" {
			if err := expressions.ValidatePath(cfg.Path); err != nil {
				result.AddError(path+".config.path", schema.ErrCodeInvalidConfig, messageOf(err))
			}
		}
		if len(upstream) == 0 {
			result.AddWarning(path, schema.ErrCodeValidation, "transform node has no inputs")
		}
	case *schema.ExportConfig:
		if len(upstream) == 0 {
			result.AddWarning(path, schema.ErrCodeValidation, "export node has no inputs")
		}
	}
}

// checkDateRange reports bounds that are not dates or are out of order. Empty
// bounds are left to the run's own date range.
func checkDateRange(dr schema.DateRange, path string, result *schema.ValidationResult) {
	if dr.StartDate == "" || dr.EndDate == "" {
		return
	}
	start, err1 := time.Parse(time.DateOnly, dr.StartDate)
	end, err2 := time.Parse(time.DateOnly, dr.EndDate)
	if err1 != nil || err2 != nil {
		result.AddError(path, schema.ErrCodeInvalidConfig,
			fmt.Sprintf("date range %s..%s is not in YYYY-MM-DD form", dr.StartDate, dr.EndDate))
		return
	}
	if end.Before(start) {
		result.AddError(path, schema.ErrCodeInvalidConfig,
			fmt.Sprintf("date range ends (%s) before it starts (%s)", dr.EndDate, dr.StartDate))
	}
}

// messageOf drops the code prefix a *schema.Error adds to its text, since
// the issue carries the code separately.
func messageOf(err error) string {
	var serr *schema.Error
	if errors.As(err, &serr) {
		return serr.Message
	}
	return err.Error()
}
