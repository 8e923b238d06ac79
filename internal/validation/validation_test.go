package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markarapor/reportflow/pkg/schema"
)

func node(id string, typ schema.NodeType, cfg map[string]any) schema.Node {
	return schema.Node{ID: id, Type: typ, Config: cfg}
}

func edge(src, dst string) schema.Edge {
	return schema.Edge{Source: src, Target: dst}
}

func reportDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:        "monthly",
		Variables: map[string]any{"brand": "Acme"},
		Nodes: []schema.Node{
			node("trigger", schema.NodeTypeTrigger, nil),
			node("ads", schema.NodeTypeDataSource, map[string]any{
				"source":    schema.ProviderGoogleAds,
				"dateRange": map[string]any{"startDate": "{{lastMonthStart}}", "endDate": "{{lastMonthEnd}}"},
			}),
			node("ga", schema.NodeTypeDataSource, map[string]any{"source": schema.ProviderGoogleAnalytics}),
			node("merge", schema.NodeTypeTransform, map[string]any{"operation": "merge"}),
			node("ai", schema.NodeTypeAIAnalysis, map[string]any{"analysisType": "insights", "inputNodeIds": []any{"merge"}}),
			node("export", schema.NodeTypeExport, map[string]any{"format": "pdf", "title": "{{brand}} report"}),
		},
		Edges: []schema.Edge{
			edge("trigger", "ads"),
			edge("trigger", "ga"),
			edge("ads", "merge"),
			edge("ga", "merge"),
			edge("merge", "ai"),
			edge("ai", "export"),
		},
	}
}

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(WithClock(func() time.Time {
		return time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	return wv
}

func issueCodes(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = newValidator(t)
}

func TestWorkflowValidator_Valid(t *testing.T) {
	res := newValidator(t).Validate(reportDefinition())
	assert.True(t, res.Valid(), "errors: %v", res.Errors)
	assert.Empty(t, res.Warnings)
	assert.NoError(t, newValidator(t).ValidateDefinition(reportDefinition()))
}

func TestWorkflowValidator_Nil(t *testing.T) {
	res := newValidator(t).Validate(nil)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrCodeValidation, res.Errors[0].Code)
}

func TestStructural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
		want   string
	}{
		{"no nodes", func(d *schema.WorkflowDefinition) { d.Nodes = nil; d.Edges = nil }, "/nodes"},
		{"empty node id", func(d *schema.WorkflowDefinition) { d.Nodes[0].ID = "" }, "/nodes/0/id"},
		{"unknown node type", func(d *schema.WorkflowDefinition) { d.Nodes[1].Type = "webhook" }, "/nodes/1/type"},
		{"transform without operation", func(d *schema.WorkflowDefinition) { d.Nodes[3].Config = map[string]any{} }, "/nodes/3"},
		{"bad notification channel", func(d *schema.WorkflowDefinition) {
			d.Nodes = append(d.Nodes, node("notify", schema.NodeTypeNotification, map[string]any{"channel": "fax"}))
		}, "/nodes/6/config/channel"},
		{"negative limit", func(d *schema.WorkflowDefinition) { d.Nodes[2].Config["limit"] = -1 }, "/nodes/2/config/limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := reportDefinition()
			tt.mutate(def)
			res := newValidator(t).Validate(def)
			require.False(t, res.Valid())
			assert.Contains(t, res.Errors[0].Message, tt.want)
		})
	}
}

func TestStructural_DuplicateNodeIDs(t *testing.T) {
	def := reportDefinition()
	def.Nodes[2].ID = "ads"
	res := newValidator(t).Validate(def)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, `duplicate node id "ads"`)
}

func TestValidateJSON(t *testing.T) {
	wv := newValidator(t)

	def, res := wv.ValidateJSON([]byte(`{"id":"x","nodes":[{"id":"t","type":"trigger"}],"edges":[]}`))
	require.True(t, res.Valid())
	require.NotNil(t, def)
	assert.Equal(t, "x", def.ID)

	def, res = wv.ValidateJSON([]byte(`{"nodes":[{"id":"t","type":"trigger"}],"steps":[]}`))
	assert.Nil(t, def)
	require.False(t, res.Valid())
	assert.Contains(t, res.Errors[0].Message, "steps")

	_, res = wv.ValidateJSON([]byte(`{"nodes":`))
	assert.False(t, res.Valid())
}

func TestSemantic_EdgeReferences(t *testing.T) {
	def := reportDefinition()
	def.Edges = append(def.Edges, edge("ghost", "export"), edge("ai", "nowhere"))
	res := newValidator(t).Validate(def)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "edges[6].source", res.Errors[0].Path)
	assert.Equal(t, "edges[7].target", res.Errors[1].Path)
}

func TestSemantic_DuplicateEdgeWarns(t *testing.T) {
	def := reportDefinition()
	def.Edges = append(def.Edges, edge("ads", "merge"))
	res := newValidator(t).Validate(def)
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0].Message, "duplicate edge ads -> merge")
}

func TestSemantic_UnresolvedVariablesWarn(t *testing.T) {
	def := reportDefinition()
	def.Variables = nil
	def.Nodes[5].Config["currency"] = "{{currency}}"

	wv := newValidator(t)
	res := wv.Validate(def)
	assert.True(t, res.Valid())
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, "nodes[5].config", res.Warnings[0].Path)
	assert.Contains(t, res.Warnings[0].Message, `"brand"`)
	assert.Contains(t, res.Warnings[1].Message, `"currency"`)

	res = wv.ValidateWithVariables(def, map[string]any{"brand": "x", "currency": "$"})
	assert.Empty(t, res.Warnings)
}

func TestSemantic_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*schema.WorkflowDefinition)
		path   string
		code   string
	}{
		{"unsupported source", func(d *schema.WorkflowDefinition) {
			d.Nodes[1].Config["source"] = "facebook-ads"
		}, "nodes[1].config", schema.ErrCodeInvalidConfig},
		{"data source without source", func(d *schema.WorkflowDefinition) {
			d.Nodes[2].Config = map[string]any{"limit": 5}
		}, "nodes[2].config", schema.ErrCodeInvalidConfig},
		{"inverted date range", func(d *schema.WorkflowDefinition) {
			d.Nodes[1].Config["dateRange"] = map[string]any{"startDate": "2026-09-30", "endDate": "2026-09-01"}
		}, "nodes[1].config.dateRange", schema.ErrCodeInvalidConfig},
		{"malformed date", func(d *schema.WorkflowDefinition) {
			d.Nodes[1].Config["dateRange"] = map[string]any{"startDate": "09/01/2026", "endDate": "2026-09-30"}
		}, "nodes[1].config.dateRange", schema.ErrCodeInvalidConfig},
		{"filter without field", func(d *schema.WorkflowDefinition) {
			d.Nodes[3].Config = map[string]any{"operation": "filter", "operator": "gt", "value": 1}
		}, "nodes[3].config", schema.ErrCodeInvalidConfig},
		{"computed path", func(d *schema.WorkflowDefinition) {
			d.Nodes[3].Config = map[string]any{"operation": "filter", "path": ".rows | length", "field": "x", "operator": "gt"}
		}, "nodes[3].config.path", schema.ErrCodeInvalidConfig},
		{"unknown analysis type", func(d *schema.WorkflowDefinition) {
			d.Nodes[4].Config["analysisType"] = "poetry"
		}, "nodes[4].config", schema.ErrCodeInvalidConfig},
		{"unknown input node", func(d *schema.WorkflowDefinition) {
			d.Nodes[4].Config["inputNodeIds"] = []any{"missing"}
		}, "nodes[4].config.inputNodeIds[0]", schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := reportDefinition()
			tt.mutate(def)
			res := newValidator(t).Validate(def)
			require.Len(t, res.Errors, 1, "errors: %v", res.Errors)
			assert.Equal(t, tt.path, res.Errors[0].Path)
			assert.Equal(t, tt.code, res.Errors[0].Code)
		})
	}
}

func TestSemantic_Warnings(t *testing.T) {
	def := reportDefinition()
	def.Nodes[4].Config["inputNodeIds"] = []any{"ads"}
	def.Nodes = append(def.Nodes, node("trigger2", schema.NodeTypeTrigger, nil))
	def.Edges = append(def.Edges, edge("trigger2", "ads"))

	res := newValidator(t).Validate(def)
	assert.True(t, res.Valid())
	msgs := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		msgs = append(msgs, w.Message)
	}
	assert.Contains(t, msgs, `node "ads" is not connected upstream; its output will never be an input`)
	assert.Contains(t, msgs, "workflow has 2 trigger nodes; triggers are markers only")
}

func TestDAG_Cycle(t *testing.T) {
	def := reportDefinition()
	def.Edges = append(def.Edges, edge("export", "merge"))
	res := newValidator(t).Validate(def)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, schema.ErrCodeCycleDetected, res.Errors[0].Code)
	assert.Contains(t, res.Errors[0].Message, "[merge ai export]")

	err := newValidator(t).ValidateDefinition(def)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCycleDetected))
}

func TestDAG_SelfLoop(t *testing.T) {
	def := reportDefinition()
	def.Edges = append(def.Edges, edge("ai", "ai"))
	res := newValidator(t).Validate(def)
	require.False(t, res.Valid())
	assert.Equal(t, []string{schema.ErrCodeCycleDetected}, issueCodes(res.Errors))
}

func TestDAG_SemanticErrorsSkipGraph(t *testing.T) {
	def := reportDefinition()
	def.Edges = append(def.Edges, edge("export", "merge"), edge("ghost", "ai"))
	res := newValidator(t).Validate(def)
	assert.Equal(t, []string{schema.ErrCodeValidation}, issueCodes(res.Errors))
}

func TestDAG_DanglingOutputs(t *testing.T) {
	def := reportDefinition()
	def.Nodes = append(def.Nodes,
		node("gsc", schema.NodeTypeDataSource, map[string]any{"source": schema.ProviderSearchConsole}),
		node("lonely", schema.NodeTypeExport, nil),
	)
	def.Edges = append(def.Edges, edge("trigger", "gsc"))

	res := newValidator(t).Validate(def)
	assert.True(t, res.Valid())
	paths := map[string]string{}
	for _, w := range res.Warnings {
		paths[w.Path] = w.Message
	}
	assert.Equal(t, `output of data-source node "gsc" is not consumed by any node`, paths["nodes[6]"])
	assert.Equal(t, `node "lonely" is not connected to any other node`, paths["nodes[7]"])
}

func TestDAG_SingleNode(t *testing.T) {
	def := &schema.WorkflowDefinition{Nodes: []schema.Node{node("t", schema.NodeTypeTrigger, nil)}}
	res := newValidator(t).Validate(def)
	assert.True(t, res.Valid())
	assert.Empty(t, res.Warnings)
}

func TestWorkflowValidator_Concurrent(t *testing.T) {
	wv := newValidator(t)
	done := make(chan bool, 20)
	for range 20 {
		go func() {
			done <- wv.Validate(reportDefinition()).Valid()
		}()
	}
	for range 20 {
		assert.True(t, <-done)
	}
}
