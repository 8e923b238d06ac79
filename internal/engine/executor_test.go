package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/internal/streaming"
	"github.com/markarapor/reportflow/pkg/schema"
)

// --- test doubles ---

type funcHandler struct {
	typ schema.NodeType
	fn  func(ctx context.Context, req *nodes.Request) (any, error)
}

func (h funcHandler) Type() schema.NodeType { return h.typ }

func (h funcHandler) Execute(ctx context.Context, req *nodes.Request) (any, error) {
	return h.fn(ctx, req)
}

func adsOutput(_ context.Context, req *nodes.Request) (any, error) {
	cfg := req.Config.(*schema.DataSourceConfig)
	tag := schema.DataTypeAds
	if cfg.Source == schema.ProviderGoogleAnalytics {
		tag = schema.DataTypeAnalytics
	}
	req.Run.Stats.ExternalCalls.Add(1)
	return map[string]any{
		"type":   tag,
		"source": cfg.Source,
		"data":   map[string]any{"cost": 120.5, "clicks": 42.0},
	}, nil
}

func analysisOutput(_ context.Context, req *nodes.Request) (any, error) {
	req.Run.Stats.ModelCalls.Add(1)
	return map[string]any{
		"analysisType": "insights",
		"analysis":     "Spend was stable.",
		"keyFindings":  []any{"CTR improved"},
	}, nil
}

type limiterFunc func(ctx context.Context, key string) (bool, error)

func (f limiterFunc) Allow(ctx context.Context, key string) (bool, error) { return f(ctx, key) }

// testRegistry wires the pure handlers for real and fakes the ones that
// reach external systems. overrides replace a type's handler.
func testRegistry(overrides ...nodes.Handler) *nodes.Registry {
	byType := map[schema.NodeType]nodes.Handler{
		schema.NodeTypeTrigger:    nodes.TriggerHandler{},
		schema.NodeTypeDataSource: funcHandler{schema.NodeTypeDataSource, adsOutput},
		schema.NodeTypeAIAnalysis: funcHandler{schema.NodeTypeAIAnalysis, analysisOutput},
		schema.NodeTypeTransform:  nodes.NewTransformHandler(),
		schema.NodeTypeExport:     nodes.NewExportHandler(),
		schema.NodeTypeNotification: funcHandler{schema.NodeTypeNotification, func(context.Context, *nodes.Request) (any, error) {
			return map[string]any{"delivered": true}, nil
		}},
	}
	for _, h := range overrides {
		byType[h.Type()] = h
	}
	reg := nodes.NewRegistry()
	for _, t := range schema.NodeTypes {
		reg.MustRegister(byType[t])
	}
	return reg
}

func cfgNode(id string, typ schema.NodeType, cfg map[string]any) schema.Node {
	return schema.Node{ID: id, Type: typ, Config: cfg}
}

// reportDefinition is the canonical monthly report: two data sources merged,
// analyzed and exported.
func reportDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "monthly",
		Nodes: []schema.Node{
			cfgNode("trigger", schema.NodeTypeTrigger, nil),
			cfgNode("ads", schema.NodeTypeDataSource, map[string]any{"source": schema.ProviderGoogleAds}),
			cfgNode("ga", schema.NodeTypeDataSource, map[string]any{"source": schema.ProviderGoogleAnalytics}),
			cfgNode("merge", schema.NodeTypeTransform, map[string]any{"operation": "merge"}),
			cfgNode("ai", schema.NodeTypeAIAnalysis, map[string]any{"analysisType": "insights"}),
			cfgNode("export", schema.NodeTypeExport, map[string]any{"format": "pdf", "title": "{{brand}} report"}),
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

var fixedNow = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

func newTestExecutor(reg *nodes.Registry, cfg ExecutorConfig) *Executor {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	return NewExecutor(reg, cfg)
}

func statuses(r *schema.WorkflowRunResult) map[string]schema.NodeStatus {
	out := make(map[string]schema.NodeStatus, len(r.NodeResults))
	for _, nr := range r.NodeResults {
		out[nr.NodeID] = nr.Status
	}
	return out
}

func nodeIDs(r *schema.WorkflowRunResult) []string {
	out := make([]string, 0, len(r.NodeResults))
	for _, nr := range r.NodeResults {
		out = append(out, nr.NodeID)
	}
	return out
}

func drain(ch <-chan streaming.RunEvent) []streaming.RunEvent {
	var out []streaming.RunEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

var modes = []struct {
	name        string
	maxParallel int
}{
	{"sequential", 1},
	{"parallel", 4},
}

// --- end to end ---

func TestExecutor_MonthlyReport(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			ex := newTestExecutor(testRegistry(), ExecutorConfig{MaxParallel: mode.maxParallel})
			res := ex.Execute(context.Background(), reportDefinition(), RunSeed{
				RunID:       "run-1",
				WorkspaceID: "ws-1",
				BrandID:     "brand-1",
				Variables:   map[string]any{"brand": "Acme"},
			})

			require.Nil(t, res.Error)
			assert.Equal(t, schema.RunStatusCompleted, res.Status)
			assert.Equal(t, "run-1", res.RunID)
			assert.Equal(t, "monthly", res.WorkflowID)
			assert.Equal(t, []string{"trigger", "ads", "ga", "merge", "ai", "export"}, nodeIDs(res))
			for _, nr := range res.NodeResults {
				assert.Equal(t, schema.NodeStatusSuccess, nr.Status, nr.NodeID)
			}

			// 0 + 1 + 1 + 0.5 + 5 + 2 rounds up to 10.
			assert.Equal(t, 10, res.CreditsUsed)

			out, ok := res.FinalOutput.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "pdf", out["format"])
			assert.Equal(t, "Acme report", out["title"])
			assert.Equal(t, "run-1", out["runId"])
			assert.Equal(t, map[string]any{"startDate": "2026-09-01", "endDate": "2026-09-30"}, out["dateRange"])

			merged := res.Result("merge").Output.(map[string]any)
			assert.Contains(t, merged, nodes.KeyAdsData)
			assert.Contains(t, merged, nodes.KeyAnalyticsData)

			assert.Equal(t, int64(2), res.Stats["externalCalls"])
			assert.Equal(t, int64(1), res.Stats["modelCalls"])
			assert.Equal(t, fixedNow, res.StartedAt)
			assert.Equal(t, fixedNow, res.CompletedAt)
		})
	}
}

func TestExecutor_GeneratesRunID(t *testing.T) {
	ex := newTestExecutor(testRegistry(), ExecutorConfig{})
	res := ex.Execute(context.Background(), reportDefinition(), RunSeed{})
	_, err := uuid.Parse(res.RunID)
	assert.NoError(t, err)
}

func TestExecutor_ResultsFollowTopologicalOrder(t *testing.T) {
	d := &schema.WorkflowDefinition{
		ID: "wf",
		Nodes: []schema.Node{
			cfgNode("export", schema.NodeTypeExport, nil),
			cfgNode("ai", schema.NodeTypeAIAnalysis, nil),
			cfgNode("trigger", schema.NodeTypeTrigger, nil),
		},
		Edges: []schema.Edge{edge("ai", "export"), edge("trigger", "ai")},
	}
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			ex := newTestExecutor(testRegistry(), ExecutorConfig{MaxParallel: mode.maxParallel})
			res := ex.Execute(context.Background(), d, RunSeed{})
			assert.Equal(t, []string{"trigger", "ai", "export"}, nodeIDs(res))
			assert.Equal(t, schema.RunStatusCompleted, res.Status)
		})
	}
}

// --- variables ---

func TestExecutor_ResolvesVariables(t *testing.T) {
	var prompt string
	var info nodes.RunInfo
	capture := funcHandler{schema.NodeTypeAIAnalysis, func(_ context.Context, req *nodes.Request) (any, error) {
		prompt = req.Config.(*schema.AIAnalysisConfig).Prompt
		info = *req.Run
		return map[string]any{}, nil
	}}
	d := &schema.WorkflowDefinition{
		ID:        "wf",
		Variables: map[string]any{"brand": "Persisted", "channel": "search"},
		Nodes: []schema.Node{cfgNode("ai", schema.NodeTypeAIAnalysis, map[string]any{
			"prompt": "{{brand}}/{{channel}} {{startDate}}..{{endDate}} today={{today}}",
		})},
	}

	t.Run("explicit date range", func(t *testing.T) {
		ex := newTestExecutor(testRegistry(capture), ExecutorConfig{})
		ex.Execute(context.Background(), d, RunSeed{
			Variables: map[string]any{"brand": "Acme"},
			DateRange: schema.DateRange{StartDate: "2026-08-01", EndDate: "2026-08-31"},
		})
		assert.Equal(t, "Acme/search 2026-08-01..2026-08-31 today=2026-10-19", prompt)
		assert.Equal(t, "2026-08-01", info.DateRange.StartDate)
	})

	t.Run("defaults to previous month", func(t *testing.T) {
		ex := newTestExecutor(testRegistry(capture), ExecutorConfig{})
		ex.Execute(context.Background(), d, RunSeed{})
		assert.Equal(t, "Persisted/search 2026-09-01..2026-09-30 today=2026-10-19", prompt)
		assert.Equal(t, schema.DateRange{StartDate: "2026-09-01", EndDate: "2026-09-30"}, info.DateRange)
	})

	t.Run("definition is not mutated", func(t *testing.T) {
		assert.Equal(t, "{{brand}}/{{channel}} {{startDate}}..{{endDate}} today={{today}}", d.Nodes[0].Config["prompt"])
	})
}

// --- failures ---

func TestExecutor_FailureHaltsRun(t *testing.T) {
	failingAds := funcHandler{schema.NodeTypeDataSource, func(ctx context.Context, req *nodes.Request) (any, error) {
		if req.Node.ID == "ads" {
			return nil, schema.NewError(schema.ErrCodeProvider, "ads api returned 500").WithNode("ads")
		}
		return adsOutput(ctx, req)
	}}

	t.Run("sequential", func(t *testing.T) {
		ex := newTestExecutor(testRegistry(failingAds), ExecutorConfig{})
		res := ex.Execute(context.Background(), reportDefinition(), RunSeed{})

		assert.Equal(t, schema.RunStatusPartial, res.Status)
		ads := res.Result("ads")
		require.NotNil(t, ads)
		assert.Equal(t, schema.NodeStatusError, ads.Status)
		assert.Equal(t, schema.ErrCodeProvider, ads.ErrorCode)
		assert.Equal(t, "ads api returned 500", ads.Error)

		for _, id := range []string{"ga", "merge", "ai", "export"} {
			r := res.Result(id)
			assert.Equal(t, schema.NodeStatusSkipped, r.Status, id)
			assert.Equal(t, "run halted after ads failed", r.Reason, id)
		}
		assert.Equal(t, 0, res.CreditsUsed)
		assert.Equal(t, map[string]any{}, res.FinalOutput)
	})

	t.Run("parallel drains the failing level", func(t *testing.T) {
		ex := newTestExecutor(testRegistry(failingAds), ExecutorConfig{MaxParallel: 4})
		res := ex.Execute(context.Background(), reportDefinition(), RunSeed{})

		assert.Equal(t, schema.RunStatusPartial, res.Status)
		got := statuses(res)
		assert.Equal(t, schema.NodeStatusError, got["ads"])
		assert.Equal(t, schema.NodeStatusSuccess, got["ga"])
		for _, id := range []string{"merge", "ai", "export"} {
			assert.Equal(t, schema.NodeStatusSkipped, got[id], id)
		}
		assert.Equal(t, 1, res.CreditsUsed)
	})
}

func TestExecutor_AllFailedIsFailed(t *testing.T) {
	boom := funcHandler{schema.NodeTypeAIAnalysis, func(context.Context, *nodes.Request) (any, error) {
		return nil, errors.New("model unavailable")
	}}
	d := def([]schema.Node{node("ai", schema.NodeTypeAIAnalysis)})

	ex := newTestExecutor(testRegistry(boom), ExecutorConfig{})
	res := ex.Execute(context.Background(), d, RunSeed{})

	assert.Equal(t, schema.RunStatusFailed, res.Status)
	r := res.Result("ai")
	assert.Equal(t, "model unavailable", r.Error)
	assert.Equal(t, schema.ErrCodeExecution, r.ErrorCode)
	assert.Nil(t, res.FinalOutput)
	assert.Equal(t, 0, res.CreditsUsed)
}

func TestExecutor_HandlerPanic(t *testing.T) {
	panicky := funcHandler{schema.NodeTypeAIAnalysis, func(context.Context, *nodes.Request) (any, error) {
		panic("nil map write")
	}}
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			ex := newTestExecutor(testRegistry(panicky), ExecutorConfig{MaxParallel: mode.maxParallel})

			var res *schema.WorkflowRunResult
			require.NotPanics(t, func() {
				res = ex.Execute(context.Background(), reportDefinition(), RunSeed{})
			})

			ai := res.Result("ai")
			assert.Equal(t, schema.NodeStatusError, ai.Status)
			assert.Equal(t, schema.ErrCodeHandlerPanic, ai.ErrorCode)
			assert.Contains(t, ai.Error, "nil map write")
			assert.Equal(t, schema.NodeStatusSkipped, res.Result("export").Status)
			assert.Equal(t, schema.RunStatusPartial, res.Status)
		})
	}
}

func TestExecutor_NotificationFailureDoesNotHalt(t *testing.T) {
	failing := funcHandler{schema.NodeTypeNotification, func(context.Context, *nodes.Request) (any, error) {
		return nil, schema.NewError(schema.ErrCodeNotify, "webhook returned 502")
	}}
	d := &schema.WorkflowDefinition{
		ID: "wf",
		Nodes: []schema.Node{
			node("trigger", schema.NodeTypeTrigger),
			cfgNode("notify", schema.NodeTypeNotification, map[string]any{"channel": "webhook"}),
			node("export", schema.NodeTypeExport),
		},
		Edges: []schema.Edge{edge("trigger", "notify"), edge("trigger", "export")},
	}
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			ex := newTestExecutor(testRegistry(failing), ExecutorConfig{MaxParallel: mode.maxParallel})
			res := ex.Execute(context.Background(), d, RunSeed{})

			assert.Equal(t, schema.RunStatusPartial, res.Status)
			assert.Equal(t, schema.NodeStatusError, res.Result("notify").Status)
			assert.Equal(t, schema.ErrCodeNotify, res.Result("notify").ErrorCode)
			assert.Equal(t, schema.NodeStatusSuccess, res.Result("export").Status)
			assert.Equal(t, res.Result("export").Output, res.FinalOutput)
		})
	}
}

// --- skip policy ---

func TestExecutor_SkipPolicy(t *testing.T) {
	failing := funcHandler{schema.NodeTypeNotification, func(context.Context, *nodes.Request) (any, error) {
		return nil, errors.New("smtp down")
	}}
	var gotInputs map[string]any
	export := funcHandler{schema.NodeTypeExport, func(_ context.Context, req *nodes.Request) (any, error) {
		gotInputs = req.Inputs
		return map[string]any{"format": "pdf"}, nil
	}}
	d := &schema.WorkflowDefinition{
		ID: "wf",
		Nodes: []schema.Node{
			node("trigger", schema.NodeTypeTrigger),
			cfgNode("notify", schema.NodeTypeNotification, map[string]any{"channel": "email"}),
			node("export", schema.NodeTypeExport),
		},
		Edges: []schema.Edge{edge("trigger", "notify"), edge("trigger", "export"), edge("notify", "export")},
	}

	t.Run("any missing skips", func(t *testing.T) {
		gotInputs = nil
		ex := newTestExecutor(testRegistry(failing, export), ExecutorConfig{SkipPolicy: SkipWhenAnyMissing})
		res := ex.Execute(context.Background(), d, RunSeed{})

		r := res.Result("export")
		assert.Equal(t, schema.NodeStatusSkipped, r.Status)
		assert.Contains(t, r.Reason, "notify")
		assert.Nil(t, gotInputs)
	})

	t.Run("all missing runs with partial input", func(t *testing.T) {
		ex := newTestExecutor(testRegistry(failing, export), ExecutorConfig{SkipPolicy: SkipWhenAllMissing})
		res := ex.Execute(context.Background(), d, RunSeed{})

		assert.Equal(t, schema.NodeStatusSuccess, res.Result("export").Status)
		assert.Equal(t, map[string]any{"trigger": map[string]any{}}, gotInputs)
	})

	t.Run("parse", func(t *testing.T) {
		assert.Equal(t, SkipWhenAllMissing, ParseSkipPolicy("all"))
		assert.Equal(t, SkipWhenAnyMissing, ParseSkipPolicy("any"))
		assert.Equal(t, SkipWhenAnyMissing, ParseSkipPolicy(""))
	})
}

func TestExecutor_SkipsPropagate(t *testing.T) {
	failing := funcHandler{schema.NodeTypeNotification, func(context.Context, *nodes.Request) (any, error) {
		return nil, errors.New("down")
	}}
	d := &schema.WorkflowDefinition{
		ID: "wf",
		Nodes: []schema.Node{
			cfgNode("notify", schema.NodeTypeNotification, map[string]any{"channel": "slack"}),
			node("export", schema.NodeTypeExport),
			cfgNode("again", schema.NodeTypeNotification, map[string]any{"channel": "slack"}),
		},
		Edges: []schema.Edge{edge("notify", "export"), edge("export", "again")},
	}
	ex := newTestExecutor(testRegistry(failing), ExecutorConfig{})
	res := ex.Execute(context.Background(), d, RunSeed{})

	assert.Equal(t, schema.NodeStatusSkipped, res.Result("export").Status)
	assert.Equal(t, schema.NodeStatusSkipped, res.Result("again").Status)
	assert.Contains(t, res.Result("again").Reason, "export")
	assert.Equal(t, schema.RunStatusFailed, res.Status)
}

// --- definition errors ---

func TestExecutor_DefinitionErrors(t *testing.T) {
	partial := nodes.NewRegistry().MustRegister(nodes.TriggerHandler{})
	tests := []struct {
		name string
		reg  *nodes.Registry
		def  *schema.WorkflowDefinition
		code string
	}{
		{"nil definition", testRegistry(), nil, schema.ErrCodeValidation},
		{"empty definition", testRegistry(), def(nil), schema.ErrCodeValidation},
		{
			"cycle",
			testRegistry(),
			def([]schema.Node{node("a", schema.NodeTypeTransform), node("b", schema.NodeTypeTransform)}, edge("a", "b"), edge("b", "a")),
			schema.ErrCodeCycleDetected,
		},
		{
			"unknown type",
			testRegistry(),
			def([]schema.Node{node("a", "webhook")}),
			schema.ErrCodeUnknownNodeType,
		},
		{
			"no registered handler",
			partial,
			def([]schema.Node{node("t", schema.NodeTypeTrigger), node("x", schema.NodeTypeExport)}, edge("t", "x")),
			schema.ErrCodeUnknownNodeType,
		},
		{
			"invalid config",
			testRegistry(),
			def([]schema.Node{cfgNode("x", schema.NodeTypeExport, map[string]any{"format": "gif"})}),
			schema.ErrCodeInvalidConfig,
		},
		{
			"dangling edge",
			testRegistry(),
			def([]schema.Node{node("t", schema.NodeTypeTrigger)}, edge("t", "ghost")),
			schema.ErrCodeValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := streaming.NewMemoryHub()
			ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
			require.NoError(t, err)
			defer cancel()

			ex := newTestExecutor(tt.reg, ExecutorConfig{Hub: hub})
			res := ex.Execute(context.Background(), tt.def, RunSeed{})

			assert.Equal(t, schema.RunStatusFailed, res.Status)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
			assert.Empty(t, res.NodeResults)
			assert.Equal(t, 0, res.CreditsUsed)

			events := drain(ch)
			require.Len(t, events, 1)
			assert.Equal(t, schema.EventRunFailed, events[0].EventType)
		})
	}
}

// --- rate limiting ---

func TestExecutor_RateLimited(t *testing.T) {
	var calls atomic.Int32
	var gotKey string
	deny := limiterFunc(func(_ context.Context, key string) (bool, error) {
		calls.Add(1)
		gotKey = key
		return false, nil
	})
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	defer cancel()

	ex := newTestExecutor(testRegistry(), ExecutorConfig{Limiter: deny, Hub: hub})
	res := ex.Execute(context.Background(), reportDefinition(), RunSeed{UserID: "user-7", WorkspaceID: "ws-1"})

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "user-7", gotKey)
	assert.Equal(t, schema.RunStatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, schema.ErrCodeRateLimited, res.Error.Code)
	assert.Empty(t, res.NodeResults)
	assert.Equal(t, 0, res.CreditsUsed)

	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventRunRejected, events[0].EventType)
}

func TestExecutor_RateLimiterKeyFallback(t *testing.T) {
	var gotKey string
	allow := limiterFunc(func(_ context.Context, key string) (bool, error) {
		gotKey = key
		return true, nil
	})
	ex := newTestExecutor(testRegistry(), ExecutorConfig{Limiter: allow})

	ex.Execute(context.Background(), reportDefinition(), RunSeed{WorkspaceID: "ws-1"})
	assert.Equal(t, "ws-1", gotKey)

	ex.Execute(context.Background(), reportDefinition(), RunSeed{WorkspaceID: "ws-1", RateLimitKey: "brand:9"})
	assert.Equal(t, "brand:9", gotKey)
}

func TestExecutor_RateLimiterErrorFailsOpen(t *testing.T) {
	broken := limiterFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("redis: connection refused")
	})
	ex := newTestExecutor(testRegistry(), ExecutorConfig{Limiter: broken})
	res := ex.Execute(context.Background(), reportDefinition(), RunSeed{UserID: "u"})
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
}

// --- cancellation ---

func TestExecutor_Cancellation(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			cancelling := funcHandler{schema.NodeTypeTransform, func(context.Context, *nodes.Request) (any, error) {
				cancel()
				return map[string]any{"merged": true}, nil
			}}

			ex := newTestExecutor(testRegistry(cancelling), ExecutorConfig{MaxParallel: mode.maxParallel})
			res := ex.Execute(ctx, reportDefinition(), RunSeed{})

			assert.Equal(t, schema.NodeStatusSuccess, res.Result("merge").Status)
			for _, id := range []string{"ai", "export"} {
				r := res.Result(id)
				assert.Equal(t, schema.NodeStatusSkipped, r.Status, id)
				assert.Equal(t, ReasonCancelled, r.Reason, id)
			}
			require.NotNil(t, res.Error)
			assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
			assert.Equal(t, schema.RunStatusPartial, res.Status)
		})
	}
}

// --- concurrency ---

func TestExecutor_ParallelRunsLevelConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	barrier := funcHandler{schema.NodeTypeDataSource, func(ctx context.Context, req *nodes.Request) (any, error) {
		started.Done()
		done := make(chan struct{})
		go func() { started.Wait(); close(done) }()
		select {
		case <-done:
			return adsOutput(ctx, req)
		case <-time.After(2 * time.Second):
			return nil, errors.New("sibling never started")
		}
	}}

	ex := newTestExecutor(testRegistry(barrier), ExecutorConfig{MaxParallel: 2})
	res := ex.Execute(context.Background(), reportDefinition(), RunSeed{})
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
}

func TestExecutor_NodeTransitionsAreTerminal(t *testing.T) {
	failingAds := funcHandler{schema.NodeTypeDataSource, func(context.Context, *nodes.Request) (any, error) {
		return nil, errors.New("quota exceeded")
	}}
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			ex := newTestExecutor(testRegistry(failingAds), ExecutorConfig{MaxParallel: mode.maxParallel})

			var mu sync.Mutex
			final := map[string]schema.NodeStatus{}
			ex.FSM().OnTransition(func(id string, _, to schema.NodeStatus) {
				mu.Lock()
				defer mu.Unlock()
				if to.Terminal() {
					_, dup := final[id]
					assert.False(t, dup, "%s reached a terminal state twice", id)
					final[id] = to
				}
			})

			res := ex.Execute(context.Background(), reportDefinition(), RunSeed{})
			assert.Equal(t, statuses(res), final)
		})
	}
}

// --- events and tracing ---

func TestExecutor_PublishesEvents(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{RunID: "run-ev"})
	require.NoError(t, err)
	defer cancel()

	ex := newTestExecutor(testRegistry(), ExecutorConfig{Hub: hub})
	ex.Execute(context.Background(), reportDefinition(), RunSeed{RunID: "run-ev"})

	counts := map[string]int{}
	events := drain(ch)
	for _, ev := range events {
		assert.Equal(t, "monthly", ev.WorkflowID)
		counts[ev.EventType]++
	}
	assert.Equal(t, schema.EventRunStarted, events[0].EventType)
	assert.Equal(t, schema.EventRunCompleted, events[len(events)-1].EventType)
	assert.Equal(t, 6, counts[schema.EventNodeStarted])
	assert.Equal(t, 6, counts[schema.EventNodeCompleted])
	assert.Zero(t, counts[schema.EventNodeFailed])
}

func TestExecutor_Spans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ex := newTestExecutor(testRegistry(), ExecutorConfig{Tracer: tp.Tracer("test")})
	ex.Execute(context.Background(), reportDefinition(), RunSeed{RunID: "run-span"})

	spans := sr.Ended()
	require.Len(t, spans, 7)
	var runSpans, nodeSpans int
	for _, s := range spans {
		switch s.Name() {
		case "reportflow.run":
			runSpans++
		case "reportflow.node":
			nodeSpans++
		}
	}
	assert.Equal(t, 1, runSpans)
	assert.Equal(t, 6, nodeSpans)
}
