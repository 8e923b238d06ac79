package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/markarapor/reportflow/internal/expressions"
	"github.com/markarapor/reportflow/internal/logging"
	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/internal/streaming"
	"github.com/markarapor/reportflow/pkg/schema"
)

const tracerName = "github.com/markarapor/reportflow/internal/engine"

// Skip reasons recorded on skipped results.
const (
	ReasonCancelled = "run cancelled"
)

// RunLimiter decides whether a run may start. It is consulted once per run.
type RunLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// SkipPolicy decides when a node with upstream edges is starved of input.
type SkipPolicy int

const (
	// SkipWhenAnyMissing skips a node unless every upstream output is present.
	SkipWhenAnyMissing SkipPolicy = iota
	// SkipWhenAllMissing skips a node only when no upstream output is present.
	SkipWhenAllMissing
)

// ParseSkipPolicy maps "any"/"all" to a policy; anything else is SkipWhenAnyMissing.
func ParseSkipPolicy(s string) SkipPolicy {
	if s == "all" {
		return SkipWhenAllMissing
	}
	return SkipWhenAnyMissing
}

// ExecutorConfig holds the executor's optional collaborators and knobs.
type ExecutorConfig struct {
	MaxParallel int // > 1 runs independent nodes of a level concurrently
	SkipPolicy  SkipPolicy
	Costs       *CostTable // nil = DefaultCostTable
	Limiter     RunLimiter // nil = unlimited
	Hub         streaming.EventHub
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Now         func() time.Time
}

// RunSeed is the caller-supplied state of a run.
type RunSeed struct {
	RunID        string // generated when empty
	WorkspaceID  string
	BrandID      string
	UserID       string
	DateRange    schema.DateRange // defaults to the previous calendar month
	Variables    map[string]any   // override persisted and date variables
	Credentials  nodes.Credentials
	RateLimitKey string // defaults to UserID, then WorkspaceID
}

// Executor runs workflow definitions against a node registry.
type Executor struct {
	registry *nodes.Registry
	cfg      ExecutorConfig
	costs    CostTable
	hub      streaming.EventHub
	fsm      *NodeFSM
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewExecutor(registry *nodes.Registry, cfg ExecutorConfig) *Executor {
	costs := DefaultCostTable()
	if cfg.Costs != nil {
		costs = *cfg.Costs
	}
	if cfg.Hub == nil {
		cfg.Hub = streaming.Nop{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	fsm := NewNodeFSM(cfg.Hub)
	fsm.now = cfg.Now
	return &Executor{
		registry: registry,
		cfg:      cfg,
		costs:    costs,
		hub:      cfg.Hub,
		fsm:      fsm,
		logger:   logging.OrDiscard(cfg.Logger),
		tracer:   cfg.Tracer,
	}
}

// FSM exposes the node state machine so callers can observe transitions.
func (e *Executor) FSM() *NodeFSM { return e.fsm }

// Costs returns the tariff used for credit accounting.
func (e *Executor) Costs() CostTable { return e.costs }

// plan is a definition prepared for one run: templates resolved and configs
// decoded.
type plan struct {
	dag     *DAG
	nodes   map[string]*schema.Node
	configs map[string]any
}

// Execute runs def to completion and always returns a result. Definition
// problems, rate limiting and handler failures are reported inside it.
func (e *Executor) Execute(ctx context.Context, def *schema.WorkflowDefinition, seed RunSeed) *schema.WorkflowRunResult {
	started := e.cfg.Now().UTC()
	runID := seed.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	var workflowID string
	if def != nil {
		workflowID = def.ID
	}
	ref := RunRef{WorkflowID: workflowID, RunID: runID}

	ctx = logging.WithRun(ctx, seed.WorkspaceID, workflowID, runID)
	ctx, span := e.tracer.Start(ctx, "reportflow.run", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("run.id", runID),
		attribute.String("workspace.id", seed.WorkspaceID),
	))
	defer span.End()
	log := logging.LogWith(ctx, e.logger)

	result := &schema.WorkflowRunResult{
		RunID:       runID,
		WorkflowID:  workflowID,
		NodeResults: []schema.NodeExecutionResult{},
		StartedAt:   started,
	}

	if err := e.checkRateLimit(ctx, seed); err != nil {
		log.WarnContext(ctx, "run rejected", slog.String("error", err.Error()))
		e.publish(ctx, ref, schema.EventRunRejected, map[string]any{"error": err.Message})
		return e.abort(span, result, err)
	}

	dateRange := seed.DateRange
	vars := e.variables(def, seed, &dateRange)

	p, err := e.prepare(def, vars)
	if err != nil {
		log.ErrorContext(ctx, "workflow definition rejected", slog.String("error", err.Error()))
		e.publish(ctx, ref, schema.EventRunFailed, map[string]any{"error": err.Message})
		return e.abort(span, result, err)
	}

	stats := &nodes.Stats{}
	rc := newRunContext(&nodes.RunInfo{
		WorkflowID:  workflowID,
		RunID:       runID,
		WorkspaceID: seed.WorkspaceID,
		BrandID:     seed.BrandID,
		UserID:      seed.UserID,
		DateRange:   dateRange,
		Variables:   vars,
		Credentials: seed.Credentials,
		Stats:       stats,
	})

	log.InfoContext(ctx, "run started", slog.Int("nodes", len(p.dag.Sorted)), slog.Int("max_parallel", e.cfg.MaxParallel))
	e.publish(ctx, ref, schema.EventRunStarted, map[string]any{"nodes": len(p.dag.Sorted)})

	var results map[string]schema.NodeExecutionResult
	if e.cfg.MaxParallel > 1 {
		results = e.runParallel(ctx, ref, p, rc)
	} else {
		results = e.runSequential(ctx, ref, p, rc)
	}
	for _, id := range p.dag.Sorted {
		result.NodeResults = append(result.NodeResults, results[id])
	}

	result.Status = classify(result.NodeResults)
	result.CreditsUsed = e.costs.Credits(result.NodeResults)
	result.FinalOutput = finalOutput(result.NodeResults)
	result.Stats = stats.Snapshot()
	if ctx.Err() != nil {
		result.Error = schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled: %s", ctx.Err().Error())
		if result.Status == schema.RunStatusCompleted {
			result.Status = schema.RunStatusPartial
		}
	}
	e.finish(result)

	counts := result.Counts()
	span.SetAttributes(
		attribute.String("run.status", string(result.Status)),
		attribute.Int("run.credits", result.CreditsUsed),
	)
	if result.Status != schema.RunStatusCompleted {
		span.SetStatus(codes.Error, string(result.Status))
	}
	log.InfoContext(ctx, "run finished",
		slog.String("status", string(result.Status)),
		slog.Int("succeeded", counts[schema.NodeStatusSuccess]),
		slog.Int("failed", counts[schema.NodeStatusError]),
		slog.Int("skipped", counts[schema.NodeStatusSkipped]),
		slog.Int("credits", result.CreditsUsed),
		slog.Duration("elapsed", result.TotalExecutionTime.Duration()),
	)

	eventType := schema.EventRunCompleted
	if result.Status == schema.RunStatusFailed {
		eventType = schema.EventRunFailed
	}
	e.publish(ctx, ref, eventType, map[string]any{"status": result.Status, "creditsUsed": result.CreditsUsed})
	return result
}

func (e *Executor) checkRateLimit(ctx context.Context, seed RunSeed) *schema.Error {
	if e.cfg.Limiter == nil {
		return nil
	}
	key := seed.RateLimitKey
	if key == "" {
		key = seed.UserID
	}
	if key == "" {
		key = seed.WorkspaceID
	}
	ok, err := e.cfg.Limiter.Allow(ctx, key)
	if err != nil {
		// The limiter is advisory; an unavailable backend does not block runs.
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeRateLimited, "run rate limit exceeded for %q", key)
	}
	return nil
}

// variables merges persisted definition variables, fresh date variables and
// run overrides, in increasing precedence, and fills in the date range.
func (e *Executor) variables(def *schema.WorkflowDefinition, seed RunSeed, dr *schema.DateRange) map[string]any {
	var persisted map[string]any
	if def != nil {
		persisted = def.Variables
	}
	dates := expressions.DateVariables(e.cfg.Now())
	vars := expressions.MergeVariables(expressions.MergeVariables(persisted, dates), seed.Variables)

	if dr.IsZero() {
		dr.StartDate, _ = vars["lastMonthStart"].(string)
		dr.EndDate, _ = vars["lastMonthEnd"].(string)
	}
	if _, ok := vars["startDate"]; !ok {
		vars["startDate"] = dr.StartDate
	}
	if _, ok := vars["endDate"]; !ok {
		vars["endDate"] = dr.EndDate
	}
	return vars
}

// prepare builds the DAG, resolves templates in every node config and decodes
// the typed config once for the whole run.
func (e *Executor) prepare(def *schema.WorkflowDefinition, vars map[string]any) (*plan, *schema.Error) {
	dag, err := BuildDAG(def)
	if err != nil {
		return nil, asSchemaError(err, schema.ErrCodeValidation)
	}
	p := &plan{
		dag:     dag,
		nodes:   make(map[string]*schema.Node, len(dag.Nodes)),
		configs: make(map[string]any, len(dag.Nodes)),
	}
	for _, id := range dag.Sorted {
		orig := dag.Nodes[id]
		if !e.registry.Has(orig.Type) {
			return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "no handler registered for node type %q", orig.Type).WithNode(id)
		}
		resolved := *orig
		resolved.Config = expressions.ResolveMap(orig.Config, vars)
		cfg, err := schema.DecodeConfig(&resolved)
		if err != nil {
			return nil, asSchemaError(err, schema.ErrCodeInvalidConfig)
		}
		p.nodes[id] = &resolved
		p.configs[id] = cfg
	}
	return p, nil
}

func (e *Executor) runSequential(ctx context.Context, ref RunRef, p *plan, rc *RunContext) map[string]schema.NodeExecutionResult {
	results := make(map[string]schema.NodeExecutionResult, len(p.dag.Sorted))
	haltedBy := ""
	for _, id := range p.dag.Sorted {
		switch {
		case ctx.Err() != nil:
			results[id] = e.skip(ctx, ref, p.nodes[id], ReasonCancelled)
			continue
		case haltedBy != "":
			results[id] = e.skip(ctx, ref, p.nodes[id], haltReason(haltedBy))
			continue
		}
		res := e.runNode(ctx, ref, p, rc, id)
		results[id] = res
		if halts(res) {
			haltedBy = id
		}
	}
	return results
}

// runParallel walks the DAG level by level. Nodes of one level only depend on
// earlier levels, so they run concurrently on the worker pool. After an
// error the current level drains and later levels are skipped.
func (e *Executor) runParallel(ctx context.Context, ref RunRef, p *plan, rc *RunContext) map[string]schema.NodeExecutionResult {
	results := make(map[string]schema.NodeExecutionResult, len(p.dag.Sorted))
	var mu sync.Mutex
	record := func(id string, res schema.NodeExecutionResult) {
		mu.Lock()
		results[id] = res
		mu.Unlock()
	}

	pool := NewWorkerPool(e.cfg.MaxParallel, func(r any) {
		logging.LogWith(ctx, e.logger).ErrorContext(ctx, "worker panic", slog.Any("panic", r))
	})
	defer pool.Shutdown()

	haltedBy := ""
	for _, level := range p.dag.Levels {
		if ctx.Err() != nil || haltedBy != "" {
			reason := ReasonCancelled
			if haltedBy != "" {
				reason = haltReason(haltedBy)
			}
			for _, id := range level {
				record(id, e.skip(ctx, ref, p.nodes[id], reason))
			}
			continue
		}

		for _, id := range level {
			err := pool.Submit(ctx, func(ctx context.Context) {
				record(id, e.runNode(ctx, ref, p, rc, id))
			})
			if err != nil {
				record(id, e.skip(ctx, ref, p.nodes[id], ReasonCancelled))
			}
		}
		pool.Wait()

		for _, id := range level {
			if halts(results[id]) {
				haltedBy = id
				break
			}
		}
	}
	return results
}

// runNode gathers inputs, applies the skip policy and invokes the handler.
func (e *Executor) runNode(ctx context.Context, ref RunRef, p *plan, rc *RunContext, id string) schema.NodeExecutionResult {
	n := p.nodes[id]
	upstream := p.dag.Upstream(id)
	inputs, missing := rc.Inputs(upstream)
	if reason := e.starved(upstream, missing); reason != "" {
		return e.skip(ctx, ref, n, reason)
	}

	ctx = logging.WithNodeID(ctx, id)
	ctx, span := e.tracer.Start(ctx, "reportflow.node", trace.WithAttributes(
		attribute.String("node.id", id),
		attribute.String("node.type", string(n.Type)),
	))
	defer span.End()
	log := logging.LogWith(ctx, e.logger)

	if err := e.fsm.Transition(ctx, ref, id, schema.NodeStatusPending, schema.NodeStatusRunning, nil); err != nil {
		return errorResult(n, err, 0)
	}

	start := time.Now()
	output, err := e.invoke(ctx, n, &nodes.Request{
		Node:     n,
		Config:   p.configs[id],
		Inputs:   inputs,
		Upstream: upstream,
		Run:      rc.Info,
	})
	elapsed := time.Since(start)

	if err == nil {
		err = rc.SetOutput(id, output)
	}
	if err != nil {
		res := errorResult(n, err, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Error)
		log.WarnContext(ctx, "node failed", slog.String("code", res.ErrorCode), slog.String("error", res.Error), slog.Duration("elapsed", elapsed))
		_ = e.fsm.Transition(ctx, ref, id, schema.NodeStatusRunning, schema.NodeStatusError,
			map[string]any{"error": res.Error, "code": res.ErrorCode})
		return res
	}

	log.DebugContext(ctx, "node completed", slog.Duration("elapsed", elapsed))
	_ = e.fsm.Transition(ctx, ref, id, schema.NodeStatusRunning, schema.NodeStatusSuccess,
		map[string]any{"executionTime": elapsed.Milliseconds()})
	return schema.NodeExecutionResult{
		NodeID:        id,
		Type:          n.Type,
		Status:        schema.NodeStatusSuccess,
		Output:        output,
		ExecutionTime: schema.Millis(elapsed),
	}
}

// invoke calls the handler and converts a panic into a HANDLER_PANIC error.
func (e *Executor) invoke(ctx context.Context, n *schema.Node, req *nodes.Request) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).ErrorContext(ctx, "node handler panicked",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			output = nil
			err = schema.NewErrorf(schema.ErrCodeHandlerPanic, "handler panicked: %v", r).WithNode(n.ID)
		}
	}()

	h, err := e.registry.Get(n.Type)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, req)
}

// starved returns a skip reason when the policy says the node lacks input.
func (e *Executor) starved(upstream, missing []string) string {
	if len(upstream) == 0 || len(missing) == 0 {
		return ""
	}
	if e.cfg.SkipPolicy == SkipWhenAllMissing && len(missing) < len(upstream) {
		return ""
	}
	return fmt.Sprintf("no input from upstream %v", missing)
}

func (e *Executor) skip(ctx context.Context, ref RunRef, n *schema.Node, reason string) schema.NodeExecutionResult {
	logging.LogWith(logging.WithNodeID(ctx, n.ID), e.logger).DebugContext(ctx, "node skipped", slog.String("reason", reason))
	_ = e.fsm.Transition(ctx, ref, n.ID, schema.NodeStatusPending, schema.NodeStatusSkipped, map[string]any{"reason": reason})
	return schema.NodeExecutionResult{
		NodeID: n.ID,
		Type:   n.Type,
		Status: schema.NodeStatusSkipped,
		Reason: reason,
	}
}

func (e *Executor) abort(span trace.Span, result *schema.WorkflowRunResult, err *schema.Error) *schema.WorkflowRunResult {
	result.Status = schema.RunStatusFailed
	result.Error = err
	e.finish(result)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Message)
	return result
}

func (e *Executor) finish(result *schema.WorkflowRunResult) {
	result.CompletedAt = e.cfg.Now().UTC()
	result.TotalExecutionTime = schema.Millis(result.CompletedAt.Sub(result.StartedAt))
}

func (e *Executor) publish(ctx context.Context, ref RunRef, eventType string, payload any) {
	_ = e.hub.Publish(ctx, streaming.RunEvent{
		WorkflowID: ref.WorkflowID,
		RunID:      ref.RunID,
		EventType:  eventType,
		Payload:    payload,
		Timestamp:  e.cfg.Now().UTC(),
	})
}

// halts reports whether a result stops the run. Notification failures never do.
func halts(r schema.NodeExecutionResult) bool {
	return r.Status == schema.NodeStatusError && r.Type != schema.NodeTypeNotification
}

func haltReason(nodeID string) string {
	return fmt.Sprintf("run halted after %s failed", nodeID)
}

// classify: failed when nothing succeeded, partial when something failed
// alongside a success, completed otherwise.
func classify(results []schema.NodeExecutionResult) schema.RunStatus {
	var succeeded, failed int
	for _, r := range results {
		switch r.Status {
		case schema.NodeStatusSuccess:
			succeeded++
		case schema.NodeStatusError:
			failed++
		}
	}
	switch {
	case succeeded == 0:
		return schema.RunStatusFailed
	case failed > 0:
		return schema.RunStatusPartial
	default:
		return schema.RunStatusCompleted
	}
}

// finalOutput prefers the last successful export, then the last success.
func finalOutput(results []schema.NodeExecutionResult) any {
	var last any
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		if r.Status != schema.NodeStatusSuccess {
			continue
		}
		if r.Type == schema.NodeTypeExport {
			return r.Output
		}
		if last == nil {
			last = r.Output
		}
	}
	return last
}

func errorResult(n *schema.Node, err error, elapsed time.Duration) schema.NodeExecutionResult {
	res := schema.NodeExecutionResult{
		NodeID:        n.ID,
		Type:          n.Type,
		Status:        schema.NodeStatusError,
		ErrorCode:     schema.CodeOf(err),
		ExecutionTime: schema.Millis(elapsed),
	}
	if se, ok := err.(*schema.Error); ok {
		res.Error = se.Message
	} else {
		res.Error = err.Error()
	}
	if res.ErrorCode == "" {
		res.ErrorCode = schema.ErrCodeExecution
	}
	return res
}

func asSchemaError(err error, fallback string) *schema.Error {
	if se, ok := err.(*schema.Error); ok {
		return se
	}
	return schema.NewError(fallback, err.Error()).WithCause(err)
}
