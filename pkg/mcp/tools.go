package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/markarapor/reportflow/internal/diagram"
	"github.com/markarapor/reportflow/internal/engine"
	"github.com/markarapor/reportflow/internal/store"
	"github.com/markarapor/reportflow/internal/templates"
	"github.com/markarapor/reportflow/pkg/schema"
)

// handleRun executes a stored workflow, a template or an inline definition.
func (s *ReportflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	templateID := req.GetString("template", "")
	inline := mcp.ParseStringMap(req, "definition", nil)
	if countSet(workflowID != "", templateID != "", inline != nil) != 1 {
		return mcp.NewToolResultError("exactly one of workflow_id, template or definition is required"), nil
	}

	dateRange := schema.DateRange{
		StartDate: req.GetString("start_date", ""),
		EndDate:   req.GetString("end_date", ""),
	}
	variables := mcp.ParseStringMap(req, "variables", nil)
	userID := req.GetString("user_id", "")

	if workflowID != "" {
		if s.service == nil {
			return mcp.NewToolResultError("stored workflow runs are not available"), nil
		}
		runReq := engine.RunRequest{
			WorkflowID: workflowID,
			RunID:      uuid.NewString(),
			UserID:     userID,
			DateRange:  dateRange,
			Variables:  variables,
		}
		if req.GetBool("async", false) {
			return s.runInBackground(ctx, runReq)
		}
		result, err := s.service.Run(ctx, runReq)
		if result == nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow run failed: %v", err)), nil
		}
		if err != nil {
			s.logger.WarnContext(ctx, "run bookkeeping failed", slog.String("run_id", result.RunID), slog.String("error", err.Error()))
		}
		return marshalResult(result)
	}

	if s.executor == nil {
		return mcp.NewToolResultError("ad-hoc runs are not available"), nil
	}
	var def *schema.WorkflowDefinition
	if templateID != "" {
		tpl, err := templates.Get(templateID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", err)), nil
		}
		def = tpl
	} else {
		parsed, res := s.parseDefinition(inline, variables)
		if !res.Valid() {
			return validationFailure(res)
		}
		def = parsed
	}

	result := s.executor.Execute(ctx, def, engine.RunSeed{
		RunID:       uuid.NewString(),
		WorkspaceID: req.GetString("workspace_id", ""),
		BrandID:     req.GetString("brand_id", ""),
		UserID:      userID,
		DateRange:   dateRange,
		Variables:   variables,
	})
	return marshalResult(result)
}

// runInBackground starts a stored run detached from the request and tells
// the calling session when it ends.
func (s *ReportflowServer) runInBackground(ctx context.Context, runReq engine.RunRequest) (*mcp.CallToolResult, error) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runReq.RunID, session.SessionID())
	}

	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		result, err := s.service.Run(bg, runReq)
		payload := map[string]any{"runId": runReq.RunID, "workflowId": runReq.WorkflowID}
		if result != nil {
			payload["status"] = result.Status
			payload["creditsUsed"] = result.CreditsUsed
			if result.Error != nil {
				payload["error"] = result.Error.Message
			}
		} else {
			payload["status"] = schema.RunStatusFailed
		}
		if err != nil {
			payload["error"] = err.Error()
			s.logger.WarnContext(bg, "background run reported an error", slog.String("run_id", runReq.RunID), slog.String("error", err.Error()))
		}
		if nerr := s.notifier.NotifyRun(bg, runReq.RunID, payload); nerr != nil {
			s.logger.WarnContext(bg, "run notification failed", slog.String("run_id", runReq.RunID), slog.String("error", nerr.Error()))
		}
	}()

	return marshalResult(map[string]any{
		"runId":      runReq.RunID,
		"workflowId": runReq.WorkflowID,
		"status":     schema.RunStatusRunning,
	})
}

// runStatus is the reportflow.status response.
type runStatus struct {
	Run     *store.Run                  `json:"run"`
	Running bool                        `json:"running"`
	Result  *schema.WorkflowRunResult   `json:"result,omitempty"`
	Nodes   map[string]*store.NodeState `json:"nodes,omitempty"`
}

// handleStatus reports a run's record, its result once finished, and the
// node states replayed from its event log while it is in flight.
func (s *ReportflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
	}
	result, err := run.DecodeResult()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decode run result: %v", err)), nil
	}

	record := *run
	record.Result = nil
	status := runStatus{Run: &record, Result: result, Running: s.isRunning(runID)}
	if result == nil && s.events != nil {
		states, err := s.events.ReplayNodeStates(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("replay run events: %v", err)), nil
		}
		status.Nodes = states
	}
	return marshalResult(status)
}

// handleCancel stops a run started by this process.
func (s *ReportflowServer) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	if s.service == nil {
		return mcp.NewToolResultError("no runs are tracked by this server"), nil
	}
	if err := s.service.Cancel(runID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "runId": runID})
}

// handleDefine validates a definition (or copies a template) and stores it
// as an active workflow.
func (s *ReportflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}
	templateID := req.GetString("template", "")
	inline := mcp.ParseStringMap(req, "definition", nil)
	if countSet(templateID != "", inline != nil) != 1 {
		return mcp.NewToolResultError("exactly one of definition or template is required"), nil
	}

	var def *schema.WorkflowDefinition
	var res *schema.ValidationResult
	if templateID != "" {
		tpl, err := templates.Get(templateID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", err)), nil
		}
		def, res = tpl, s.validator.Validate(tpl)
	} else {
		def, res = s.parseDefinition(inline, nil)
	}
	if !res.Valid() {
		return validationFailure(res)
	}

	name := req.GetString("name", def.Name)
	if name == "" {
		return mcp.NewToolResultError("name is required when the definition has none"), nil
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		BrandID:     req.GetString("brand_id", ""),
		Name:        name,
		Description: req.GetString("description", def.Description),
		Definition:  *def,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"id":       wf.ID,
		"name":     wf.Name,
		"warnings": res.Warnings,
	})
}

// handleValidate runs every validation stage and returns all issues.
func (s *ReportflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	inline := mcp.ParseStringMap(req, "definition", nil)
	if inline == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	_, res := s.parseDefinition(inline, mcp.ParseStringMap(req, "variables", nil))
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// handleQuery lists workflows, runs, events, templates or credits.
func (s *ReportflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "templates":
		return s.queryTemplates()
	case "credits":
		return s.queryCredits(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *ReportflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		WorkspaceID: extractString(filter, "workspace_id"),
		BrandID:     extractString(filter, "brand_id"),
		Limit:       extractInt(filter, "limit", 50),
		Offset:      extractInt(filter, "offset", 0),
	}
	if active, ok := filter["active"].(bool); ok {
		wf.Active = &active
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *ReportflowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		WorkflowID:  extractString(filter, "workflow_id"),
		WorkspaceID: extractString(filter, "workspace_id"),
		Limit:       extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if since := extractString(filter, "since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be RFC3339: %v", err)), nil
		}
		rf.Since = &t
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	// Full results are fetched with reportflow.status.
	for _, r := range runs {
		r.Result = nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *ReportflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID := extractString(filter, "run_id")
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	events, err := s.store.GetRunEvents(ctx, runID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	if nodeID := extractString(filter, "node_id"); nodeID != "" {
		kept := events[:0]
		for _, ev := range events {
			if ev.NodeID == nodeID {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *ReportflowServer) queryTemplates() (*mcp.CallToolResult, error) {
	list, err := templates.List()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"templates": list})
}

func (s *ReportflowServer) queryCredits(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workspaceID := extractString(filter, "workspace_id")
	if workspaceID == "" {
		return mcp.NewToolResultError("credit query requires 'workspace_id' in filter"), nil
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	entries, err := s.store.ListCreditEntries(ctx, workspaceID, extractInt(filter, "limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"balance": ws.Credits, "entries": entries})
}

// handleDiagram generates a workflow diagram in the requested format.
func (s *ReportflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	templateID := req.GetString("template", "")
	runID := req.GetString("run_id", "")
	if countSet(workflowID != "", templateID != "", runID != "") != 1 {
		return mcp.NewToolResultError("exactly one of workflow_id, template or run_id is required"), nil
	}

	var def *schema.WorkflowDefinition
	var overlay diagram.Overlay

	switch {
	case templateID != "":
		tpl, err := templates.Get(templateID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", err)), nil
		}
		def = tpl
	case workflowID != "":
		wf, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", err)), nil
		}
		def = namedDefinition(wf)
	default:
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", err)), nil
		}
		wf, err := s.store.GetWorkflow(ctx, run.WorkflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", err)), nil
		}
		def = namedDefinition(wf)
		if req.GetString("include_status", "true") != "false" {
			overlay = s.runOverlay(ctx, run)
		}
	}

	model, err := diagram.Build(def, overlay)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// runOverlay prefers the stored result and falls back to the event log for
// runs still in flight. Lookup failures draw the diagram without statuses.
func (s *ReportflowServer) runOverlay(ctx context.Context, run *store.Run) diagram.Overlay {
	if result, err := run.DecodeResult(); err == nil && result != nil {
		return diagram.OverlayFromResults(result.NodeResults)
	}
	if s.events == nil {
		return nil
	}
	states, err := s.events.ReplayNodeStates(ctx, run.ID)
	if err != nil {
		s.logger.WarnContext(ctx, "replay for diagram failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return nil
	}
	return diagram.OverlayFromNodeStates(states)
}

// --- Internal helpers ---

// parseDefinition validates a definition object received as tool input.
func (s *ReportflowServer) parseDefinition(raw map[string]any, vars map[string]any) (*schema.WorkflowDefinition, *schema.ValidationResult) {
	data, err := json.Marshal(raw)
	if err != nil {
		res := &schema.ValidationResult{}
		res.AddError("/", schema.ErrCodeValidation, fmt.Sprintf("invalid definition: %v", err))
		return nil, res
	}
	return s.validator.ValidateJSONWithVariables(data, vars)
}

func (s *ReportflowServer) isRunning(runID string) bool {
	if s.service == nil {
		return false
	}
	for _, id := range s.service.Running() {
		if id == runID {
			return true
		}
	}
	return false
}

// namedDefinition returns the stored definition labelled with the workflow's
// identity.
func namedDefinition(wf *store.Workflow) *schema.WorkflowDefinition {
	def := wf.Definition
	def.ID = wf.ID
	if def.Name == "" {
		def.Name = wf.Name
	}
	return &def
}

// validationFailure reports a rejected definition with every issue attached.
func validationFailure(res *schema.ValidationResult) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(map[string]any{
		"valid":    false,
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultError("workflow definition is invalid: " + string(data)), nil
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	v, _ := filter[key].(string)
	return v
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
