package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/markarapor/reportflow/internal/engine"
	"github.com/markarapor/reportflow/internal/store"
	"github.com/markarapor/reportflow/internal/validation"
	"github.com/markarapor/reportflow/pkg/schema"
)

// RunService runs stored workflows and tracks the ones in flight.
type RunService interface {
	Run(ctx context.Context, req engine.RunRequest) (*schema.WorkflowRunResult, error)
	Cancel(runID string) error
	Running() []string
}

// DefinitionRunner executes a definition that is not stored.
type DefinitionRunner interface {
	Execute(ctx context.Context, def *schema.WorkflowDefinition, seed engine.RunSeed) *schema.WorkflowRunResult
}

// NodeStateReplayer rebuilds node states of a run from its event log.
type NodeStateReplayer interface {
	ReplayNodeStates(ctx context.Context, runID string) (map[string]*store.NodeState, error)
}

// ServerDeps holds the dependencies for creating a ReportflowServer.
type ServerDeps struct {
	Service   RunService
	Executor  DefinitionRunner
	Store     store.Store
	Events    NodeStateReplayer
	Validator *validation.WorkflowValidator // nil builds the default validator
	Logger    *slog.Logger
}

// ReportflowServer wraps an MCP server with the reportflow tool handlers.
type ReportflowServer struct {
	service   RunService
	executor  DefinitionRunner
	store     store.Store
	events    NodeStateReplayer
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  RunNotifier
	mcpServer *server.MCPServer

	background sync.WaitGroup
}

// NewReportflowServer creates a server with all tools registered.
func NewReportflowServer(deps ServerDeps) (*ReportflowServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	validator := deps.Validator
	if validator == nil {
		v, err := validation.NewWorkflowValidator()
		if err != nil {
			return nil, fmt.Errorf("build validator: %w", err)
		}
		validator = v
	}

	s := &ReportflowServer{
		service:   deps.Service,
		executor:  deps.Executor,
		store:     deps.Store,
		events:    deps.Events,
		validator: validator,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"reportflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Reportflow runs marketing report workflows: data sources feed AI analysis, transforms and exports. "+
			"Use reportflow.validate to check a definition, reportflow.define to store it, reportflow.run to execute a stored workflow, "+
			"a built-in template or an inline definition, reportflow.status to inspect a run, reportflow.cancel to stop one, "+
			"reportflow.query to list workflows/runs/events/templates/credits and reportflow.diagram to draw a workflow."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Background runs are awaited before it returns.
func (s *ReportflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	s.Wait()
	return err
}

// Wait blocks until every background run has finished.
func (s *ReportflowServer) Wait() {
	s.background.Wait()
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ReportflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *ReportflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("reportflow.run",
		mcp.WithDescription("Run a stored workflow, a built-in template or an inline definition"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow")),
		mcp.WithString("template", mcp.Description("ID of a built-in template")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition")),
		mcp.WithString("workspace_id", mcp.Description("Workspace charged for template and inline runs")),
		mcp.WithString("brand_id", mcp.Description("Brand whose connections data sources use (template and inline runs)")),
		mcp.WithString("user_id", mcp.Description("ID of the user starting the run")),
		mcp.WithString("start_date", mcp.Description("Report period start, YYYY-MM-DD (default: first day of last month)")),
		mcp.WithString("end_date", mcp.Description("Report period end, YYYY-MM-DD (default: last day of last month)")),
		mcp.WithObject("variables", mcp.Description("Variables overriding the definition's own")),
		mcp.WithBoolean("async", mcp.Description("Return the run id immediately and notify this session when the run finishes (stored workflows only)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("reportflow.status",
		mcp.WithDescription("Get the status of a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("reportflow.cancel",
		mcp.WithDescription("Cancel an in-flight workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("reportflow.define",
		mcp.WithDescription("Validate and store a workflow"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Owning workspace")),
		mcp.WithString("brand_id", mcp.Description("Brand the workflow reports on")),
		mcp.WithString("name", mcp.Description("Workflow name (default: the definition's or template's name)")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("template", mcp.Description("Built-in template to copy instead of a definition")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("reportflow.validate",
		mcp.WithDescription("Validate a workflow definition without storing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithObject("variables", mcp.Description("Run variables to check placeholders against")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("reportflow.query",
		mcp.WithDescription("Query workflows, runs, events, templates or credits"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "events", "templates", "credits"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workspace_id, brand_id, workflow_id, run_id, status, active, since, limit, offset)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("reportflow.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Stored workflow to diagram")),
		mcp.WithString("template", mcp.Description("Built-in template to diagram")),
		mcp.WithString("run_id", mcp.Description("Run to diagram with its node statuses")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
		mcp.WithString("include_status", mcp.Description("Include the run's status overlay (default: true, run_id only)")),
	)
}
