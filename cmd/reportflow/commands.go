package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/markarapor/reportflow/internal/diagram"
	"github.com/markarapor/reportflow/internal/engine"
	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/internal/store"
	"github.com/markarapor/reportflow/internal/streaming"
	"github.com/markarapor/reportflow/internal/templates"
	"github.com/markarapor/reportflow/internal/validation"
	"github.com/markarapor/reportflow/pkg/mcp"
	"github.com/markarapor/reportflow/pkg/schema"
)

// --- serve ---

func runServe(ctx context.Context, a *app) error {
	srv, err := mcp.NewReportflowServer(mcp.ServerDeps{
		Service:   a.service,
		Executor:  a.executor,
		Store:     a.store,
		Events:    a.events,
		Validator: a.validator,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	go logProgress(ctx, a.hub, a.logger)

	a.logger.Info("reportflow MCP server listening on stdio", slog.String("version", version), slog.String("db", a.cfg.DBPath))
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// logProgress mirrors live run events into the debug log until ctx ends.
func logProgress(ctx context.Context, hub streaming.EventHub, logger *slog.Logger) {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return
	}
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.Debug("run event",
				slog.String("run_id", ev.RunID),
				slog.String("node_id", ev.NodeID),
				slog.String("event", ev.EventType),
			)
		}
	}
}

// --- run ---

func runWorkflow(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	src := addSourceFlags(fs)
	start := fs.String("start", "", "report period start, YYYY-MM-DD (default: first day of last month)")
	end := fs.String("end", "", "report period end, YYYY-MM-DD (default: last day of last month)")
	workspace := fs.String("workspace", "", "workspace charged for file and template runs")
	brand := fs.String("brand", "", "brand whose connections file and template runs use")
	user := fs.String("user", "", "user starting the run (rate limit key)")
	draw := fs.String("diagram", "", "print a diagram of the finished run to stderr: ascii or mermaid")
	var vars varsFlag
	fs.Var(&vars, "var", "variable override key=value (repeatable; JSON values are decoded)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := src.check(); err != nil {
		return err
	}

	dateRange := schema.DateRange{StartDate: *start, EndDate: *end}
	var result *schema.WorkflowRunResult
	var def *schema.WorkflowDefinition

	if src.workflowID != "" {
		wf, err := a.store.GetWorkflow(ctx, src.workflowID)
		if err != nil {
			return err
		}
		def = &wf.Definition
		res, err := a.service.Run(ctx, engine.RunRequest{
			WorkflowID: src.workflowID,
			UserID:     *user,
			DateRange:  dateRange,
			Variables:  vars.values(),
		})
		if res == nil {
			return err
		}
		if err != nil {
			a.logger.Warn("run bookkeeping failed", slog.String("error", err.Error()))
		}
		result = res
	} else {
		d, err := src.definition(a.validator, a.logger)
		if err != nil {
			return err
		}
		def = d
		result = a.executor.Execute(ctx, def, engine.RunSeed{
			WorkspaceID: *workspace,
			BrandID:     *brand,
			UserID:      *user,
			DateRange:   dateRange,
			Variables:   vars.values(),
		})
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}

	if *draw != "" {
		model, err := diagram.Build(def, diagram.OverlayFromResults(result.NodeResults))
		if err != nil {
			return err
		}
		if *draw == "mermaid" {
			fmt.Fprintln(os.Stderr, diagram.RenderMermaid(model))
		} else {
			fmt.Fprintln(os.Stderr, diagram.RenderASCII(model))
		}
	}

	if result.Status == schema.RunStatusFailed {
		return errFailedRun
	}
	return nil
}

// --- validate ---

func runValidate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	file := fs.String("f", "", "workflow definition file")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	var vars varsFlag
	fs.Var(&vars, "var", "run-time variable key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" && fs.NArg() == 1 {
		*file = fs.Arg(0)
	}
	if *file == "" {
		return fmt.Errorf("validate: -f is required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read definition: %w", err)
	}
	wv, err := validation.NewWorkflowValidator()
	if err != nil {
		return err
	}
	_, res := wv.ValidateJSONWithVariables(raw, vars.values())

	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"valid": res.Valid(), "errors": res.Errors, "warnings": res.Warnings}); err != nil {
			return err
		}
	} else {
		for _, issue := range res.Errors {
			fmt.Fprintf(out, "error   %s [%s]\n", issue, issue.Code)
		}
		for _, issue := range res.Warnings {
			fmt.Fprintf(out, "warning %s\n", issue)
		}
		if res.Valid() {
			fmt.Fprintf(out, "%s: valid (%d warnings)\n", *file, len(res.Warnings))
		}
	}
	if !res.Valid() {
		return errFailedRun
	}
	return nil
}

// --- diagram ---

func runDiagram(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	src := addSourceFlags(fs)
	runID := fs.String("r", "", "run id; draws the stored workflow with the run's statuses")
	format := fs.String("format", "ascii", "ascii, mermaid or image")
	output := fs.String("o", "", "output file (required for image)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var def *schema.WorkflowDefinition
	var overlay diagram.Overlay
	if *runID != "" {
		if src.any() {
			return fmt.Errorf("diagram: -r cannot be combined with -f, -t or -w")
		}
		run, err := a.store.GetRun(ctx, *runID)
		if err != nil {
			return err
		}
		wf, err := a.store.GetWorkflow(ctx, run.WorkflowID)
		if err != nil {
			return err
		}
		def = &wf.Definition
		if res, err := run.DecodeResult(); err == nil && res != nil {
			overlay = diagram.OverlayFromResults(res.NodeResults)
		} else if states, err := a.events.ReplayNodeStates(ctx, run.ID); err == nil {
			overlay = diagram.OverlayFromNodeStates(states)
		}
	} else {
		if err := src.check(); err != nil {
			return err
		}
		if src.workflowID != "" {
			wf, err := a.store.GetWorkflow(ctx, src.workflowID)
			if err != nil {
				return err
			}
			def = &wf.Definition
		} else {
			d, err := src.definition(a.validator, a.logger)
			if err != nil {
				return err
			}
			def = d
		}
	}

	model, err := diagram.Build(def, overlay)
	if err != nil {
		return err
	}

	var data []byte
	switch *format {
	case "ascii":
		data = []byte(diagram.RenderASCII(model))
	case "mermaid":
		data = []byte(diagram.RenderMermaid(model))
	case "image":
		if *output == "" {
			return fmt.Errorf("diagram: -o is required for image output")
		}
		data, err = diagram.RenderImage(ctx, model)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("diagram: unknown format %q", *format)
	}

	if *output != "" {
		return os.WriteFile(*output, data, 0o644)
	}
	_, err = out.Write(data)
	return err
}

// --- templates ---

func runTemplates(out io.Writer) error {
	list, err := templates.List()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tNODES\tDESCRIPTION")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Name, s.Nodes, s.Description)
	}
	return tw.Flush()
}

// --- workspace ---

func runWorkspace(ctx context.Context, a *app, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("workspace: expected create or credits")
	}
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("workspace create", flag.ContinueOnError)
		id := fs.String("id", "", "workspace id (generated when empty)")
		name := fs.String("name", "", "workspace name")
		credits := fs.Int("credits", 0, "opening credit balance")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *id == "" {
			*id = uuid.NewString()
		}
		now := time.Now().UTC()
		if err := a.store.CreateWorkspace(ctx, &store.Workspace{ID: *id, Name: *name, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		if *credits > 0 {
			if _, err := a.store.AddCredits(ctx, *id, *credits, "opening balance"); err != nil {
				return err
			}
		}
		fmt.Fprintln(out, *id)
		return nil

	case "credits":
		fs := flag.NewFlagSet("workspace credits", flag.ContinueOnError)
		id := fs.String("id", "", "workspace id")
		amount := fs.Int("add", 0, "credits to add")
		reason := fs.String("reason", "top-up", "ledger reason")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *id == "" {
			return fmt.Errorf("workspace credits: -id is required")
		}
		if *amount != 0 {
			balance, err := a.store.AddCredits(ctx, *id, *amount, *reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "balance: %d\n", balance)
			return nil
		}
		ws, err := a.store.GetWorkspace(ctx, *id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "balance: %d\n", ws.Credits)
		return nil

	default:
		return fmt.Errorf("workspace: unknown subcommand %q", args[0])
	}
}

// --- apikey ---

func runAPIKey(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "workspace id")
	provider := fs.String("provider", nodes.ModelProvider, "key provider")
	key := fs.String("key", "", "API key (read from REPORTFLOW_API_KEY when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.apiKeys == nil {
		return schema.NewError(schema.ErrCodeVault, "vault is not configured; set vault_passphrase and vault_salt")
	}
	if *key == "" {
		*key = os.Getenv("REPORTFLOW_API_KEY")
	}
	if *workspace == "" || *key == "" {
		return fmt.Errorf("apikey: -workspace and -key are required")
	}
	if err := a.apiKeys.SetAPIKey(ctx, *workspace, *provider, *key); err != nil {
		return err
	}
	fmt.Fprintf(out, "stored %s key for workspace %s\n", *provider, *workspace)
	return nil
}

// --- connect ---

func runConnect(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	workspace := fs.String("workspace", "", "workspace id")
	brand := fs.String("brand", "", "brand id")
	provider := fs.String("provider", "", "google-ads, google-analytics or google-search-console")
	account := fs.String("account", "", "Ads customer id")
	property := fs.String("property", "", "GA4 property id")
	site := fs.String("site", "", "Search Console site URL")
	refresh := fs.String("refresh-token", "", "OAuth refresh token (read from REPORTFLOW_REFRESH_TOKEN when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.tokens == nil {
		return schema.NewError(schema.ErrCodeVault, "vault is not configured; set vault_passphrase and vault_salt")
	}
	if *refresh == "" {
		*refresh = os.Getenv("REPORTFLOW_REFRESH_TOKEN")
	}
	switch *provider {
	case schema.ProviderGoogleAds, schema.ProviderGoogleAnalytics, schema.ProviderSearchConsole:
	default:
		return schema.NewErrorf(schema.ErrCodeUnsupportedProvider, "unsupported provider %q", *provider)
	}
	if *workspace == "" || *brand == "" || *refresh == "" {
		return fmt.Errorf("connect: -workspace, -brand and -refresh-token are required")
	}

	now := time.Now().UTC()
	conn := &store.Connection{
		ID:          uuid.NewString(),
		WorkspaceID: *workspace,
		BrandID:     *brand,
		Provider:    *provider,
		AccountID:   *account,
		PropertyID:  *property,
		SiteURL:     *site,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.CreateConnection(ctx, conn); err != nil {
		return err
	}
	if err := a.tokens.StoreRefreshToken(ctx, conn.ID, *refresh); err != nil {
		return err
	}
	fmt.Fprintln(out, conn.ID)
	return nil
}

// --- shared flags ---

// sourceFlags selects the workflow a command works on.
type sourceFlags struct {
	file       string
	template   string
	workflowID string
}

func addSourceFlags(fs *flag.FlagSet) *sourceFlags {
	s := &sourceFlags{}
	fs.StringVar(&s.file, "f", "", "workflow definition file")
	fs.StringVar(&s.template, "t", "", "built-in template id")
	fs.StringVar(&s.workflowID, "w", "", "stored workflow id")
	return s
}

func (s *sourceFlags) any() bool {
	return s.file != "" || s.template != "" || s.workflowID != ""
}

func (s *sourceFlags) check() error {
	n := 0
	for _, v := range []string{s.file, s.template, s.workflowID} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of -f, -t or -w is required")
	}
	return nil
}

// definition loads the file or template source. Files are validated; warnings
// are logged and errors returned.
func (s *sourceFlags) definition(wv *validation.WorkflowValidator, logger *slog.Logger) (*schema.WorkflowDefinition, error) {
	if s.template != "" {
		return templates.Get(s.template)
	}
	raw, err := os.ReadFile(s.file)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	def, res := wv.ValidateJSON(raw)
	for _, w := range res.Warnings {
		logger.Warn("definition warning", slog.String("issue", w.String()))
	}
	if err := res.ToError(); err != nil {
		return nil, err
	}
	return def, nil
}

// varsFlag collects repeated key=value pairs.
type varsFlag map[string]any

func (v *varsFlag) String() string {
	if v == nil || *v == nil {
		return ""
	}
	parts := make([]string, 0, len(*v))
	for k, val := range *v {
		parts = append(parts, fmt.Sprintf("%s=%v", k, val))
	}
	return strings.Join(parts, ",")
}

func (v *varsFlag) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	if *v == nil {
		*v = make(varsFlag)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		(*v)[key] = decoded
	} else {
		(*v)[key] = raw
	}
	return nil
}

func (v varsFlag) values() map[string]any {
	if len(v) == 0 {
		return nil
	}
	return map[string]any(v)
}
