package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markarapor/reportflow/internal/logging"
	"github.com/markarapor/reportflow/internal/nodes"
	"github.com/markarapor/reportflow/internal/store"
	"github.com/markarapor/reportflow/pkg/schema"
)

// RunStore is the persistence the Service needs around a run.
type RunStore interface {
	GetWorkflow(ctx context.Context, id string) (*store.Workflow, error)
	CreateRun(ctx context.Context, run *store.Run) error
	CompleteRun(ctx context.Context, id string, result *schema.WorkflowRunResult) error
	DeductCredits(ctx context.Context, workspaceID, runID string, amount int) (int, error)
}

// CompletionNotice addresses the message sent when a stored run finishes.
type CompletionNotice struct {
	Channel    string
	Recipients []string
	WebhookURL string
	ReportURL  string // base URL; the workflow id is appended
}

// ServiceConfig holds the Service's optional collaborators.
type ServiceConfig struct {
	Notifier nodes.Notifier
	Notice   *CompletionNotice // nil disables completion messages
	Logger   *slog.Logger
}

// RunRequest asks the Service to run a stored workflow.
type RunRequest struct {
	WorkflowID  string
	RunID       string // generated when empty
	UserID      string
	DateRange   schema.DateRange
	Variables   map[string]any
	Credentials nodes.Credentials
}

// Service runs stored workflows: it records the run, executes it, persists the
// result, charges the workspace and announces the outcome.
type Service struct {
	exec     *Executor
	store    RunStore
	notifier nodes.Notifier
	notice   *CompletionNotice
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewService(exec *Executor, s RunStore, cfg ServiceConfig) *Service {
	return &Service{
		exec:     exec,
		store:    s,
		notifier: cfg.Notifier,
		notice:   cfg.Notice,
		logger:   logging.OrDiscard(cfg.Logger),
		running:  make(map[string]context.CancelFunc),
	}
}

// Run executes the stored workflow named by req. Errors before execution
// (missing or inactive workflow, run record not created) return a nil
// result. Once the run has executed its result is always returned; failures
// to persist it or charge credits are reported alongside.
func (s *Service) Run(ctx context.Context, req RunRequest) (*schema.WorkflowRunResult, error) {
	wf, err := s.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Active {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is inactive", wf.ID)
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithRun(ctx, wf.WorkspaceID, wf.ID, runID)
	log := logging.LogWith(ctx, s.logger)

	if err := s.store.CreateRun(ctx, &store.Run{
		ID:          runID,
		WorkflowID:  wf.ID,
		WorkspaceID: wf.WorkspaceID,
		UserID:      req.UserID,
		Status:      schema.RunStatusRunning,
		StartedAt:   s.exec.cfg.Now().UTC(),
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.track(runID, cancel)
	defer s.untrack(runID)

	def := wf.Definition
	def.ID = wf.ID
	if def.Name == "" {
		def.Name = wf.Name
	}
	result := s.exec.Execute(runCtx, &def, RunSeed{
		RunID:       runID,
		WorkspaceID: wf.WorkspaceID,
		BrandID:     wf.BrandID,
		UserID:      req.UserID,
		DateRange:   req.DateRange,
		Variables:   req.Variables,
		Credentials: req.Credentials,
	})

	// Bookkeeping outlives a cancelled run.
	persistCtx := context.WithoutCancel(ctx)
	var errs []error
	if err := s.store.CompleteRun(persistCtx, runID, result); err != nil {
		log.ErrorContext(ctx, "persist run result failed", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("complete run: %w", err))
	}
	if result.CreditsUsed > 0 {
		balance, err := s.store.DeductCredits(persistCtx, wf.WorkspaceID, runID, result.CreditsUsed)
		if err != nil {
			log.ErrorContext(ctx, "credit deduction failed", slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("deduct credits: %w", err))
		} else {
			log.InfoContext(ctx, "credits deducted", slog.Int("amount", result.CreditsUsed), slog.Int("balance", balance))
		}
	}
	s.announce(persistCtx, wf, result)

	if len(errs) > 0 {
		return result, schema.NewError(schema.ErrCodeStore, "run finished but bookkeeping failed").WithCause(errors.Join(errs...))
	}
	return result, nil
}

// Cancel stops an in-flight run started by this Service.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	cancel, ok := s.running[runID]
	s.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q is not running", runID)
	}
	cancel()
	return nil
}

// Running lists the ids of in-flight runs.
func (s *Service) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

func (s *Service) track(runID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[runID] = cancel
	s.mu.Unlock()
}

func (s *Service) untrack(runID string) {
	s.mu.Lock()
	if cancel, ok := s.running[runID]; ok {
		cancel()
		delete(s.running, runID)
	}
	s.mu.Unlock()
}

// announce sends the completion or failure message. Delivery problems are
// logged only.
func (s *Service) announce(ctx context.Context, wf *store.Workflow, result *schema.WorkflowRunResult) {
	if s.notifier == nil || s.notice == nil {
		return
	}
	n := nodes.Notification{
		Channel:    s.notice.Channel,
		Recipients: s.notice.Recipients,
		WebhookURL: s.notice.WebhookURL,
		WorkflowID: wf.ID,
		RunID:      result.RunID,
		Payload: map[string]any{
			"workflowName": wf.Name,
			"status":       result.Status,
			"creditsUsed":  result.CreditsUsed,
			"duration":     result.TotalExecutionTime.Duration().Round(time.Millisecond).String(),
		},
	}
	if s.notice.ReportURL != "" {
		n.Payload["reportUrl"] = s.notice.ReportURL + "/workflows/" + wf.ID
	}

	if result.Status == schema.RunStatusFailed {
		n.Subject = fmt.Sprintf("Report failed: %s", wf.Name)
		n.Message = "The workflow run failed."
		if result.Error != nil {
			n.Message = result.Error.Message
			n.Payload["error"] = result.Error.Message
		}
	} else {
		n.Subject = fmt.Sprintf("Report ready: %s", wf.Name)
		n.Message = fmt.Sprintf("The workflow run finished with status %s.", result.Status)
	}

	if err := s.notifier.Notify(ctx, n); err != nil {
		logging.LogWith(ctx, s.logger).WarnContext(ctx, "completion notice failed", slog.String("error", err.Error()))
	}
}
