package store

import (
	"context"

	"github.com/markarapor/reportflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workspaces and credits
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	AddCredits(ctx context.Context, workspaceID string, amount int, reason string) (int, error)
	DeductCredits(ctx context.Context, workspaceID, runID string, amount int) (int, error)
	ListCreditEntries(ctx context.Context, workspaceID string, limit int) ([]*CreditEntry, error)

	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id string, result *schema.WorkflowRunResult) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Run events (append-only)
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)

	// Connections
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	ListConnections(ctx context.Context, filter ConnectionFilter) ([]*Connection, error)
	SetConnectionActive(ctx context.Context, id string, active bool) error

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
