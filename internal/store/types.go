package store

import (
	"encoding/json"
	"time"

	"github.com/markarapor/reportflow/pkg/schema"
)

// Workspace is a tenant with a prepaid credit balance.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditEntry is one movement of a workspace balance. Amount is negative for
// deductions; Balance is the balance after the movement.
type CreditEntry struct {
	ID          int64     `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	RunID       string    `json:"run_id,omitempty"`
	Amount      int       `json:"amount"`
	Balance     int       `json:"balance"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Workflow is a stored report definition.
type Workflow struct {
	ID          string                    `json:"id"`
	WorkspaceID string                    `json:"workspace_id"`
	BrandID     string                    `json:"brand_id,omitempty"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Active      bool                      `json:"active"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// WorkflowUpdate holds the mutable fields of a workflow; nil means unchanged.
type WorkflowUpdate struct {
	Name        *string
	Description *string
	Definition  *schema.WorkflowDefinition
	Active      *bool
}

// WorkflowFilter for listing workflows.
type WorkflowFilter struct {
	WorkspaceID string
	BrandID     string
	Active      *bool
	Limit       int
	Offset      int
}

// Run is the persisted record of one workflow execution. Result holds the
// serialized WorkflowRunResult once the run completes.
type Run struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	WorkspaceID string           `json:"workspace_id"`
	UserID      string           `json:"user_id,omitempty"`
	Status      schema.RunStatus `json:"status"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreditsUsed int              `json:"credits_used"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// DecodeResult unmarshals the stored run result, or returns nil while the
// run is still in flight.
func (r *Run) DecodeResult() (*schema.WorkflowRunResult, error) {
	if len(r.Result) == 0 {
		return nil, nil
	}
	var res schema.WorkflowRunResult
	if err := json.Unmarshal(r.Result, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunFilter for listing runs.
type RunFilter struct {
	WorkflowID  string
	WorkspaceID string
	Status      *schema.RunStatus
	Since       *time.Time
	Limit       int
}

// RunEvent is an immutable entry in a run's progress log.
type RunEvent struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Connection is a brand's authorized link to a data provider. Refresh
// tokens live in the vault, never in this row.
type Connection struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	BrandID     string    `json:"brand_id"`
	Provider    string    `json:"provider"`
	AccountID   string    `json:"account_id,omitempty"`
	PropertyID  string    `json:"property_id,omitempty"`
	SiteURL     string    `json:"site_url,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Schema returns the view of c handed to node handlers.
func (c *Connection) Schema() *schema.Connection {
	return &schema.Connection{
		ID:         c.ID,
		BrandID:    c.BrandID,
		Provider:   c.Provider,
		AccountID:  c.AccountID,
		PropertyID: c.PropertyID,
		SiteURL:    c.SiteURL,
		Active:     c.Active,
	}
}

// ConnectionFilter for listing connections.
type ConnectionFilter struct {
	WorkspaceID string
	BrandID     string
	Provider    string
	ActiveOnly  bool
}
