package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/markarapor/reportflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/reportflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workspaces ---

func (s *LibSQLStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, credits, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.Name, ws.Credits, timeOr(ws.CreatedAt, now), timeOr(ws.UpdatedAt, now),
	)
	return err
}

func (s *LibSQLStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, credits, created_at, updated_at FROM workspaces WHERE id = ?`, id,
	).Scan(&ws.ID, &ws.Name, &ws.Credits, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workspace", id)
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// AddCredits tops up a workspace and returns the new balance.
func (s *LibSQLStore) AddCredits(ctx context.Context, workspaceID string, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "credit top-up must be positive, got %d", amount)
	}
	return s.moveCredits(ctx, workspaceID, "", amount, reason)
}

// DeductCredits charges a finished run and returns the new balance. The
// balance may go negative; a run is never undone for lack of credits.
func (s *LibSQLStore) DeductCredits(ctx context.Context, workspaceID, runID string, amount int) (int, error) {
	if amount < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "credit deduction must not be negative, got %d", amount)
	}
	return s.moveCredits(ctx, workspaceID, runID, -amount, "workflow run")
}

func (s *LibSQLStore) moveCredits(ctx context.Context, workspaceID, runID string, delta int, reason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workspaces SET credits = credits + ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		delta, workspaceID,
	)
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	if err := checkRowsAffected(res, "workspace", workspaceID); err != nil {
		return 0, err
	}

	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT credits FROM workspaces WHERE id = ?`, workspaceID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credit_ledger (workspace_id, run_id, amount, balance, reason, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		workspaceID, nullStr(runID), delta, balance, reason, time.Now().UTC(),
	); err != nil {
		return 0, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credits: %w", err)
	}
	return balance, nil
}

// ListCreditEntries returns the newest ledger entries first.
func (s *LibSQLStore) ListCreditEntries(ctx context.Context, workspaceID string, limit int) ([]*CreditEntry, error) {
	query := `SELECT id, workspace_id, run_id, amount, balance, reason, created_at
		FROM credit_ledger WHERE workspace_id = ? ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*CreditEntry
	for rows.Next() {
		e := &CreditEntry{}
		var runID sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &runID, &e.Amount, &e.Balance, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.RunID = runID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Workflows ---

const workflowColumns = `id, workspace_id, brand_id, name, description, definition, active, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.WorkspaceID, nullStr(wf.BrandID), wf.Name, nullStr(wf.Description), string(def), wf.Active,
		timeOr(wf.CreatedAt, now), timeOr(wf.UpdatedAt, now),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, nullStr(*update.Description))
	}
	if update.Definition != nil {
		def, err := json.Marshal(update.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		sets = append(sets, "definition = ?")
		args = append(args, string(def))
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *update.Active)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.BrandID != "" {
		where = append(where, "brand_id = ?")
		args = append(args, filter.BrandID)
	}
	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *filter.Active)
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*Workflow, error) {
	wf := &Workflow{}
	var brand, desc sql.NullString
	var defJSON string
	if err := row.Scan(&wf.ID, &wf.WorkspaceID, &brand, &wf.Name, &desc, &defJSON, &wf.Active, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.BrandID = brand.String
	wf.Description = desc.String
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Runs ---

const runColumns = `id, workflow_id, workspace_id, user_id, status, result, error, credits_used, started_at, completed_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	status := run.Status
	if status == "" {
		status = schema.RunStatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.WorkspaceID, nullStr(run.UserID), string(status),
		nullRaw(run.Result), nullStr(run.Error), run.CreditsUsed,
		timeOr(run.StartedAt, time.Now().UTC()), nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

// CompleteRun stores the final result of a run. Completing a run twice is a
// conflict.
func (s *LibSQLStore) CompleteRun(ctx context.Context, id string, result *schema.WorkflowRunResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	var errMsg string
	if result.Error != nil {
		errMsg = result.Error.Message
	}
	completed := timeOr(result.CompletedAt, time.Now().UTC())

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, result = ?, error = ?, credits_used = ?, completed_at = ?
		 WHERE id = ? AND completed_at IS NULL`,
		string(result.Status), string(payload), nullStr(errMsg), result.CreditsUsed, completed, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already completed", id)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + runColumns + " FROM workflow_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var userID, result, errMsg sql.NullString
	var status string
	var completedAt sql.NullTime
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.WorkspaceID, &userID, &status, &result, &errMsg,
		&run.CreditsUsed, &run.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	run.UserID = userID.String
	run.Status = schema.RunStatus(status)
	run.Result = rawOrNil(result)
	run.Error = errMsg.String
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Run events ---

// AppendRunEvent appends an event with the next per-run sequence number.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOr(event.Timestamp, time.Now().UTC())

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, workflow_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.WorkflowID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetRunEvents returns a run's events with sequence > since, oldest first.
func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, workflow_id, node_id, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.WorkflowID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Connections ---

const connectionColumns = `id, workspace_id, brand_id, provider, account_id, property_id, site_url, active, created_at, updated_at`

func (s *LibSQLStore) CreateConnection(ctx context.Context, conn *Connection) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.WorkspaceID, conn.BrandID, conn.Provider,
		nullStr(conn.AccountID), nullStr(conn.PropertyID), nullStr(conn.SiteURL), conn.Active,
		timeOr(conn.CreatedAt, now), timeOr(conn.UpdatedAt, now),
	)
	return err
}

func (s *LibSQLStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("connection", id)
	}
	return conn, err
}

// ListConnections returns matching connections, oldest first.
func (s *LibSQLStore) ListConnections(ctx context.Context, filter ConnectionFilter) ([]*Connection, error) {
	var where []string
	var args []any

	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.BrandID != "" {
		where = append(where, "brand_id = ?")
		args = append(args, filter.BrandID)
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}

	query := "SELECT " + connectionColumns + " FROM connections"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (s *LibSQLStore) SetConnectionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE connections SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, active, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "connection", id)
}

func scanConnection(row scanner) (*Connection, error) {
	c := &Connection{}
	var account, property, site sql.NullString
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.BrandID, &c.Provider, &account, &property, &site,
		&c.Active, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.AccountID = account.String
	c.PropertyID = property.String
	c.SiteURL = site.String
	return c, nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOr(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
