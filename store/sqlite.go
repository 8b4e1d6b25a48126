package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps workflows, executions, and agent runs in a single-file
// database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//
// WAL mode is enabled for concurrent reads. Timestamps are stored as
// RFC3339 text in UTC; JSON columns are stored as text.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./agentflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// Use ":memory:" for an in-memory database in tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at the
// given path and runs schema migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			graph_data TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			graph_snapshot TEXT NOT NULL,
			execution_plan TEXT NOT NULL,
			input_data TEXT,
			budget_max_tokens INTEGER,
			budget_max_cost REAL,
			estimated_cost REAL,
			total_tokens_prompt INTEGER NOT NULL DEFAULT 0,
			total_tokens_completion INTEGER NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			error_message TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(workflow_id, status)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			agent_node_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model_used TEXT NOT NULL DEFAULT '',
			input_data TEXT,
			output_data TEXT,
			error_message TEXT,
			tokens_prompt INTEGER NOT NULL DEFAULT 0,
			tokens_completion INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER,
			retries INTEGER NOT NULL DEFAULT 0,
			is_fallback INTEGER NOT NULL DEFAULT 0,
			fallback_for TEXT,
			execution_order INTEGER NOT NULL,
			parallel_group INTEGER NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			seq INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_runs_execution ON agent_runs(execution_id, execution_order)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nsToRaw(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nsToStrPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// CreateWorkflow implements Store.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, graph_data, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.Name, w.Description, string(w.GraphData), boolToInt(w.IsActive),
		fmtTime(w.CreatedAt), fmtTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow implements Store.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, graph_data, is_active, created_at, updated_at
		 FROM workflows WHERE id = ?`, id.String())
	return scanWorkflow(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var (
		w                    Workflow
		idStr, created, updated string
		graph                string
		active               int
	)
	err := row.Scan(&idStr, &w.Name, &w.Description, &graph, &active, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}
	if w.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	w.GraphData = json.RawMessage(graph)
	w.IsActive = active != 0
	if w.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWorkflows implements Store.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, skip, limit int) ([]*Workflow, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count workflows: %w", err)
	}

	if limit <= 0 {
		limit = -1 // SQLite treats negative LIMIT as unbounded
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, graph_data, is_active, created_at, updated_at
		 FROM workflows ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, w)
	}
	return out, total, rows.Err()
}

// UpdateWorkflow implements Store.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	w.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, description = ?, graph_data = ?, is_active = ?, updated_at = ?
		 WHERE id = ?`,
		w.Name, w.Description, string(w.GraphData), boolToInt(w.IsActive),
		fmtTime(w.UpdatedAt), w.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return requireRow(res)
}

// DeleteWorkflow implements Store.
func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return requireRow(res)
}

// CreateExecution implements Store.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *Execution) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, graph_snapshot, execution_plan, input_data,
			budget_max_tokens, budget_max_cost, estimated_cost,
			total_tokens_prompt, total_tokens_completion, total_cost,
			error_message, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.WorkflowID.String(), e.Status,
		string(e.GraphSnapshot), string(e.ExecutionPlan), rawOrNil(e.InputData),
		e.BudgetMaxTokens, e.BudgetMaxCost, e.EstimatedCost,
		e.TotalTokensPrompt, e.TotalTokensCompletion, e.TotalCost,
		e.ErrorMessage, fmtTimePtr(e.StartedAt), fmtTimePtr(e.CompletedAt), fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

const executionColumns = `id, workflow_id, status, graph_snapshot, execution_plan, input_data,
	budget_max_tokens, budget_max_cost, estimated_cost,
	total_tokens_prompt, total_tokens_completion, total_cost,
	error_message, started_at, completed_at, created_at`

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e                         Execution
		idStr, wfStr, created     string
		snapshot, plan            string
		input, errMsg             sql.NullString
		startedAt, completedAt    sql.NullString
	)
	err := row.Scan(&idStr, &wfStr, &e.Status, &snapshot, &plan, &input,
		&e.BudgetMaxTokens, &e.BudgetMaxCost, &e.EstimatedCost,
		&e.TotalTokensPrompt, &e.TotalTokensCompletion, &e.TotalCost,
		&errMsg, &startedAt, &completedAt, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	if e.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	if e.WorkflowID, err = uuid.Parse(wfStr); err != nil {
		return nil, err
	}
	e.GraphSnapshot = json.RawMessage(snapshot)
	e.ExecutionPlan = json.RawMessage(plan)
	e.InputData = nsToRaw(input)
	e.ErrorMessage = nsToStrPtr(errMsg)
	if e.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetExecution implements Store.
func (s *SQLiteStore) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id.String())
	return scanExecution(row)
}

// ListExecutions implements Store.
func (s *SQLiteStore) ListExecutions(ctx context.Context, workflowID uuid.UUID, f ListExecutionsFilter) ([]*Execution, int, error) {
	where := `WHERE workflow_id = ?`
	args := []any{workflowID.String()}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count executions: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, f.Skip)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions `+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// UpdateExecution implements Store.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, e *Execution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, execution_plan = ?, estimated_cost = ?,
			total_tokens_prompt = ?, total_tokens_completion = ?, total_cost = ?,
			error_message = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		e.Status, string(e.ExecutionPlan), e.EstimatedCost,
		e.TotalTokensPrompt, e.TotalTokensCompletion, e.TotalCost,
		e.ErrorMessage, fmtTimePtr(e.StartedAt), fmtTimePtr(e.CompletedAt),
		e.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	return requireRow(res)
}

// ClaimExecution implements Store. The UPDATE's status guard makes the
// pending->running transition atomic.
func (s *SQLiteStore) ClaimExecution(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		StatusRunning, fmtTime(startedAt), id.String(), StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish a missing row from a non-pending one.
		if _, err := s.GetExecution(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// HasActiveExecution implements Store.
func (s *SQLiteStore) HasActiveExecution(ctx context.Context, workflowID uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE workflow_id = ? AND status IN (?, ?)`,
		workflowID.String(), StatusPending, StatusRunning).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check active executions: %w", err)
	}
	return n > 0, nil
}

// CreateAgentRun implements Store.
func (s *SQLiteStore) CreateAgentRun(ctx context.Context, r *AgentRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RunStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, execution_id, agent_node_id, agent_name, status,
			provider, model_used, input_data, output_data, error_message,
			tokens_prompt, tokens_completion, cost, latency_ms, retries,
			is_fallback, fallback_for, execution_order, parallel_group,
			started_at, completed_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COUNT(*) FROM agent_runs WHERE execution_id = ?))`,
		r.ID.String(), r.ExecutionID.String(), r.AgentNodeID, r.AgentName, r.Status,
		r.Provider, r.ModelUsed, rawOrNil(r.InputData), rawOrNil(r.OutputData), r.ErrorMessage,
		r.TokensPrompt, r.TokensCompletion, r.Cost, r.LatencyMS, r.Retries,
		boolToInt(r.IsFallback), r.FallbackFor, r.ExecutionOrder, r.ParallelGroup,
		fmtTimePtr(r.StartedAt), fmtTimePtr(r.CompletedAt),
		r.ExecutionID.String())
	if err != nil {
		return fmt.Errorf("failed to insert agent run: %w", err)
	}
	return nil
}

// UpdateAgentRun implements Store.
func (s *SQLiteStore) UpdateAgentRun(ctx context.Context, r *AgentRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, provider = ?, model_used = ?,
			input_data = ?, output_data = ?, error_message = ?,
			tokens_prompt = ?, tokens_completion = ?, cost = ?, latency_ms = ?,
			retries = ?, started_at = ?, completed_at = ?
		 WHERE id = ?`,
		r.Status, r.Provider, r.ModelUsed,
		rawOrNil(r.InputData), rawOrNil(r.OutputData), r.ErrorMessage,
		r.TokensPrompt, r.TokensCompletion, r.Cost, r.LatencyMS,
		r.Retries, fmtTimePtr(r.StartedAt), fmtTimePtr(r.CompletedAt),
		r.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update agent run: %w", err)
	}
	return requireRow(res)
}

// ListAgentRuns implements Store. Results are in insertion order.
func (s *SQLiteStore) ListAgentRuns(ctx context.Context, executionID uuid.UUID) ([]*AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, agent_node_id, agent_name, status,
			provider, model_used, input_data, output_data, error_message,
			tokens_prompt, tokens_completion, cost, latency_ms, retries,
			is_fallback, fallback_for, execution_order, parallel_group,
			started_at, completed_at
		 FROM agent_runs WHERE execution_id = ? ORDER BY seq ASC`, executionID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AgentRun
	for rows.Next() {
		var (
			r                      AgentRun
			idStr, execStr         string
			input, output          sql.NullString
			errMsg, fallbackFor    sql.NullString
			startedAt, completedAt sql.NullString
			isFallback             int
		)
		err := rows.Scan(&idStr, &execStr, &r.AgentNodeID, &r.AgentName, &r.Status,
			&r.Provider, &r.ModelUsed, &input, &output, &errMsg,
			&r.TokensPrompt, &r.TokensCompletion, &r.Cost, &r.LatencyMS, &r.Retries,
			&isFallback, &fallbackFor, &r.ExecutionOrder, &r.ParallelGroup,
			&startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent run: %w", err)
		}
		if r.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if r.ExecutionID, err = uuid.Parse(execStr); err != nil {
			return nil, err
		}
		r.InputData = nsToRaw(input)
		r.OutputData = nsToRaw(output)
		r.ErrorMessage = nsToStrPtr(errMsg)
		r.FallbackFor = nsToStrPtr(fallbackFor)
		r.IsFallback = isFallback != 0
		if r.StartedAt, err = parseTimePtr(startedAt); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// compile-time interface checks
var (
	_ Store = (*MemStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
