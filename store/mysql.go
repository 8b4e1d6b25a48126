package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore is a MySQL implementation of Store for multi-process
// deployments where the API server and executor workers share one
// database.
//
// The schema mirrors SQLiteStore: UUIDs and timestamps are stored as
// text, JSON documents as TEXT columns. ClaimExecution relies on the
// conditional UPDATE being atomic, which holds under MySQL's default
// isolation level.
//
// Example DSN:
//
//	user:pass@tcp(localhost:3306)/agentflow?parseTime=false
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL and runs schema migration.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			graph_data MEDIUMTEXT NOT NULL,
			is_active TINYINT NOT NULL DEFAULT 1,
			created_at VARCHAR(35) NOT NULL,
			updated_at VARCHAR(35) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(36) PRIMARY KEY,
			workflow_id VARCHAR(36) NOT NULL,
			status VARCHAR(16) NOT NULL,
			graph_snapshot MEDIUMTEXT NOT NULL,
			execution_plan MEDIUMTEXT NOT NULL,
			input_data MEDIUMTEXT,
			budget_max_tokens INT,
			budget_max_cost DOUBLE,
			estimated_cost DOUBLE,
			total_tokens_prompt INT NOT NULL DEFAULT 0,
			total_tokens_completion INT NOT NULL DEFAULT 0,
			total_cost DOUBLE NOT NULL DEFAULT 0,
			error_message TEXT,
			started_at VARCHAR(35),
			completed_at VARCHAR(35),
			created_at VARCHAR(35) NOT NULL,
			INDEX idx_executions_workflow (workflow_id, created_at),
			INDEX idx_executions_status (workflow_id, status)
		)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id VARCHAR(36) PRIMARY KEY,
			execution_id VARCHAR(36) NOT NULL,
			agent_node_id VARCHAR(255) NOT NULL,
			agent_name VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			provider VARCHAR(32) NOT NULL DEFAULT '',
			model_used VARCHAR(64) NOT NULL DEFAULT '',
			input_data MEDIUMTEXT,
			output_data MEDIUMTEXT,
			error_message TEXT,
			tokens_prompt INT NOT NULL DEFAULT 0,
			tokens_completion INT NOT NULL DEFAULT 0,
			cost DOUBLE NOT NULL DEFAULT 0,
			latency_ms INT,
			retries INT NOT NULL DEFAULT 0,
			is_fallback TINYINT NOT NULL DEFAULT 0,
			fallback_for VARCHAR(255),
			execution_order INT NOT NULL,
			parallel_group INT NOT NULL,
			started_at VARCHAR(35),
			completed_at VARCHAR(35),
			seq INT NOT NULL AUTO_INCREMENT,
			INDEX idx_agent_runs_execution (execution_id, execution_order),
			KEY (seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateWorkflow implements Store.
func (s *MySQLStore) CreateWorkflow(ctx context.Context, w *Workflow) error {
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
func (s *MySQLStore) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, graph_data, is_active, created_at, updated_at
		 FROM workflows WHERE id = ?`, id.String())
	return scanWorkflow(row)
}

// ListWorkflows implements Store.
func (s *MySQLStore) ListWorkflows(ctx context.Context, skip, limit int) ([]*Workflow, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count workflows: %w", err)
	}

	if limit <= 0 {
		limit = total
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
func (s *MySQLStore) UpdateWorkflow(ctx context.Context, w *Workflow) error {
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
func (s *MySQLStore) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	return requireRow(res)
}

// CreateExecution implements Store.
func (s *MySQLStore) CreateExecution(ctx context.Context, e *Execution) error {
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

// GetExecution implements Store.
func (s *MySQLStore) GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id.String())
	return scanExecution(row)
}

// ListExecutions implements Store.
func (s *MySQLStore) ListExecutions(ctx context.Context, workflowID uuid.UUID, f ListExecutionsFilter) ([]*Execution, int, error) {
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
		limit = total
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
func (s *MySQLStore) UpdateExecution(ctx context.Context, e *Execution) error {
	_, err := s.db.ExecContext(ctx,
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
	return nil
}

// ClaimExecution implements Store.
func (s *MySQLStore) ClaimExecution(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
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
		if _, err := s.GetExecution(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// HasActiveExecution implements Store.
func (s *MySQLStore) HasActiveExecution(ctx context.Context, workflowID uuid.UUID) (bool, error) {
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
func (s *MySQLStore) CreateAgentRun(ctx context.Context, r *AgentRun) error {
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
			started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.ExecutionID.String(), r.AgentNodeID, r.AgentName, r.Status,
		r.Provider, r.ModelUsed, rawOrNil(r.InputData), rawOrNil(r.OutputData), r.ErrorMessage,
		r.TokensPrompt, r.TokensCompletion, r.Cost, r.LatencyMS, r.Retries,
		boolToInt(r.IsFallback), r.FallbackFor, r.ExecutionOrder, r.ParallelGroup,
		fmtTimePtr(r.StartedAt), fmtTimePtr(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to insert agent run: %w", err)
	}
	return nil
}

// UpdateAgentRun implements Store.
func (s *MySQLStore) UpdateAgentRun(ctx context.Context, r *AgentRun) error {
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

// ListAgentRuns implements Store.
func (s *MySQLStore) ListAgentRuns(ctx context.Context, executionID uuid.UUID) ([]*AgentRun, error) {
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
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
