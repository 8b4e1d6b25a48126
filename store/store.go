// Package store provides persistence for workflows, executions, and
// per-agent run records.
//
// Three implementations are available:
//   - MemStore: in-memory, for tests and prototyping
//   - SQLiteStore: single-file database, zero-setup development
//   - MySQLStore: shared database for multi-process deployments
//
// All implementations share the same Store interface and the same
// semantics: ClaimExecution is the single atomic pending->running
// transition that makes job delivery idempotent.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Execution statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Agent run statuses.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusSkipped   = "skipped"
)

// TerminalStatus reports whether an execution status admits no further
// transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Workflow is a stored agent graph definition.
type Workflow struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	GraphData   json.RawMessage `json:"graph_data"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Execution is one run of a workflow. GraphSnapshot freezes the graph
// at admission time so later workflow edits cannot change a running
// execution.
type Execution struct {
	ID                    uuid.UUID       `json:"id"`
	WorkflowID            uuid.UUID       `json:"workflow_id"`
	Status                string          `json:"status"`
	GraphSnapshot         json.RawMessage `json:"graph_snapshot"`
	ExecutionPlan         json.RawMessage `json:"execution_plan"`
	InputData             json.RawMessage `json:"input_data,omitempty"`
	BudgetMaxTokens       *int            `json:"budget_max_tokens"`
	BudgetMaxCost         *float64        `json:"budget_max_cost"`
	EstimatedCost         *float64        `json:"estimated_cost"`
	TotalTokensPrompt     int             `json:"total_tokens_prompt"`
	TotalTokensCompletion int             `json:"total_tokens_completion"`
	TotalCost             float64         `json:"total_cost"`
	ErrorMessage          *string         `json:"error_message"`
	StartedAt             *time.Time      `json:"started_at"`
	CompletedAt           *time.Time      `json:"completed_at"`
	CreatedAt             time.Time       `json:"created_at"`
}

// AgentRun is the persisted record of one agent attempt chain within an
// execution. A fallback invocation is a separate AgentRun whose
// FallbackFor points at the original node.
type AgentRun struct {
	ID               uuid.UUID       `json:"id"`
	ExecutionID      uuid.UUID       `json:"execution_id"`
	AgentNodeID      string          `json:"agent_node_id"`
	AgentName        string          `json:"agent_name"`
	Status           string          `json:"status"`
	Provider         string          `json:"provider,omitempty"`
	ModelUsed        string          `json:"model_used,omitempty"`
	InputData        json.RawMessage `json:"input_data,omitempty"`
	OutputData       json.RawMessage `json:"output_data,omitempty"`
	ErrorMessage     *string         `json:"error_message"`
	TokensPrompt     int             `json:"tokens_prompt"`
	TokensCompletion int             `json:"tokens_completion"`
	Cost             float64         `json:"cost"`
	LatencyMS        *int            `json:"latency_ms"`
	Retries          int             `json:"retries"`
	IsFallback       bool            `json:"is_fallback"`
	FallbackFor      *string         `json:"fallback_for"`
	ExecutionOrder   int             `json:"execution_order"`
	ParallelGroup    int             `json:"parallel_group"`
	StartedAt        *time.Time      `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at"`
}

// ListExecutionsFilter narrows and paginates ListExecutions.
type ListExecutionsFilter struct {
	Status string // empty matches all
	Skip   int
	Limit  int // 0 means no limit
}

// Store is the persistence surface used by the API server and the
// executor. Implementations must be safe for concurrent use.
type Store interface {
	// Workflows.
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)
	ListWorkflows(ctx context.Context, skip, limit int) ([]*Workflow, int, error)
	UpdateWorkflow(ctx context.Context, w *Workflow) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error

	// Executions.
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*Execution, error)
	ListExecutions(ctx context.Context, workflowID uuid.UUID, f ListExecutionsFilter) ([]*Execution, int, error)
	UpdateExecution(ctx context.Context, e *Execution) error

	// ClaimExecution atomically moves a pending execution to running and
	// stamps started_at. It returns false when the execution is not in
	// pending state, which makes duplicate job delivery a no-op.
	ClaimExecution(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)

	// HasActiveExecution reports whether the workflow has an execution
	// in pending or running state.
	HasActiveExecution(ctx context.Context, workflowID uuid.UUID) (bool, error)

	// Agent runs.
	CreateAgentRun(ctx context.Context, r *AgentRun) error
	UpdateAgentRun(ctx context.Context, r *AgentRun) error
	ListAgentRuns(ctx context.Context, executionID uuid.UUID) ([]*AgentRun, error)

	Close() error
}
