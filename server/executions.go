package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentflow-dev/agentflow/engine"
	"github.com/agentflow-dev/agentflow/store"
	"github.com/agentflow-dev/agentflow/worker"
)

// ExecuteRequest is the body of POST /api/v1/workflows/:id/execute.
type ExecuteRequest struct {
	InputData       json.RawMessage `json:"input_data"`
	BudgetMaxTokens *int            `json:"budget_max_tokens"`
	BudgetMaxCost   *float64        `json:"budget_max_cost"`
}

// ExecuteResponse acknowledges an admitted execution.
type ExecuteResponse struct {
	ExecutionID    uuid.UUID `json:"execution_id"`
	Status         string    `json:"status"`
	EstimatedCost  float64   `json:"estimated_cost"`
	BudgetWarnings []string  `json:"budget_warnings,omitempty"`
	WebSocketURL   string    `json:"websocket_url"`
}

// ExecuteWorkflow handles POST /api/v1/workflows/:id/execute: the
// admission path. It validates and plans the graph, projects cost
// against the optional budget, persists the pending execution with a
// frozen graph snapshot, and dispatches the job.
func (s *Server) ExecuteWorkflow(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}

	ctx := c.Request.Context()
	w, err := s.store.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, CodeNotFound, "workflow not found", nil)
		return
	}
	if err != nil {
		s.log.Error("failed to load workflow", "workflow_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to load workflow", nil)
		return
	}

	// At most one non-terminal execution per workflow.
	active, err := s.store.HasActiveExecution(ctx, id)
	if err != nil {
		s.log.Error("failed to check active executions", "workflow_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to check active executions", nil)
		return
	}
	if active {
		abortError(c, http.StatusConflict, CodeConflict,
			"workflow already has a pending or running execution", nil)
		return
	}

	g, err := engine.ParseGraph(w.GraphData)
	if err != nil {
		abortError(c, http.StatusBadRequest, CodeInvalidGraph, err.Error(), nil)
		return
	}

	plan, err := engine.Plan(g)
	if err != nil {
		var planErr *engine.PlanError
		if errors.As(err, &planErr) {
			var details map[string]any
			if len(planErr.CycleNodes) > 0 {
				details = map[string]any{"cycle_nodes": planErr.CycleNodes}
			}
			abortError(c, http.StatusBadRequest, planErr.Code, planErr.Message, details)
			return
		}
		abortError(c, http.StatusInternalServerError, CodeInternal, "planning failed", nil)
		return
	}

	estimate := engine.EstimateWorkflowCost(plan, g, s.pricing)

	if req.BudgetMaxCost != nil && estimate.Total > *req.BudgetMaxCost {
		suggestions := engine.GenerateBudgetSuggestions(estimate, g, s.pricing)
		abortError(c, http.StatusBadRequest, CodeBudgetExceeded,
			fmt.Sprintf("estimated cost $%.6f exceeds budget $%.6f", estimate.Total, *req.BudgetMaxCost),
			map[string]any{
				"estimated_cost": estimate.Total,
				"budget":         *req.BudgetMaxCost,
				"suggestions":    suggestions,
			})
		return
	}

	var warnings []string
	if req.BudgetMaxCost != nil && estimate.Total > 0.8*(*req.BudgetMaxCost) {
		warnings = append(warnings, fmt.Sprintf(
			"estimated cost $%.6f is over 80%% of the $%.6f budget", estimate.Total, *req.BudgetMaxCost))
	}

	planRaw, err := json.Marshal(plan)
	if err != nil {
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to encode plan", nil)
		return
	}

	estimated := estimate.Total
	exec := &store.Execution{
		WorkflowID:      id,
		Status:          store.StatusPending,
		GraphSnapshot:   w.GraphData,
		ExecutionPlan:   planRaw,
		InputData:       req.InputData,
		BudgetMaxTokens: req.BudgetMaxTokens,
		BudgetMaxCost:   req.BudgetMaxCost,
		EstimatedCost:   &estimated,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		s.log.Error("failed to persist execution", "workflow_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to persist execution", nil)
		return
	}

	job := worker.Job{
		ExecutionID:     exec.ID,
		Plan:            planRaw,
		GraphData:       w.GraphData,
		InputData:       req.InputData,
		BudgetMaxTokens: req.BudgetMaxTokens,
		BudgetMaxCost:   req.BudgetMaxCost,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.log.Error("failed to dispatch execution", "execution_id", exec.ID, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to dispatch execution", nil)
		return
	}

	s.log.Info("execution admitted", "execution_id", exec.ID, "workflow_id", id,
		"agents", plan.TotalAgents, "estimated_cost", estimate.Total)

	c.JSON(http.StatusAccepted, ExecuteResponse{
		ExecutionID:    exec.ID,
		Status:         store.StatusPending,
		EstimatedCost:  estimate.Total,
		BudgetWarnings: warnings,
		WebSocketURL:   "/ws/executions/" + exec.ID.String(),
	})
}

// ExecutionResponse is the detail view of one execution including its
// agent runs.
type ExecutionResponse struct {
	*store.Execution
	AgentRuns []*store.AgentRun `json:"agent_runs"`
}

// GetExecution handles GET /api/v1/executions/:id.
func (s *Server) GetExecution(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	exec, err := s.store.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, CodeNotFound, "execution not found", nil)
		return
	}
	if err != nil {
		s.log.Error("failed to load execution", "execution_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to load execution", nil)
		return
	}
	runs, err := s.store.ListAgentRuns(ctx, id)
	if err != nil {
		s.log.Error("failed to list agent runs", "execution_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to list agent runs", nil)
		return
	}
	if runs == nil {
		runs = []*store.AgentRun{}
	}
	c.JSON(http.StatusOK, ExecutionResponse{Execution: exec, AgentRuns: runs})
}

// ListExecutions handles GET /api/v1/workflows/:id/executions.
func (s *Server) ListExecutions(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	skip, limit := parsePagination(c)
	filter := store.ListExecutionsFilter{
		Status: c.Query("status"),
		Skip:   skip,
		Limit:  limit,
	}
	items, total, err := s.store.ListExecutions(c.Request.Context(), id, filter)
	if err != nil {
		s.log.Error("failed to list executions", "workflow_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to list executions", nil)
		return
	}
	if items == nil {
		items = []*store.Execution{}
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: total, Skip: skip, Limit: limit})
}
