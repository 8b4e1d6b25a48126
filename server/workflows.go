package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentflow-dev/agentflow/engine"
	"github.com/agentflow-dev/agentflow/store"
)

// WorkflowRequest is the body of workflow create and update calls.
type WorkflowRequest struct {
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description"`
	GraphData   json.RawMessage `json:"graph_data" binding:"required"`
	IsActive    *bool           `json:"is_active"`
}

// ListResponse is the paginated list envelope.
type ListResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

func parseIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortError(c, http.StatusBadRequest, CodeInvalidRequest, "invalid id: must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func parsePagination(c *gin.Context) (skip, limit int) {
	skip, _ = strconv.Atoi(c.DefaultQuery("skip", "0"))
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return skip, limit
}

// validateWorkflowGraph rejects structurally broken graphs at write
// time so executions never see them.
func validateWorkflowGraph(c *gin.Context, raw json.RawMessage) bool {
	g, err := engine.ParseGraph(raw)
	if err != nil {
		abortError(c, http.StatusBadRequest, CodeInvalidGraph, err.Error(), nil)
		return false
	}
	if err := engine.ValidateGraph(g); err != nil {
		abortError(c, http.StatusBadRequest, CodeInvalidGraph, err.Error(), nil)
		return false
	}
	return true
}

// CreateWorkflow handles POST /api/v1/workflows.
func (s *Server) CreateWorkflow(c *gin.Context) {
	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}
	if !validateWorkflowGraph(c, req.GraphData) {
		return
	}

	w := &store.Workflow{
		Name:        req.Name,
		Description: req.Description,
		GraphData:   req.GraphData,
		IsActive:    true,
	}
	if req.IsActive != nil {
		w.IsActive = *req.IsActive
	}
	if err := s.store.CreateWorkflow(c.Request.Context(), w); err != nil {
		s.log.Error("failed to create workflow", "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to create workflow", nil)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// ListWorkflows handles GET /api/v1/workflows.
func (s *Server) ListWorkflows(c *gin.Context) {
	skip, limit := parsePagination(c)
	items, total, err := s.store.ListWorkflows(c.Request.Context(), skip, limit)
	if err != nil {
		s.log.Error("failed to list workflows", "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to list workflows", nil)
		return
	}
	if items == nil {
		items = []*store.Workflow{}
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: total, Skip: skip, Limit: limit})
}

// GetWorkflow handles GET /api/v1/workflows/:id.
func (s *Server) GetWorkflow(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	w, err := s.store.GetWorkflow(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, CodeNotFound, "workflow not found", nil)
		return
	}
	if err != nil {
		s.log.Error("failed to load workflow", "workflow_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to load workflow", nil)
		return
	}
	c.JSON(http.StatusOK, w)
}

// UpdateWorkflow handles PUT /api/v1/workflows/:id.
func (s *Server) UpdateWorkflow(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}
	if !validateWorkflowGraph(c, req.GraphData) {
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

	w.Name = req.Name
	w.Description = req.Description
	w.GraphData = req.GraphData
	if req.IsActive != nil {
		w.IsActive = *req.IsActive
	}
	if err := s.store.UpdateWorkflow(ctx, w); err != nil {
		s.log.Error("failed to update workflow", "workflow_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to update workflow", nil)
		return
	}
	c.JSON(http.StatusOK, w)
}

// DeleteWorkflow handles DELETE /api/v1/workflows/:id.
func (s *Server) DeleteWorkflow(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	err := s.store.DeleteWorkflow(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		abortError(c, http.StatusNotFound, CodeNotFound, "workflow not found", nil)
		return
	}
	if err != nil {
		s.log.Error("failed to delete workflow", "workflow_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to delete workflow", nil)
		return
	}
	c.Status(http.StatusNoContent)
}
