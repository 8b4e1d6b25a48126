// Package server is the HTTP control surface: workflow CRUD, execution
// admission, execution reads, and the WebSocket event bridge. The
// execution engine itself lives in the engine package; handlers here
// validate, plan, estimate, persist, and dispatch.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentflow-dev/agentflow/event"
	"github.com/agentflow-dev/agentflow/llm"
	"github.com/agentflow-dev/agentflow/store"
	"github.com/agentflow-dev/agentflow/worker"
)

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	store   store.Store
	bus     *event.Bus
	queue   *worker.Queue
	pricing *llm.PricingTable
	log     *slog.Logger
}

// NewServer creates a Server. A nil logger falls back to slog.Default.
func NewServer(st store.Store, bus *event.Bus, queue *worker.Queue, pricing *llm.PricingTable, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{store: st, bus: bus, queue: queue, pricing: pricing, log: log}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/workflows", s.CreateWorkflow)
		v1.GET("/workflows", s.ListWorkflows)
		v1.GET("/workflows/:id", s.GetWorkflow)
		v1.PUT("/workflows/:id", s.UpdateWorkflow)
		v1.DELETE("/workflows/:id", s.DeleteWorkflow)

		v1.POST("/workflows/:id/execute", s.ExecuteWorkflow)
		v1.GET("/workflows/:id/executions", s.ListExecutions)
		v1.GET("/executions/:id", s.GetExecution)
	}

	r.GET("/ws/executions/:id", s.ExecutionEvents)

	return r
}

// Health handles GET /healthz.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Error codes returned by the API.
const (
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInvalidGraph   = "INVALID_GRAPH"
	CodeBudgetExceeded = "BUDGET_EXCEEDED_ESTIMATE"
	CodeInternal       = "INTERNAL"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func abortError(c *gin.Context, status int, code, message string, details map[string]any) {
	c.AbortWithStatusJSON(status, ErrorBody{Code: code, Message: message, Details: details})
}
