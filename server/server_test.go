package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentflow-dev/agentflow/engine"
	"github.com/agentflow-dev/agentflow/event"
	"github.com/agentflow-dev/agentflow/llm"
	"github.com/agentflow-dev/agentflow/store"
	"github.com/agentflow-dev/agentflow/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type serverFixture struct {
	store  *store.MemStore
	bus    *event.Bus
	queue  *worker.Queue
	router *gin.Engine
}

// newServerFixture builds a server whose queue is created but not
// started, so admitted jobs stay buffered and tests can inspect the
// pending execution.
func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	st := store.NewMemStore()
	bus := event.NewBus(nil)
	registry := llm.NewRegistry(llm.Credentials{}, llm.DefaultPricingTable())
	executor := engine.NewExecutor(st, registry, bus, nil, engine.WithBaseDelay(time.Millisecond))
	queue := worker.NewQueue(executor, nil, 16)
	srv := NewServer(st, bus, queue, llm.DefaultPricingTable(), nil)
	return &serverFixture{store: st, bus: bus, queue: queue, router: srv.Router()}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body failed: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response failed: %v (body %s)", err, rec.Body.String())
	}
	return out
}

func simpleGraph() map[string]any {
	return map[string]any{
		"nodes": []map[string]any{
			{"id": "a", "type": "agent", "data": map[string]any{"name": "alpha", "model": "gpt-4o"}},
			{"id": "b", "type": "agent", "data": map[string]any{"name": "beta", "model": "gpt-4o-mini"}},
		},
		"edges": []map[string]any{{"source": "a", "target": "b"}},
	}
}

func (f *serverFixture) createWorkflow(t *testing.T, graph map[string]any) uuid.UUID {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"name":       "pipeline",
		"graph_data": graph,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create workflow = %d: %s", rec.Code, rec.Body.String())
	}
	w := decodeJSON[store.Workflow](t, rec)
	return w.ID
}

func TestWorkflowCRUD(t *testing.T) {
	f := newServerFixture(t)

	id := f.createWorkflow(t, simpleGraph())

	t.Run("get", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/workflows/"+id.String(), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		w := decodeJSON[store.Workflow](t, rec)
		if w.Name != "pipeline" || !w.IsActive {
			t.Errorf("workflow = %+v", w)
		}
	})

	t.Run("list", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/workflows", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		resp := decodeJSON[ListResponse](t, rec)
		if resp.Total != 1 {
			t.Errorf("Total = %d, want 1", resp.Total)
		}
	})

	t.Run("update", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/api/v1/workflows/"+id.String(), map[string]any{
			"name":       "renamed",
			"graph_data": simpleGraph(),
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		w := decodeJSON[store.Workflow](t, rec)
		if w.Name != "renamed" {
			t.Errorf("Name = %q", w.Name)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rec := f.do(t, http.MethodDelete, "/api/v1/workflows/"+id.String(), nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
		rec = f.do(t, http.MethodGet, "/api/v1/workflows/"+id.String(), nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status after delete = %d", rec.Code)
		}
	})
}

func TestWorkflowValidation(t *testing.T) {
	f := newServerFixture(t)

	t.Run("missing name", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
			"graph_data": simpleGraph(),
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("dangling edge rejected", func(t *testing.T) {
		graph := simpleGraph()
		graph["edges"] = []map[string]any{{"source": "a", "target": "ghost"}}
		rec := f.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
			"name":       "broken",
			"graph_data": graph,
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		body := decodeJSON[ErrorBody](t, rec)
		if body.Code != CodeInvalidGraph {
			t.Errorf("code = %q, want INVALID_GRAPH", body.Code)
		}
	})

	t.Run("bad uuid", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/workflows/not-a-uuid", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestExecuteWorkflowAdmission(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := newServerFixture(t)
		id := f.createWorkflow(t, simpleGraph())

		rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+id.String()+"/execute", map[string]any{
			"input_data": map[string]any{"user_query": "analyze this"},
		})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		resp := decodeJSON[ExecuteResponse](t, rec)
		if resp.Status != store.StatusPending {
			t.Errorf("Status = %q", resp.Status)
		}
		if resp.EstimatedCost <= 0 {
			t.Errorf("EstimatedCost = %v, want > 0", resp.EstimatedCost)
		}
		if resp.WebSocketURL != "/ws/executions/"+resp.ExecutionID.String() {
			t.Errorf("WebSocketURL = %q", resp.WebSocketURL)
		}

		exec, err := f.store.GetExecution(context.Background(), resp.ExecutionID)
		if err != nil {
			t.Fatalf("GetExecution failed: %v", err)
		}
		if exec.Status != store.StatusPending || exec.EstimatedCost == nil {
			t.Errorf("persisted execution = %+v", exec)
		}
	})

	t.Run("unknown workflow", func(t *testing.T) {
		f := newServerFixture(t)
		rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+uuid.NewString()+"/execute", map[string]any{})
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("conflict on active execution", func(t *testing.T) {
		f := newServerFixture(t)
		id := f.createWorkflow(t, simpleGraph())

		first := f.do(t, http.MethodPost, "/api/v1/workflows/"+id.String()+"/execute", map[string]any{})
		if first.Code != http.StatusAccepted {
			t.Fatalf("first execute = %d", first.Code)
		}
		second := f.do(t, http.MethodPost, "/api/v1/workflows/"+id.String()+"/execute", map[string]any{})
		if second.Code != http.StatusConflict {
			t.Fatalf("second execute = %d", second.Code)
		}
		body := decodeJSON[ErrorBody](t, second)
		if body.Code != CodeConflict {
			t.Errorf("code = %q, want CONFLICT", body.Code)
		}
	})

	t.Run("empty workflow", func(t *testing.T) {
		f := newServerFixture(t)
		id := f.createWorkflow(t, map[string]any{"nodes": []any{}, "edges": []any{}})

		rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+id.String()+"/execute", map[string]any{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		body := decodeJSON[ErrorBody](t, rec)
		if body.Code != engine.CodeEmptyWorkflow {
			t.Errorf("code = %q, want EMPTY_WORKFLOW", body.Code)
		}
	})

	t.Run("circular dependency carries cycle nodes", func(t *testing.T) {
		f := newServerFixture(t)
		graph := map[string]any{
			"nodes": []map[string]any{
				{"id": "a", "type": "agent", "data": map[string]any{"name": "a"}},
				{"id": "b", "type": "agent", "data": map[string]any{"name": "b"}},
				{"id": "c", "type": "agent", "data": map[string]any{"name": "c"}},
			},
			"edges": []map[string]any{
				{"source": "a", "target": "b"},
				{"source": "b", "target": "c"},
				{"source": "c", "target": "a"},
			},
		}
		id := f.createWorkflow(t, graph)

		rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+id.String()+"/execute", map[string]any{})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
		body := decodeJSON[ErrorBody](t, rec)
		if body.Code != engine.CodeCircularDependency {
			t.Fatalf("code = %q, want CIRCULAR_DEPENDENCY", body.Code)
		}
		nodes, ok := body.Details["cycle_nodes"].([]any)
		if !ok || len(nodes) != 3 {
			t.Errorf("cycle_nodes = %v", body.Details["cycle_nodes"])
		}

		// Nothing persisted on rejection.
		_, total, err := f.store.ListExecutions(context.Background(), id, store.ListExecutionsFilter{})
		if err != nil {
			t.Fatalf("ListExecutions failed: %v", err)
		}
		if total != 0 {
			t.Errorf("executions persisted on rejection: %d", total)
		}
	})

	t.Run("budget exceeded at estimate returns suggestions", func(t *testing.T) {
		f := newServerFixture(t)
		id := f.createWorkflow(t, simpleGraph())

		rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+id.String()+"/execute", map[string]any{
			"budget_max_cost": 0.000001,
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		body := decodeJSON[ErrorBody](t, rec)
		if body.Code != CodeBudgetExceeded {
			t.Fatalf("code = %q, want BUDGET_EXCEEDED_ESTIMATE", body.Code)
		}
		if _, ok := body.Details["estimated_cost"]; !ok {
			t.Error("details missing estimated_cost")
		}
		suggestions, ok := body.Details["suggestions"].([]any)
		if !ok || len(suggestions) == 0 {
			t.Errorf("suggestions = %v", body.Details["suggestions"])
		}
	})

	t.Run("near-budget admission carries warnings", func(t *testing.T) {
		f := newServerFixture(t)
		id := f.createWorkflow(t, simpleGraph())

		// First compute the estimate by submitting with a huge budget.
		probe := f.do(t, http.MethodPost, "/api/v1/workflows/"+id.String()+"/execute", map[string]any{
			"budget_max_cost": 1000.0,
		})
		if probe.Code != http.StatusAccepted {
			t.Fatalf("probe = %d", probe.Code)
		}
		est := decodeJSON[ExecuteResponse](t, probe).EstimatedCost

		// Finish the probe execution so the next admission passes the
		// conflict check.
		probeID := decodeJSON[ExecuteResponse](t, probe).ExecutionID
		exec, err := f.store.GetExecution(context.Background(), probeID)
		if err != nil {
			t.Fatalf("GetExecution failed: %v", err)
		}
		exec.Status = store.StatusCompleted
		if err := f.store.UpdateExecution(context.Background(), exec); err != nil {
			t.Fatalf("UpdateExecution failed: %v", err)
		}

		rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+id.String()+"/execute", map[string]any{
			"budget_max_cost": est * 1.1, // estimate sits at ~91% of the cap
		})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		resp := decodeJSON[ExecuteResponse](t, rec)
		if len(resp.BudgetWarnings) == 0 {
			t.Error("expected budget warnings near the cap")
		}
	})
}

func TestGetExecution(t *testing.T) {
	f := newServerFixture(t)
	id := f.createWorkflow(t, simpleGraph())

	rec := f.do(t, http.MethodPost, "/api/v1/workflows/"+id.String()+"/execute", map[string]any{})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("execute = %d", rec.Code)
	}
	execID := decodeJSON[ExecuteResponse](t, rec).ExecutionID

	t.Run("detail includes agent runs", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/executions/"+execID.String(), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp struct {
			Status    string            `json:"status"`
			AgentRuns []*store.AgentRun `json:"agent_runs"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if resp.Status != store.StatusPending {
			t.Errorf("status = %q", resp.Status)
		}
		if resp.AgentRuns == nil {
			t.Error("agent_runs missing from response")
		}
	})

	t.Run("list by workflow", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%s/executions?status=pending", id), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		resp := decodeJSON[ListResponse](t, rec)
		if resp.Total != 1 {
			t.Errorf("Total = %d, want 1", resp.Total)
		}
	})

	t.Run("unknown execution", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/executions/"+uuid.NewString(), nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
