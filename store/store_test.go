package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

// runStoreTests exercises the Store contract against any implementation.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	graph := json.RawMessage(`{"nodes":[],"edges":[]}`)

	newWorkflow := func(t *testing.T, s Store, name string) *Workflow {
		t.Helper()
		w := &Workflow{Name: name, GraphData: graph, IsActive: true}
		if err := s.CreateWorkflow(ctx, w); err != nil {
			t.Fatalf("CreateWorkflow failed: %v", err)
		}
		return w
	}

	newExecution := func(t *testing.T, s Store, workflowID uuid.UUID) *Execution {
		t.Helper()
		e := &Execution{
			WorkflowID:    workflowID,
			GraphSnapshot: graph,
			ExecutionPlan: json.RawMessage(`{"groups":[]}`),
		}
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}
		return e
	}

	t.Run("workflow round trip", func(t *testing.T) {
		s := newStore(t)
		w := newWorkflow(t, s, "pipeline")

		got, err := s.GetWorkflow(ctx, w.ID)
		if err != nil {
			t.Fatalf("GetWorkflow failed: %v", err)
		}
		if got.Name != "pipeline" || !got.IsActive {
			t.Errorf("got %+v", got)
		}

		got.Name = "renamed"
		if err := s.UpdateWorkflow(ctx, got); err != nil {
			t.Fatalf("UpdateWorkflow failed: %v", err)
		}
		got2, err := s.GetWorkflow(ctx, w.ID)
		if err != nil {
			t.Fatalf("GetWorkflow after update failed: %v", err)
		}
		if got2.Name != "renamed" {
			t.Errorf("Name = %q after update", got2.Name)
		}

		if err := s.DeleteWorkflow(ctx, w.ID); err != nil {
			t.Fatalf("DeleteWorkflow failed: %v", err)
		}
		if _, err := s.GetWorkflow(ctx, w.ID); err != ErrNotFound {
			t.Errorf("GetWorkflow after delete = %v, want ErrNotFound", err)
		}
	})

	t.Run("missing records return ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetWorkflow(ctx, uuid.New()); err != ErrNotFound {
			t.Errorf("GetWorkflow = %v", err)
		}
		if _, err := s.GetExecution(ctx, uuid.New()); err != ErrNotFound {
			t.Errorf("GetExecution = %v", err)
		}
		if err := s.UpdateWorkflow(ctx, &Workflow{ID: uuid.New(), GraphData: graph}); err != ErrNotFound {
			t.Errorf("UpdateWorkflow = %v", err)
		}
		if err := s.DeleteWorkflow(ctx, uuid.New()); err != ErrNotFound {
			t.Errorf("DeleteWorkflow = %v", err)
		}
	})

	t.Run("execution defaults to pending", func(t *testing.T) {
		s := newStore(t)
		w := newWorkflow(t, s, "pipeline")
		e := newExecution(t, s, w.ID)

		got, err := s.GetExecution(ctx, e.ID)
		if err != nil {
			t.Fatalf("GetExecution failed: %v", err)
		}
		if got.Status != StatusPending {
			t.Errorf("Status = %q, want pending", got.Status)
		}
		if got.StartedAt != nil || got.CompletedAt != nil {
			t.Errorf("timestamps set prematurely: %+v", got)
		}
	})

	t.Run("claim transitions pending to running exactly once", func(t *testing.T) {
		s := newStore(t)
		w := newWorkflow(t, s, "pipeline")
		e := newExecution(t, s, w.ID)

		now := time.Now().UTC()
		claimed, err := s.ClaimExecution(ctx, e.ID, now)
		if err != nil {
			t.Fatalf("ClaimExecution failed: %v", err)
		}
		if !claimed {
			t.Fatal("first claim returned false")
		}

		claimed, err = s.ClaimExecution(ctx, e.ID, now)
		if err != nil {
			t.Fatalf("second ClaimExecution failed: %v", err)
		}
		if claimed {
			t.Error("second claim returned true, want false")
		}

		got, err := s.GetExecution(ctx, e.ID)
		if err != nil {
			t.Fatalf("GetExecution failed: %v", err)
		}
		if got.Status != StatusRunning {
			t.Errorf("Status = %q, want running", got.Status)
		}
		if got.StartedAt == nil {
			t.Error("StartedAt not set by claim")
		}
	})

	t.Run("claim of unknown execution errors", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.ClaimExecution(ctx, uuid.New(), time.Now()); err != ErrNotFound {
			t.Errorf("ClaimExecution = %v, want ErrNotFound", err)
		}
	})

	t.Run("has active execution", func(t *testing.T) {
		s := newStore(t)
		w := newWorkflow(t, s, "pipeline")

		active, err := s.HasActiveExecution(ctx, w.ID)
		if err != nil {
			t.Fatalf("HasActiveExecution failed: %v", err)
		}
		if active {
			t.Error("active before any execution exists")
		}

		e := newExecution(t, s, w.ID)
		active, err = s.HasActiveExecution(ctx, w.ID)
		if err != nil {
			t.Fatalf("HasActiveExecution failed: %v", err)
		}
		if !active {
			t.Error("pending execution not reported active")
		}

		e.Status = StatusCompleted
		if err := s.UpdateExecution(ctx, e); err != nil {
			t.Fatalf("UpdateExecution failed: %v", err)
		}
		active, err = s.HasActiveExecution(ctx, w.ID)
		if err != nil {
			t.Fatalf("HasActiveExecution failed: %v", err)
		}
		if active {
			t.Error("completed execution still reported active")
		}
	})

	t.Run("list executions filters and paginates", func(t *testing.T) {
		s := newStore(t)
		w := newWorkflow(t, s, "pipeline")

		for i := 0; i < 5; i++ {
			e := newExecution(t, s, w.ID)
			if i < 2 {
				e.Status = StatusFailed
				if err := s.UpdateExecution(ctx, e); err != nil {
					t.Fatalf("UpdateExecution failed: %v", err)
				}
			}
		}

		all, total, err := s.ListExecutions(ctx, w.ID, ListExecutionsFilter{})
		if err != nil {
			t.Fatalf("ListExecutions failed: %v", err)
		}
		if total != 5 || len(all) != 5 {
			t.Errorf("total = %d, len = %d, want 5/5", total, len(all))
		}

		failed, total, err := s.ListExecutions(ctx, w.ID, ListExecutionsFilter{Status: StatusFailed})
		if err != nil {
			t.Fatalf("ListExecutions(failed) failed: %v", err)
		}
		if total != 2 || len(failed) != 2 {
			t.Errorf("failed: total = %d, len = %d, want 2/2", total, len(failed))
		}

		page, total, err := s.ListExecutions(ctx, w.ID, ListExecutionsFilter{Skip: 2, Limit: 2})
		if err != nil {
			t.Fatalf("ListExecutions(page) failed: %v", err)
		}
		if total != 5 || len(page) != 2 {
			t.Errorf("page: total = %d, len = %d, want 5/2", total, len(page))
		}
	})

	t.Run("agent runs round trip in insertion order", func(t *testing.T) {
		s := newStore(t)
		w := newWorkflow(t, s, "pipeline")
		e := newExecution(t, s, w.ID)

		first := &AgentRun{
			ExecutionID: e.ID, AgentNodeID: "n1", AgentName: "summarizer",
			Status: RunStatusRunning, Provider: "openai", ModelUsed: "gpt-4o",
			ExecutionOrder: 0, ParallelGroup: 0,
		}
		if err := s.CreateAgentRun(ctx, first); err != nil {
			t.Fatalf("CreateAgentRun failed: %v", err)
		}
		second := &AgentRun{
			ExecutionID: e.ID, AgentNodeID: "n2", AgentName: "critic",
			Status: RunStatusPending, ExecutionOrder: 1, ParallelGroup: 1,
		}
		if err := s.CreateAgentRun(ctx, second); err != nil {
			t.Fatalf("CreateAgentRun failed: %v", err)
		}

		latency := 850
		first.Status = RunStatusCompleted
		first.OutputData = json.RawMessage(`{"output":"done"}`)
		first.TokensPrompt = 120
		first.TokensCompletion = 40
		first.Cost = 0.0007
		first.LatencyMS = &latency
		first.Retries = 1
		if err := s.UpdateAgentRun(ctx, first); err != nil {
			t.Fatalf("UpdateAgentRun failed: %v", err)
		}

		runs, err := s.ListAgentRuns(ctx, e.ID)
		if err != nil {
			t.Fatalf("ListAgentRuns failed: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("len(runs) = %d, want 2", len(runs))
		}
		if runs[0].AgentNodeID != "n1" || runs[1].AgentNodeID != "n2" {
			t.Errorf("order = %q, %q", runs[0].AgentNodeID, runs[1].AgentNodeID)
		}
		got := runs[0]
		if got.Status != RunStatusCompleted || got.TokensPrompt != 120 || got.Retries != 1 {
			t.Errorf("updated run = %+v", got)
		}
		if got.LatencyMS == nil || *got.LatencyMS != 850 {
			t.Errorf("LatencyMS = %v", got.LatencyMS)
		}
		if string(got.OutputData) != `{"output":"done"}` {
			t.Errorf("OutputData = %s", got.OutputData)
		}
	})

	t.Run("fallback run keeps link to original", func(t *testing.T) {
		s := newStore(t)
		w := newWorkflow(t, s, "pipeline")
		e := newExecution(t, s, w.ID)

		original := "n1"
		fb := &AgentRun{
			ExecutionID: e.ID, AgentNodeID: "n1-fallback", AgentName: "cheap-summarizer",
			Status: RunStatusCompleted, IsFallback: true, FallbackFor: &original,
			ExecutionOrder: 0, ParallelGroup: 0,
		}
		if err := s.CreateAgentRun(ctx, fb); err != nil {
			t.Fatalf("CreateAgentRun failed: %v", err)
		}

		runs, err := s.ListAgentRuns(ctx, e.ID)
		if err != nil {
			t.Fatalf("ListAgentRuns failed: %v", err)
		}
		if len(runs) != 1 || !runs[0].IsFallback {
			t.Fatalf("runs = %+v", runs)
		}
		if runs[0].FallbackFor == nil || *runs[0].FallbackFor != "n1" {
			t.Errorf("FallbackFor = %v", runs[0].FallbackFor)
		}
	})

	t.Run("budget fields persist", func(t *testing.T) {
		s := newStore(t)
		w := newWorkflow(t, s, "pipeline")

		tokens := 10000
		cost := 0.5
		est := 0.12
		e := &Execution{
			WorkflowID:      w.ID,
			GraphSnapshot:   graph,
			ExecutionPlan:   json.RawMessage(`{"groups":[]}`),
			BudgetMaxTokens: &tokens,
			BudgetMaxCost:   &cost,
			EstimatedCost:   &est,
		}
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution failed: %v", err)
		}

		got, err := s.GetExecution(ctx, e.ID)
		if err != nil {
			t.Fatalf("GetExecution failed: %v", err)
		}
		if got.BudgetMaxTokens == nil || *got.BudgetMaxTokens != 10000 {
			t.Errorf("BudgetMaxTokens = %v", got.BudgetMaxTokens)
		}
		if got.BudgetMaxCost == nil || *got.BudgetMaxCost != 0.5 {
			t.Errorf("BudgetMaxCost = %v", got.BudgetMaxCost)
		}
		if got.EstimatedCost == nil || *got.EstimatedCost != 0.12 {
			t.Errorf("EstimatedCost = %v", got.EstimatedCost)
		}
	})
}

func TestMemStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemStore()
	})
}

func TestTerminalStatus(t *testing.T) {
	terminal := []string{StatusCompleted, StatusFailed, StatusCancelled}
	for _, status := range terminal {
		if !TerminalStatus(status) {
			t.Errorf("TerminalStatus(%q) = false", status)
		}
	}
	for _, status := range []string{StatusPending, StatusRunning, ""} {
		if TerminalStatus(status) {
			t.Errorf("TerminalStatus(%q) = true", status)
		}
	}
}
