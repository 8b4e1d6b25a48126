package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentflow-dev/agentflow/engine"
	"github.com/agentflow-dev/agentflow/event"
	"github.com/agentflow-dev/agentflow/llm"
	"github.com/agentflow-dev/agentflow/store"
)

func TestQueueRunsJobToCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	registry := llm.NewRegistry(llm.Credentials{}, llm.DefaultPricingTable())
	mock := &llm.MockAdapter{Script: []llm.MockResult{
		{Resp: llm.Response{Text: "done", Tokens: llm.Usage{Prompt: 5, Completion: 2}}},
	}}
	registry.Register("openai", mock)

	executor := engine.NewExecutor(st, registry, event.NullPublisher{}, nil,
		engine.WithBaseDelay(time.Millisecond))

	g := &engine.Graph{Nodes: []engine.Node{
		{ID: "a", Type: engine.NodeTypeAgent, Data: engine.NodeConfig{Name: "a"}},
	}}
	plan, err := engine.Plan(g)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	graphRaw, _ := json.Marshal(g)
	planRaw, _ := json.Marshal(plan)

	w := &store.Workflow{Name: "wf", GraphData: graphRaw}
	if err := st.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	exec := &store.Execution{WorkflowID: w.ID, GraphSnapshot: graphRaw, ExecutionPlan: planRaw}
	if err := st.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	q := NewQueue(executor, nil, 4)
	q.Start(ctx, 1)

	job := Job{ExecutionID: exec.ID, Plan: planRaw, GraphData: graphRaw}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// Duplicate delivery must be absorbed by the executor's claim.
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("second Enqueue failed: %v", err)
	}

	q.Stop()

	got, err := st.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution failed: %v", err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if mock.CallCount() != 1 {
		t.Errorf("adapter calls = %d, want 1", mock.CallCount())
	}
}

func TestQueueRejectsAfterStop(t *testing.T) {
	executor := engine.NewExecutor(store.NewMemStore(),
		llm.NewRegistry(llm.Credentials{}, llm.DefaultPricingTable()),
		event.NullPublisher{}, nil)
	q := NewQueue(executor, nil, 1)
	q.Start(context.Background(), 1)
	q.Stop()

	if err := q.Enqueue(context.Background(), Job{}); err != ErrQueueClosed {
		t.Errorf("Enqueue = %v, want ErrQueueClosed", err)
	}
}

func TestJobPayloadRoundTrip(t *testing.T) {
	tokens := 5000
	cost := 0.25
	job := Job{
		Plan:            json.RawMessage(`{"groups":[]}`),
		GraphData:       json.RawMessage(`{"nodes":[],"edges":[]}`),
		InputData:       json.RawMessage(`{"user_query":"hi"}`),
		BudgetMaxTokens: &tokens,
		BudgetMaxCost:   &cost,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var restored Job
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if restored.BudgetMaxTokens == nil || *restored.BudgetMaxTokens != 5000 {
		t.Errorf("BudgetMaxTokens = %v", restored.BudgetMaxTokens)
	}
	if string(restored.InputData) != `{"user_query":"hi"}` {
		t.Errorf("InputData = %s", restored.InputData)
	}
}
