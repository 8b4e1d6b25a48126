package engine

import (
	"math"
	"testing"

	"github.com/agentflow-dev/agentflow/llm"
)

func mustPlan(t *testing.T, g *Graph) *ExecutionPlan {
	t.Helper()
	plan, err := Plan(g)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	return plan
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestEstimateWorkflowCost(t *testing.T) {
	pricing := llm.DefaultPricingTable()

	t.Run("root node uses base input estimate", func(t *testing.T) {
		g := &Graph{Nodes: []Node{
			{ID: "a", Type: NodeTypeAgent, Data: NodeConfig{
				Name: "alpha", Model: "gpt-4o",
				SystemPrompt: "You are a precise summarization assistant", // 40 chars
			}},
		}}
		est := EstimateWorkflowCost(mustPlan(t, g), g, pricing)
		if len(est.PerAgent) != 1 {
			t.Fatalf("PerAgent = %v", est.PerAgent)
		}
		agent := est.PerAgent[0]
		// system 40/4=10, input base 200, completion default 1000
		if agent.PromptTokens != 210 {
			t.Errorf("PromptTokens = %d, want 210", agent.PromptTokens)
		}
		if agent.CompletionTokens != 1000 {
			t.Errorf("CompletionTokens = %d, want 1000", agent.CompletionTokens)
		}
		wantCost := llm.RoundCost(210.0/1000*0.0025 + 1000.0/1000*0.01)
		if !approx(agent.Cost, wantCost) {
			t.Errorf("Cost = %v, want %v", agent.Cost, wantCost)
		}
		if !approx(est.Total, wantCost) {
			t.Errorf("Total = %v, want %v", est.Total, wantCost)
		}
	})

	t.Run("dependent node sums discounted upstream budgets", func(t *testing.T) {
		g := &Graph{
			Nodes: []Node{
				{ID: "a", Type: NodeTypeAgent, Data: NodeConfig{Name: "alpha", Model: "gpt-4o", MaxTokens: 500}},
				{ID: "b", Type: NodeTypeAgent, Data: NodeConfig{Name: "beta", Model: "gpt-4o"}},
			},
			Edges: []Edge{edge("a", "b")},
		}
		est := EstimateWorkflowCost(mustPlan(t, g), g, pricing)
		var beta AgentEstimate
		for _, agent := range est.PerAgent {
			if agent.NodeID == "b" {
				beta = agent
			}
		}
		// empty system prompt floors at 1; input = 500*0.6 + 50 = 350
		if beta.PromptTokens != 351 {
			t.Errorf("PromptTokens = %d, want 351", beta.PromptTokens)
		}
	})

	t.Run("unknown model costs zero", func(t *testing.T) {
		g := &Graph{Nodes: []Node{
			{ID: "a", Type: NodeTypeAgent, Data: NodeConfig{Name: "alpha", Model: "mystery-9000"}},
		}}
		est := EstimateWorkflowCost(mustPlan(t, g), g, pricing)
		if est.Total != 0 {
			t.Errorf("Total = %v, want 0", est.Total)
		}
	})
}

func TestEstimateConfidence(t *testing.T) {
	pricing := llm.DefaultPricingTable()

	smallGraph := func() *Graph {
		return &Graph{
			Nodes: []Node{
				{ID: "a", Type: NodeTypeAgent, Data: NodeConfig{Name: "a", Model: "gpt-4o"}},
				{ID: "b", Type: NodeTypeAgent, Data: NodeConfig{Name: "b", Model: "gpt-4o"}},
			},
			Edges: []Edge{edge("a", "b")},
		}
	}

	t.Run("small unconditional workflow is high", func(t *testing.T) {
		g := smallGraph()
		est := EstimateWorkflowCost(mustPlan(t, g), g, pricing)
		if est.Confidence != ConfidenceHigh {
			t.Errorf("Confidence = %q, want high", est.Confidence)
		}
	})

	t.Run("conditional edge forces low", func(t *testing.T) {
		g := smallGraph()
		g.Edges[0].Data = &EdgeData{Condition: "approve"}
		est := EstimateWorkflowCost(mustPlan(t, g), g, pricing)
		if est.Confidence != ConfidenceLow {
			t.Errorf("Confidence = %q, want low", est.Confidence)
		}
	})

	t.Run("oversized max_tokens forces low", func(t *testing.T) {
		g := smallGraph()
		g.Nodes[0].Data.MaxTokens = 5000
		est := EstimateWorkflowCost(mustPlan(t, g), g, pricing)
		if est.Confidence != ConfidenceLow {
			t.Errorf("Confidence = %q, want low", est.Confidence)
		}
	})

	t.Run("larger workflow is medium", func(t *testing.T) {
		g := &Graph{Nodes: []Node{
			agentNode("a"), agentNode("b"), agentNode("c"), agentNode("d"),
		}}
		est := EstimateWorkflowCost(mustPlan(t, g), g, pricing)
		if est.Confidence != ConfidenceMedium {
			t.Errorf("Confidence = %q, want medium", est.Confidence)
		}
	})
}

func TestGenerateBudgetSuggestions(t *testing.T) {
	pricing := llm.DefaultPricingTable()
	g := &Graph{
		Nodes: []Node{
			{ID: "a", Type: NodeTypeAgent, Data: NodeConfig{Name: "writer", Model: "gpt-4o"}},
			{ID: "b", Type: NodeTypeAgent, Data: NodeConfig{Name: "reviewer", Model: "claude-3.5-sonnet", Provider: "anthropic"}},
		},
		Edges: []Edge{edge("a", "b")},
	}
	est := EstimateWorkflowCost(mustPlan(t, g), g, pricing)
	suggestions := GenerateBudgetSuggestions(est, g, pricing)

	if len(suggestions) == 0 {
		t.Fatal("no suggestions generated")
	}

	for i := 1; i < len(suggestions); i++ {
		if suggestions[i].Saves > suggestions[i-1].Saves {
			t.Errorf("suggestions not sorted by saves: %v before %v",
				suggestions[i-1].Saves, suggestions[i].Saves)
		}
	}

	var sawWriterDowngrade, sawReviewerDowngrade, sawSkip bool
	for _, s := range suggestions {
		if s.Saves <= 0 {
			t.Errorf("suggestion with non-positive saves: %+v", s)
		}
		switch {
		case s.Action == ActionDowngradeModel && s.Agent == "writer" && s.From == "gpt-4o":
			sawWriterDowngrade = true
		case s.Action == ActionDowngradeModel && s.Agent == "reviewer" && s.To == "claude-3-haiku":
			sawReviewerDowngrade = true
		case s.Action == ActionSkipAgent && s.Agent == "reviewer":
			sawSkip = true
		case s.Action == ActionSkipAgent && s.Agent == "writer":
			t.Error("writer has outgoing edges, must not be a skip candidate")
		}
	}
	if !sawWriterDowngrade || !sawReviewerDowngrade {
		t.Errorf("missing downgrade suggestions: writer=%v reviewer=%v", sawWriterDowngrade, sawReviewerDowngrade)
	}
	if !sawSkip {
		t.Error("missing skip_agent suggestion for the leaf node")
	}
}

func TestGenerateBudgetSuggestionsUnpricedLeaf(t *testing.T) {
	pricing := llm.DefaultPricingTable()
	g := &Graph{
		Nodes: []Node{
			{ID: "a", Type: NodeTypeAgent, Data: NodeConfig{Name: "writer", Model: "gpt-4o"}},
			{ID: "b", Type: NodeTypeAgent, Data: NodeConfig{Name: "tail", Model: "mystery-9000"}},
		},
		Edges: []Edge{edge("a", "b")},
	}
	est := EstimateWorkflowCost(mustPlan(t, g), g, pricing)
	suggestions := GenerateBudgetSuggestions(est, g, pricing)

	// A leaf stays a skip candidate even when its model is unpriced and
	// the estimate attributes no cost to it.
	var sawSkip bool
	for _, s := range suggestions {
		if s.Action == ActionSkipAgent && s.Agent == "tail" {
			sawSkip = true
			if s.Saves != 0 {
				t.Errorf("Saves = %v, want 0 for an unpriced model", s.Saves)
			}
		}
	}
	if !sawSkip {
		t.Error("missing skip_agent suggestion for the unpriced leaf")
	}
}

func TestEnforcer(t *testing.T) {
	intPtr := func(v int) *int { return &v }
	floatPtr := func(v float64) *float64 { return &v }

	t.Run("no caps means no budget and always ok", func(t *testing.T) {
		e := NewEnforcer(nil, nil)
		if e.HasBudget() {
			t.Error("HasBudget = true with no caps")
		}
		e.Record(1_000_000, 99.0)
		if got := e.Check(); got != BudgetOK {
			t.Errorf("Check = %q, want ok", got)
		}
	})

	t.Run("warning fires exactly once", func(t *testing.T) {
		e := NewEnforcer(intPtr(1000), nil)
		e.Record(800, 0)
		if got := e.Check(); got != BudgetWarning {
			t.Errorf("first Check = %q, want warning", got)
		}
		if got := e.Check(); got != BudgetOK {
			t.Errorf("second Check = %q, want ok", got)
		}
	})

	t.Run("exceeded is sticky and wins over warning", func(t *testing.T) {
		e := NewEnforcer(intPtr(1000), nil)
		e.Record(1000, 0)
		if got := e.Check(); got != BudgetExceeded {
			t.Errorf("Check = %q, want exceeded", got)
		}
		if got := e.Check(); got != BudgetExceeded {
			t.Errorf("repeat Check = %q, want exceeded", got)
		}
	})

	t.Run("cost cap triggers independently", func(t *testing.T) {
		e := NewEnforcer(nil, floatPtr(0.10))
		e.Record(10, 0.05)
		if got := e.Check(); got != BudgetOK {
			t.Errorf("Check = %q, want ok", got)
		}
		e.Record(10, 0.05)
		if got := e.Check(); got != BudgetExceeded {
			t.Errorf("Check = %q, want exceeded", got)
		}
	})

	t.Run("percentage reports the hotter cap", func(t *testing.T) {
		e := NewEnforcer(intPtr(1000), floatPtr(1.0))
		e.Record(500, 0.9)
		if got := e.Percentage(); got != 90 {
			t.Errorf("Percentage = %d, want 90", got)
		}
	})
}
