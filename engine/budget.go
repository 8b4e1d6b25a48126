package engine

import (
	"sort"
	"sync"

	"github.com/agentflow-dev/agentflow/llm"
)

// Estimation heuristics. Dependency outputs are assumed to realize 60%
// of their completion budget, plus a fixed formatting overhead per
// dependency when assembling the context block.
const (
	avgOutputRatio           = 0.6
	baseInputEstimate        = 200
	formattingOverheadPerDep = 50
	charsPerToken            = 4
	largeMaxTokens           = 4000
)

// Estimate confidence levels.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// AgentEstimate is the pre-flight cost projection for one planned node.
type AgentEstimate struct {
	NodeID           string  `json:"node_id"`
	AgentName        string  `json:"agent_name"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Cost             float64 `json:"cost"`
}

// CostEstimate is the workflow-level projection returned at admission.
type CostEstimate struct {
	Total      float64         `json:"total"`
	PerAgent   []AgentEstimate `json:"per_agent"`
	Confidence string          `json:"confidence"`
}

// EstimateWorkflowCost projects the cost of running a plan.
//
// Per node, with deps the upstream nodes present in the graph:
//   - system_tokens = max(1, len(system_prompt)/4)
//   - input_tokens = sum(dep.max_tokens * 0.6) + 50*|deps|, or a base
//     of 200 for nodes without dependencies
//   - completion_tokens = the node's max_tokens (default 1000)
//   - cost from the pricing table; unknown (provider, model) pairs
//     cost zero
//
// Confidence is low when any edge carries a condition (output size
// becomes path-dependent) or any node has max_tokens > 4000, high for
// small unconditional workflows, medium otherwise.
func EstimateWorkflowCost(plan *ExecutionPlan, g *Graph, pricing *llm.PricingTable) CostEstimate {
	nodeIndex := g.NodeIndex()

	deps := make(map[string][]string)
	hasCondition := false
	for _, e := range g.Edges {
		if _, ok := nodeIndex[e.Source]; !ok {
			continue
		}
		if _, ok := nodeIndex[e.Target]; !ok {
			continue
		}
		deps[e.Target] = append(deps[e.Target], e.Source)
		if e.Condition() != "" {
			hasCondition = true
		}
	}

	var (
		total    float64
		perAgent []AgentEstimate
		hasLarge bool
	)
	for _, pg := range plan.Groups {
		for _, entry := range pg.Agents {
			cfg := entry.Config
			if cfg.MaxTokens > largeMaxTokens {
				hasLarge = true
			}

			systemTokens := len(cfg.SystemPrompt) / charsPerToken
			if systemTokens < 1 {
				systemTokens = 1
			}

			var inputTokens int
			if ds := deps[entry.NodeID]; len(ds) > 0 {
				for _, d := range ds {
					inputTokens += int(float64(nodeIndex[d].Data.CompletionBudget()) * avgOutputRatio)
				}
				inputTokens += formattingOverheadPerDep * len(ds)
			} else {
				inputTokens = baseInputEstimate
			}

			promptTokens := systemTokens + inputTokens
			completionTokens := cfg.CompletionBudget()
			cost := llm.RoundCost(pricing.Cost(cfg.ResolvedProvider(), cfg.Model, promptTokens, completionTokens))

			perAgent = append(perAgent, AgentEstimate{
				NodeID:           entry.NodeID,
				AgentName:        cfg.DisplayName(entry.NodeID),
				Provider:         cfg.ResolvedProvider(),
				Model:            cfg.Model,
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				Cost:             cost,
			})
			total += cost
		}
	}

	confidence := ConfidenceMedium
	switch {
	case hasCondition || hasLarge:
		confidence = ConfidenceLow
	case plan.TotalAgents <= 3:
		confidence = ConfidenceHigh
	}

	return CostEstimate{
		Total:      llm.RoundCost(total),
		PerAgent:   perAgent,
		Confidence: confidence,
	}
}

// Suggestion actions.
const (
	ActionDowngradeModel = "downgrade_model"
	ActionSkipAgent      = "skip_agent"
)

// downgradePaths maps a model to cheaper alternatives, best first. Used
// only to generate cost-reduction suggestions, never applied silently.
var downgradePaths = map[string][]string{
	"gpt-4o":            {"gpt-4o-mini", "gpt-3.5-turbo"},
	"gpt-4o-mini":       {"gpt-3.5-turbo"},
	"claude-3.5-sonnet": {"claude-3-haiku"},
}

// BudgetSuggestion is one cost-reduction option returned when the
// estimate exceeds the configured budget.
type BudgetSuggestion struct {
	Action string  `json:"action"`
	Agent  string  `json:"agent"`
	Saves  float64 `json:"saves"`
	From   string  `json:"from,omitempty"`
	To     string  `json:"to,omitempty"`
	Impact string  `json:"impact,omitempty"`
}

// GenerateBudgetSuggestions produces downgrade and skip options for an
// over-budget estimate, sorted by savings descending.
//
// Downgrades follow the fixed paths (gpt-4o -> gpt-4o-mini ->
// gpt-3.5-turbo, claude-3.5-sonnet -> claude-3-haiku) and only appear
// when the cheaper model actually saves money. Leaf nodes, those with
// no outgoing edges, additionally get a skip_agent suggestion since
// nothing downstream consumes their output.
func GenerateBudgetSuggestions(estimate CostEstimate, g *Graph, pricing *llm.PricingTable) []BudgetSuggestion {
	hasOutgoing := make(map[string]bool)
	nodeIndex := g.NodeIndex()
	for _, e := range g.Edges {
		if _, ok := nodeIndex[e.Source]; !ok {
			continue
		}
		if _, ok := nodeIndex[e.Target]; !ok {
			continue
		}
		hasOutgoing[e.Source] = true
	}

	var suggestions []BudgetSuggestion
	for _, agent := range estimate.PerAgent {
		for _, cheaper := range downgradePaths[agent.Model] {
			downgraded := llm.RoundCost(pricing.Cost(agent.Provider, cheaper, agent.PromptTokens, agent.CompletionTokens))
			saves := llm.RoundCost(agent.Cost - downgraded)
			if saves <= 0 {
				continue
			}
			suggestions = append(suggestions, BudgetSuggestion{
				Action: ActionDowngradeModel,
				Agent:  agent.AgentName,
				Saves:  saves,
				From:   agent.Model,
				To:     cheaper,
				Impact: "reduced output quality",
			})
		}

		if !hasOutgoing[agent.NodeID] {
			suggestions = append(suggestions, BudgetSuggestion{
				Action: ActionSkipAgent,
				Agent:  agent.AgentName,
				Saves:  agent.Cost,
				Impact: "agent output will be missing",
			})
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Saves > suggestions[j].Saves
	})
	return suggestions
}

// Budget check outcomes.
const (
	BudgetOK       = "ok"
	BudgetWarning  = "warning"
	BudgetExceeded = "exceeded"
)

// warnThreshold is the fraction of a cap at which the one-time warning
// fires.
const warnThreshold = 0.8

// Enforcer tracks mid-flight consumption against optional caps. Safe
// for concurrent use; the executor records from parallel agent tasks.
type Enforcer struct {
	mu         sync.Mutex
	maxTokens  *int
	maxCost    *float64
	usedTokens int
	usedCost   float64
	warned     bool
}

// NewEnforcer creates an enforcer with optional caps. When both are
// nil the enforcer has no budget and every check returns ok.
func NewEnforcer(maxTokens *int, maxCost *float64) *Enforcer {
	return &Enforcer{maxTokens: maxTokens, maxCost: maxCost}
}

// HasBudget reports whether any cap is configured.
func (e *Enforcer) HasBudget() bool {
	return e.maxTokens != nil || e.maxCost != nil
}

// Record accumulates one completed agent's consumption.
func (e *Enforcer) Record(tokens int, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.usedTokens += tokens
	e.usedCost += cost
}

// Used returns the running totals.
func (e *Enforcer) Used() (tokens int, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usedTokens, e.usedCost
}

// Caps returns the configured caps, nil when unset.
func (e *Enforcer) Caps() (maxTokens *int, maxCost *float64) {
	return e.maxTokens, e.maxCost
}

// Check classifies current consumption. Exceeded is sticky: once any
// cap is reached, every later check returns exceeded. The warning fires
// at most once, the first time usage crosses 80% of any configured cap
// without exceeding it.
func (e *Enforcer) Check() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.maxCost != nil && e.usedCost >= *e.maxCost {
		return BudgetExceeded
	}
	if e.maxTokens != nil && e.usedTokens >= *e.maxTokens {
		return BudgetExceeded
	}

	if !e.warned {
		nearCost := e.maxCost != nil && e.usedCost >= warnThreshold*(*e.maxCost)
		nearTokens := e.maxTokens != nil && float64(e.usedTokens) >= warnThreshold*float64(*e.maxTokens)
		if nearCost || nearTokens {
			e.warned = true
			return BudgetWarning
		}
	}
	return BudgetOK
}

// Percentage returns used/cap on the most-consumed configured cap, as
// an integer percentage. Zero when no cap is set.
func (e *Enforcer) Percentage() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	pct := 0.0
	if e.maxCost != nil && *e.maxCost > 0 {
		if p := e.usedCost / *e.maxCost; p > pct {
			pct = p
		}
	}
	if e.maxTokens != nil && *e.maxTokens > 0 {
		if p := float64(e.usedTokens) / float64(*e.maxTokens); p > pct {
			pct = p
		}
	}
	return int(pct * 100)
}
