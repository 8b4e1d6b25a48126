// Package event defines the structured execution event stream.
//
// For every significant transition the executor publishes one Event,
// fire-and-forget, to a per-execution channel named "execution:<uuid>".
// Publication failures never affect execution outcome. Subscribers must
// ignore unknown Type values to permit forward extension.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event type constants, one per transition in the execution lifecycle.
const (
	TypeAgentStarted       = "agent_started"
	TypeAgentCompleted     = "agent_completed"
	TypeAgentFailed        = "agent_failed"
	TypeAgentRetrying      = "agent_retrying"
	TypeAgentFallback      = "agent_fallback"
	TypeAgentSkipped       = "agent_skipped"
	TypeBudgetWarning      = "budget_warning"
	TypeBudgetExceeded     = "budget_exceeded"
	TypeExecutionCompleted = "execution_completed"
)

// TokenCounts is the prompt/completion token pair carried by agent_completed.
type TokenCounts struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
}

// Consumption is the running usage carried by budget events.
type Consumption struct {
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// Caps is the configured budget carried by budget events. Nil fields mean
// the cap is not set.
type Caps struct {
	MaxTokens *int     `json:"max_tokens"`
	MaxCost   *float64 `json:"max_cost"`
}

// Totals is the execution summary carried by execution_completed.
type Totals struct {
	TokensPrompt     int     `json:"tokens_prompt"`
	TokensCompletion int     `json:"tokens_completion"`
	Cost             float64 `json:"cost"`
	DurationMS       int     `json:"duration_ms"`
	AgentsCompleted  int     `json:"agents_completed"`
	AgentsFailed     int     `json:"agents_failed"`
	AgentsSkipped    int     `json:"agents_skipped"`
}

// Event is the wire format of one execution event. Fields not belonging to
// the event's Type are omitted from the JSON encoding.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`

	AgentID       string `json:"agent_id,omitempty"`
	AgentName     string `json:"agent_name,omitempty"`
	ParallelGroup *int   `json:"parallel_group,omitempty"`

	Tokens    *TokenCounts `json:"tokens,omitempty"`
	Cost      *float64     `json:"cost,omitempty"`
	LatencyMS *int         `json:"latency_ms,omitempty"`

	Error            string `json:"error,omitempty"`
	WillRetry        *bool  `json:"will_retry,omitempty"`
	RetriesRemaining *int   `json:"retries_remaining,omitempty"`
	RetryNumber      *int   `json:"retry_number,omitempty"`

	OriginalAgentID   string `json:"original_agent_id,omitempty"`
	FallbackAgentID   string `json:"fallback_agent_id,omitempty"`
	FallbackAgentName string `json:"fallback_agent_name,omitempty"`

	Reason string `json:"reason,omitempty"`

	Consumed     *Consumption `json:"consumed,omitempty"`
	Budget       *Caps        `json:"budget,omitempty"`
	Percentage   *int         `json:"percentage,omitempty"`
	AgentsNotRun []string     `json:"agents_not_run,omitempty"`

	Status string  `json:"status,omitempty"`
	Totals *Totals `json:"totals,omitempty"`
}

// Channel returns the pub/sub channel name for an execution.
func Channel(executionID uuid.UUID) string {
	return "execution:" + executionID.String()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func stamp(ev Event) Event {
	ev.Timestamp = nowISO()
	return ev
}

// AgentStarted builds an agent_started event.
func AgentStarted(agentID, agentName string, parallelGroup int) Event {
	return stamp(Event{
		Type:          TypeAgentStarted,
		AgentID:       agentID,
		AgentName:     agentName,
		ParallelGroup: &parallelGroup,
	})
}

// AgentCompleted builds an agent_completed event.
func AgentCompleted(agentID, agentName string, tokens TokenCounts, cost float64, latencyMS int) Event {
	return stamp(Event{
		Type:      TypeAgentCompleted,
		AgentID:   agentID,
		AgentName: agentName,
		Tokens:    &tokens,
		Cost:      &cost,
		LatencyMS: &latencyMS,
	})
}

// AgentFailed builds an agent_failed event for one failed attempt.
func AgentFailed(agentID, agentName, errMsg string, willRetry bool, retriesRemaining int) Event {
	return stamp(Event{
		Type:             TypeAgentFailed,
		AgentID:          agentID,
		AgentName:        agentName,
		Error:            errMsg,
		WillRetry:        &willRetry,
		RetriesRemaining: &retriesRemaining,
	})
}

// AgentRetrying builds an agent_retrying event.
func AgentRetrying(agentID, agentName string, retryNumber int) Event {
	return stamp(Event{
		Type:        TypeAgentRetrying,
		AgentID:     agentID,
		AgentName:   agentName,
		RetryNumber: &retryNumber,
	})
}

// AgentFallback builds an agent_fallback event.
func AgentFallback(originalAgentID, fallbackAgentID, fallbackAgentName, reason string) Event {
	return stamp(Event{
		Type:              TypeAgentFallback,
		OriginalAgentID:   originalAgentID,
		FallbackAgentID:   fallbackAgentID,
		FallbackAgentName: fallbackAgentName,
		Reason:            reason,
	})
}

// AgentSkipped builds an agent_skipped event.
func AgentSkipped(agentID, agentName, reason string) Event {
	return stamp(Event{
		Type:      TypeAgentSkipped,
		AgentID:   agentID,
		AgentName: agentName,
		Reason:    reason,
	})
}

// BudgetWarning builds a budget_warning event.
func BudgetWarning(consumed Consumption, budget Caps, percentage int) Event {
	return stamp(Event{
		Type:       TypeBudgetWarning,
		Consumed:   &consumed,
		Budget:     &budget,
		Percentage: &percentage,
	})
}

// BudgetExceeded builds a budget_exceeded event.
func BudgetExceeded(consumed Consumption, budget Caps, agentsNotRun []string) Event {
	return stamp(Event{
		Type:         TypeBudgetExceeded,
		Consumed:     &consumed,
		Budget:       &budget,
		AgentsNotRun: agentsNotRun,
	})
}

// ExecutionCompleted builds the terminal execution_completed event.
func ExecutionCompleted(status string, totals Totals) Event {
	return stamp(Event{
		Type:   TypeExecutionCompleted,
		Status: status,
		Totals: &totals,
	})
}
