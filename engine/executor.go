package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow-dev/agentflow/event"
	"github.com/agentflow-dev/agentflow/llm"
	"github.com/agentflow-dev/agentflow/store"
)

// Skip reasons recorded on agent runs and carried by agent_skipped
// events.
const (
	SkipReasonDependencyFailed = "dependency failed"
	SkipReasonConditionNotMet  = "condition not met"
	SkipReasonBudgetExceeded   = "budget exceeded"
)

// allAgentsFailedMessage is the only error_message an execution record
// ever carries; per-node detail lives on the agent runs.
const allAgentsFailedMessage = "All agents failed"

// RecallResult is one memory hit returned by a RecallFunc.
type RecallResult struct {
	Key        string  `json:"key"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// RecallFunc is an optional hook that retrieves memory relevant to an
// agent before its prompt is built. Errors disable recall for that
// agent only.
type RecallFunc func(ctx context.Context, executionID uuid.UUID, nodeID string, query string) ([]RecallResult, error)

// Executor runs execution plans: group by group, agents within a group
// concurrently, with retry, fallback, conditional-edge, budget, and
// failure-propagation semantics. All side effects land in the store
// and the event stream; Run returns an error only for persistence
// failures that must bubble to the job layer.
type Executor struct {
	store     store.Store
	registry  *llm.Registry
	publisher event.Publisher
	log       *slog.Logger
	metrics   *Metrics
	recall    RecallFunc
	baseDelay time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithRecall attaches the optional memory recall hook.
func WithRecall(fn RecallFunc) ExecutorOption {
	return func(e *Executor) { e.recall = fn }
}

// WithBaseDelay overrides the retry base delay. Tests use this to keep
// backoff sleeps negligible.
func WithBaseDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.baseDelay = d }
}

// NewExecutor creates an Executor. A nil logger falls back to
// slog.Default; a nil publisher discards events.
func NewExecutor(st store.Store, registry *llm.Registry, pub event.Publisher, log *slog.Logger, opts ...ExecutorOption) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if pub == nil {
		pub = event.NullPublisher{}
	}
	e := &Executor{
		store:     st,
		registry:  registry,
		publisher: pub,
		log:       log,
		baseDelay: DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// depOutput is one upstream result flowing into a prompt.
type depOutput struct {
	AgentName string
	Text      string
}

// taskResult is what one agent task reports back at the group barrier.
type taskResult struct {
	NodeID    string
	AgentName string
	OK        bool
	Text      string
	Tokens    llm.Usage
	Cost      float64
}

// executionInput is the recognized shape of the submission input.
type executionInput struct {
	UserQuery string `json:"user_query"`
}

// Run executes a plan to completion regardless of per-node failures.
//
// Entry is idempotent: the execution is claimed with an atomic
// pending->running transition, and a duplicate delivery finds the
// claim lost and returns without side effects.
func (e *Executor) Run(ctx context.Context, executionID uuid.UUID, plan *ExecutionPlan, g *Graph, input json.RawMessage) error {
	startedAt := time.Now().UTC()
	claimed, err := e.store.ClaimExecution(ctx, executionID, startedAt)
	if err != nil {
		return fmt.Errorf("failed to claim execution %s: %w", executionID, err)
	}
	if !claimed {
		e.log.Warn("execution not claimable, skipping duplicate delivery", "execution_id", executionID)
		return nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}

	var in executionInput
	if len(input) > 0 {
		// Unrecognized input shapes degrade to an empty user query.
		_ = json.Unmarshal(input, &in)
	}

	nodeConfig := make(map[string]NodeConfig, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeConfig[n.ID] = n.Data
	}
	edgesOut := make(map[string][]Edge)
	edgesIn := make(map[string][]Edge)
	for _, edge := range g.Edges {
		if _, ok := nodeConfig[edge.Source]; !ok {
			continue
		}
		if _, ok := nodeConfig[edge.Target]; !ok {
			continue
		}
		edgesOut[edge.Source] = append(edgesOut[edge.Source], edge)
		edgesIn[edge.Target] = append(edgesIn[edge.Target], edge)
	}

	completedOutputs := make(map[string]depOutput)
	skipped := make(map[string]bool)
	enforcer := NewEnforcer(exec.BudgetMaxTokens, exec.BudgetMaxCost)

	executionOrder := 0
	budgetExceeded := false
	var agentsNotRun []string

	for _, group := range plan.Groups {
		var results []taskResult
		var wg sync.WaitGroup
		resultCh := make(chan taskResult, len(group.Agents))

		for _, entry := range group.Agents {
			cfg := entry.Config
			agentName := cfg.DisplayName(entry.NodeID)

			if budgetExceeded {
				e.recordSkipped(ctx, executionID, entry, agentName, group.Group, executionOrder, SkipReasonBudgetExceeded)
				executionOrder++
				agentsNotRun = append(agentsNotRun, entry.NodeID)
				continue
			}

			if skipped[entry.NodeID] {
				e.recordSkipped(ctx, executionID, entry, agentName, group.Group, executionOrder, SkipReasonDependencyFailed)
				executionOrder++
				continue
			}

			if blocked := e.conditionBlocked(edgesIn[entry.NodeID], completedOutputs); blocked {
				skipped[entry.NodeID] = true
				e.recordSkipped(ctx, executionID, entry, agentName, group.Group, executionOrder, SkipReasonConditionNotMet)
				executionOrder++
				continue
			}

			// Dependency outputs in edge order; only completed sources
			// contribute.
			var deps []depOutput
			for _, edge := range edgesIn[entry.NodeID] {
				if out, ok := completedOutputs[edge.Source]; ok {
					deps = append(deps, out)
				}
			}

			task := agentTask{
				entry:          entry,
				agentName:      agentName,
				group:          group.Group,
				executionOrder: executionOrder,
				deps:           deps,
				userQuery:      in.UserQuery,
				nodeConfig:     nodeConfig,
			}
			executionOrder++

			wg.Add(1)
			go func() {
				defer wg.Done()
				resultCh <- e.runAgent(ctx, executionID, task)
			}()
		}

		wg.Wait()
		close(resultCh)
		for r := range resultCh {
			results = append(results, r)
		}

		// Apply results sequentially at the barrier.
		for _, r := range results {
			if r.OK {
				completedOutputs[r.NodeID] = depOutput{AgentName: r.AgentName, Text: r.Text}
				exec.TotalTokensPrompt += r.Tokens.Prompt
				exec.TotalTokensCompletion += r.Tokens.Completion
				exec.TotalCost = llm.RoundCost(exec.TotalCost + r.Cost)

				enforcer.Record(r.Tokens.Prompt+r.Tokens.Completion, r.Cost)
				switch enforcer.Check() {
				case BudgetWarning:
					e.publishBudgetEvent(executionID, enforcer, true, nil)
				case BudgetExceeded:
					budgetExceeded = true
				}
				continue
			}
			e.propagateFailure(r.NodeID, edgesOut, skipped)
		}
	}

	if budgetExceeded {
		e.publishBudgetEvent(executionID, enforcer, false, agentsNotRun)
	}

	return e.finalize(ctx, exec, startedAt)
}

// conditionBlocked evaluates inbound conditional edges whose source has
// completed. A single failing condition blocks the node.
func (e *Executor) conditionBlocked(inbound []Edge, completedOutputs map[string]depOutput) bool {
	for _, edge := range inbound {
		cond := edge.Condition()
		if cond == "" {
			continue
		}
		out, ok := completedOutputs[edge.Source]
		if !ok {
			continue
		}
		if !conditionMatches(cond, out.Text) {
			return true
		}
	}
	return false
}

// conditionMatches applies the edge predicate: empty and "default"
// (case-insensitive) always match; otherwise the condition must equal
// or be contained in the output text.
func conditionMatches(condition, output string) bool {
	if condition == "" || strings.EqualFold(condition, "default") {
		return true
	}
	if condition == output {
		return true
	}
	return strings.Contains(output, condition)
}

// propagateFailure walks out-edges transitively from a failed node,
// marking every reachable node skipped. The skipped set is monotone.
func (e *Executor) propagateFailure(nodeID string, edgesOut map[string][]Edge, skipped map[string]bool) {
	stack := []string{nodeID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edge := range edgesOut[current] {
			if skipped[edge.Target] {
				continue
			}
			skipped[edge.Target] = true
			stack = append(stack, edge.Target)
		}
	}
}

// recordSkipped persists a skipped agent run and emits agent_skipped.
func (e *Executor) recordSkipped(ctx context.Context, executionID uuid.UUID, entry AgentPlanEntry, agentName string, group, order int, reason string) {
	now := time.Now().UTC()
	run := &store.AgentRun{
		ExecutionID:    executionID,
		AgentNodeID:    entry.NodeID,
		AgentName:      agentName,
		Status:         store.RunStatusSkipped,
		ErrorMessage:   &reason,
		ExecutionOrder: order,
		ParallelGroup:  group,
		CompletedAt:    &now,
	}
	if err := e.store.CreateAgentRun(ctx, run); err != nil {
		e.log.Error("failed to persist skipped agent run",
			"execution_id", executionID, "agent_id", entry.NodeID, "error", err)
	}
	e.metrics.AgentRunFinished(store.RunStatusSkipped)
	e.publisher.Publish(executionID, event.AgentSkipped(entry.NodeID, agentName, reason))
}

type agentTask struct {
	entry          AgentPlanEntry
	agentName      string
	group          int
	executionOrder int
	deps           []depOutput
	userQuery      string
	nodeConfig     map[string]NodeConfig
}

// runAgent executes one node: prompt assembly, retries, and on
// exhaustion the optional fallback agent. The returned result is keyed
// by the original node id even when the fallback produced the text.
func (e *Executor) runAgent(ctx context.Context, executionID uuid.UUID, task agentTask) taskResult {
	e.metrics.AgentStarted()
	defer e.metrics.AgentDone()

	cfg := task.entry.Config
	nodeID := task.entry.NodeID

	prompt := e.buildPrompt(ctx, executionID, nodeID, task)

	now := time.Now().UTC()
	run := &store.AgentRun{
		ExecutionID:    executionID,
		AgentNodeID:    nodeID,
		AgentName:      task.agentName,
		Status:         store.RunStatusRunning,
		Provider:       cfg.ResolvedProvider(),
		ModelUsed:      cfg.Model,
		InputData:      promptPayload(prompt),
		ExecutionOrder: task.executionOrder,
		ParallelGroup:  task.group,
		StartedAt:      &now,
	}
	if err := e.store.CreateAgentRun(ctx, run); err != nil {
		e.log.Error("failed to persist agent run",
			"execution_id", executionID, "agent_id", nodeID, "error", err)
	}
	e.publisher.Publish(executionID, event.AgentStarted(nodeID, task.agentName, task.group))

	resp, retries, err := RetryWithBackoff(ctx,
		RetryConfig{MaxRetries: cfg.RetryLimit(), BaseDelay: e.baseDelay},
		func(ctx context.Context, attempt int) (llm.Response, error) {
			return e.callAdapter(ctx, cfg, prompt)
		},
		func(attempt, remaining int, attemptErr error) {
			e.publisher.Publish(executionID, event.AgentFailed(nodeID, task.agentName, attemptErr.Error(), remaining > 0, remaining))
			if remaining > 0 {
				e.metrics.RetryAttempted()
				e.publisher.Publish(executionID, event.AgentRetrying(nodeID, task.agentName, attempt))
			}
		})

	if err == nil {
		e.completeRun(ctx, executionID, run, resp, retries)
		return taskResult{
			NodeID: nodeID, AgentName: task.agentName, OK: true,
			Text: resp.Text, Tokens: resp.Tokens, Cost: resp.Cost,
		}
	}

	// Retries exhausted. Mark the original failed, then consult the
	// fallback template if one is configured.
	e.failRun(ctx, executionID, run, err, retries)

	if cfg.FallbackAgentID != "" {
		if result, ok := e.runFallback(ctx, executionID, task, prompt, err); ok {
			return result
		}
	}
	return taskResult{NodeID: nodeID, AgentName: task.agentName, OK: false}
}

// runFallback launches the fallback agent: one attempt, a fresh agent
// run row linked back to the original, sharing its slot in the plan.
// On success the original node counts as completed downstream.
func (e *Executor) runFallback(ctx context.Context, executionID uuid.UUID, task agentTask, prompt string, cause error) (taskResult, bool) {
	cfg := task.entry.Config
	fbID := cfg.FallbackAgentID
	// The fallback id is a template, not necessarily a graph node; an id
	// with no node runs with the zero config (default provider and
	// limits, the id as its display name).
	fbCfg := task.nodeConfig[fbID]

	fbName := fbCfg.DisplayName(fbID)
	e.metrics.FallbackLaunched()
	e.publisher.Publish(executionID, event.AgentFallback(task.entry.NodeID, fbID, fbName, cause.Error()))

	original := task.entry.NodeID
	now := time.Now().UTC()
	run := &store.AgentRun{
		ExecutionID:    executionID,
		AgentNodeID:    fbID,
		AgentName:      fbName,
		Status:         store.RunStatusRunning,
		Provider:       fbCfg.ResolvedProvider(),
		ModelUsed:      fbCfg.Model,
		InputData:      promptPayload(prompt),
		IsFallback:     true,
		FallbackFor:    &original,
		ExecutionOrder: task.executionOrder,
		ParallelGroup:  task.group,
		StartedAt:      &now,
	}
	if err := e.store.CreateAgentRun(ctx, run); err != nil {
		e.log.Error("failed to persist fallback agent run",
			"execution_id", executionID, "agent_id", fbID, "error", err)
	}
	e.publisher.Publish(executionID, event.AgentStarted(fbID, fbName, task.group))

	resp, err := e.callAdapter(ctx, fbCfg, prompt)
	if err != nil {
		e.publisher.Publish(executionID, event.AgentFailed(fbID, fbName, err.Error(), false, 0))
		e.failRun(ctx, executionID, run, err, 0)
		return taskResult{}, false
	}

	e.completeRun(ctx, executionID, run, resp, 0)
	return taskResult{
		NodeID: original, AgentName: fbName, OK: true,
		Text: resp.Text, Tokens: resp.Tokens, Cost: resp.Cost,
	}, true
}

// callAdapter performs one LLM attempt under the node's per-attempt
// timeout.
func (e *Executor) callAdapter(ctx context.Context, cfg NodeConfig, prompt string) (llm.Response, error) {
	adapter, err := e.registry.Adapter(cfg.ResolvedProvider())
	if err != nil {
		return llm.Response{}, err
	}

	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	return adapter.Complete(ctx, prompt, cfg.SystemPrompt, llm.Config{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
}

// buildPrompt assembles the user prompt from blank-line-separated
// parts: an optional recalled-memory block, then either the user query
// (first-hop agents only) or the dependency context block, or a
// placeholder when nothing applies.
func (e *Executor) buildPrompt(ctx context.Context, executionID uuid.UUID, nodeID string, task agentTask) string {
	var parts []string

	if e.recall != nil {
		if hits, err := e.recall(ctx, executionID, nodeID, task.userQuery); err != nil {
			e.log.Warn("memory recall failed",
				"execution_id", executionID, "agent_id", nodeID, "error", err)
		} else if len(hits) > 0 {
			parts = append(parts, "Recalled from memory:")
			for _, hit := range hits {
				parts = append(parts, fmt.Sprintf("[%s]:\n%s", hit.Key, hit.Text))
			}
		}
	}

	if task.userQuery != "" && len(task.deps) == 0 {
		parts = append(parts, "User input:\n"+task.userQuery)
	}
	if len(task.deps) > 0 {
		parts = append(parts, "Context from previous agents:")
		for _, dep := range task.deps {
			parts = append(parts, fmt.Sprintf("[%s]:\n%s", dep.AgentName, dep.Text))
		}
	}

	if len(parts) == 0 {
		return "No input provided."
	}
	return strings.Join(parts, "\n\n")
}

func (e *Executor) completeRun(ctx context.Context, executionID uuid.UUID, run *store.AgentRun, resp llm.Response, retries int) {
	now := time.Now().UTC()
	latency := resp.LatencyMS
	run.Status = store.RunStatusCompleted
	run.ModelUsed = resp.Model
	run.OutputData = outputPayload(resp.Text)
	run.TokensPrompt = resp.Tokens.Prompt
	run.TokensCompletion = resp.Tokens.Completion
	run.Cost = resp.Cost
	run.LatencyMS = &latency
	run.Retries = retries
	run.CompletedAt = &now
	if err := e.store.UpdateAgentRun(ctx, run); err != nil {
		e.log.Error("failed to persist completed agent run",
			"execution_id", executionID, "agent_id", run.AgentNodeID, "error", err)
	}

	e.metrics.AgentRunFinished(store.RunStatusCompleted)
	e.metrics.ObserveLatency(float64(latency) / 1000)
	e.metrics.AddTokens(resp.Tokens.Prompt, resp.Tokens.Completion)
	e.metrics.AddCost(resp.Cost)

	e.publisher.Publish(executionID, event.AgentCompleted(run.AgentNodeID, run.AgentName,
		event.TokenCounts{Prompt: resp.Tokens.Prompt, Completion: resp.Tokens.Completion},
		resp.Cost, latency))
}

func (e *Executor) failRun(ctx context.Context, executionID uuid.UUID, run *store.AgentRun, cause error, retries int) {
	now := time.Now().UTC()
	msg := cause.Error()
	run.Status = store.RunStatusFailed
	run.ErrorMessage = &msg
	run.Retries = retries
	run.CompletedAt = &now
	if err := e.store.UpdateAgentRun(ctx, run); err != nil {
		e.log.Error("failed to persist failed agent run",
			"execution_id", executionID, "agent_id", run.AgentNodeID, "error", err)
	}
	e.metrics.AgentRunFinished(store.RunStatusFailed)
}

// publishBudgetEvent emits budget_warning or budget_exceeded with the
// current consumption snapshot.
func (e *Executor) publishBudgetEvent(executionID uuid.UUID, enforcer *Enforcer, warning bool, agentsNotRun []string) {
	tokens, cost := enforcer.Used()
	maxTokens, maxCost := enforcer.Caps()
	consumed := event.Consumption{Tokens: tokens, Cost: cost}
	caps := event.Caps{MaxTokens: maxTokens, MaxCost: maxCost}
	if warning {
		e.publisher.Publish(executionID, event.BudgetWarning(consumed, caps, enforcer.Percentage()))
		return
	}
	e.publisher.Publish(executionID, event.BudgetExceeded(consumed, caps, agentsNotRun))
}

// finalize settles the execution record and emits execution_completed.
// Any completed run makes the execution completed; only an execution
// where every agent failed (and none completed) is failed. The
// degenerate everything-skipped case counts as completed.
func (e *Executor) finalize(ctx context.Context, exec *store.Execution, startedAt time.Time) error {
	runs, err := e.store.ListAgentRuns(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to list agent runs for %s: %w", exec.ID, err)
	}

	var completed, failed, skippedCount int
	for _, run := range runs {
		// Fallback rows settle the original's fate; they are counted
		// like any other run for finalization purposes.
		switch run.Status {
		case store.RunStatusCompleted:
			completed++
		case store.RunStatusFailed:
			failed++
		case store.RunStatusSkipped:
			skippedCount++
		}
	}

	status := store.StatusCompleted
	exec.ErrorMessage = nil
	if completed == 0 && failed > 0 {
		status = store.StatusFailed
		msg := allAgentsFailedMessage
		exec.ErrorMessage = &msg
	}

	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to finalize execution %s: %w", exec.ID, err)
	}

	e.metrics.ExecutionFinished(status)
	e.publisher.Publish(exec.ID, event.ExecutionCompleted(status, event.Totals{
		TokensPrompt:     exec.TotalTokensPrompt,
		TokensCompletion: exec.TotalTokensCompletion,
		Cost:             exec.TotalCost,
		DurationMS:       int(now.Sub(startedAt).Milliseconds()),
		AgentsCompleted:  completed,
		AgentsFailed:     failed,
		AgentsSkipped:    skippedCount,
	}))

	e.log.Info("execution finished",
		"execution_id", exec.ID, "status", status,
		"agents_completed", completed, "agents_failed", failed, "agents_skipped", skippedCount,
		"total_cost", exec.TotalCost)
	return nil
}

func promptPayload(prompt string) json.RawMessage {
	raw, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil
	}
	return raw
}

func outputPayload(text string) json.RawMessage {
	raw, err := json.Marshal(map[string]string{"output": text})
	if err != nil {
		return nil
	}
	return raw
}

// SynthesizeTerminalEvent rebuilds an execution_completed event from a
// stored terminal execution, for observers that connect after the fact.
func SynthesizeTerminalEvent(exec *store.Execution, runs []*store.AgentRun) (event.Event, error) {
	if !store.TerminalStatus(exec.Status) {
		return event.Event{}, errors.New("execution is not terminal")
	}
	var completed, failed, skippedCount int
	for _, run := range runs {
		switch run.Status {
		case store.RunStatusCompleted:
			completed++
		case store.RunStatusFailed:
			failed++
		case store.RunStatusSkipped:
			skippedCount++
		}
	}
	duration := 0
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		duration = int(exec.CompletedAt.Sub(*exec.StartedAt).Milliseconds())
	}
	return event.ExecutionCompleted(exec.Status, event.Totals{
		TokensPrompt:     exec.TotalTokensPrompt,
		TokensCompletion: exec.TotalTokensCompletion,
		Cost:             exec.TotalCost,
		DurationMS:       duration,
		AgentsCompleted:  completed,
		AgentsFailed:     failed,
		AgentsSkipped:    skippedCount,
	}), nil
}
