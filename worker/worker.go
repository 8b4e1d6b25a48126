// Package worker provides the in-process job queue that carries
// admitted executions from the API server to the executor.
//
// Delivery is at-least-once from the queue's perspective; the executor
// guards entry with an atomic pending->running claim, so a duplicate
// delivery of the same execution is a logged no-op.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agentflow-dev/agentflow/engine"
)

// DefaultBuffer is the queue depth before Enqueue blocks.
const DefaultBuffer = 64

// Job is the dispatch payload for one admitted execution. The plan and
// graph snapshot ride along so workers need not re-plan; budget caps
// are informational here, the execution record is authoritative.
type Job struct {
	ExecutionID     uuid.UUID       `json:"execution_id"`
	Plan            json.RawMessage `json:"plan"`
	GraphData       json.RawMessage `json:"graph_data"`
	InputData       json.RawMessage `json:"input_data,omitempty"`
	BudgetMaxTokens *int            `json:"budget_max_tokens,omitempty"`
	BudgetMaxCost   *float64        `json:"budget_max_cost,omitempty"`
}

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("job queue is closed")

// Queue distributes jobs to a fixed pool of workers. Each worker
// handles one execution at a time (prefetch 1), so in-flight
// parallelism is bounded by the worker count times graph width.
type Queue struct {
	executor *engine.Executor
	log      *slog.Logger

	jobs chan Job
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewQueue creates a Queue. buffer <= 0 uses DefaultBuffer.
func NewQueue(executor *engine.Executor, log *slog.Logger, buffer int) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Queue{
		executor: executor,
		log:      log,
		jobs:     make(chan Job, buffer),
	}
}

// Start launches the worker pool. Workers exit when the context is
// canceled or the queue is stopped.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.runWorker(ctx)
		}()
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(ctx, job)
		}
	}
}

// process decodes one job and hands it to the executor. Decode and
// execution failures are logged; the job is not redelivered by this
// queue.
func (q *Queue) process(ctx context.Context, job Job) {
	plan, err := engine.ParsePlan(job.Plan)
	if err != nil {
		q.log.Error("discarding job with malformed plan",
			"execution_id", job.ExecutionID, "error", err)
		return
	}
	g, err := engine.ParseGraph(job.GraphData)
	if err != nil {
		q.log.Error("discarding job with malformed graph",
			"execution_id", job.ExecutionID, "error", err)
		return
	}

	q.log.Info("executing workflow", "execution_id", job.ExecutionID,
		"agents", plan.TotalAgents, "groups", plan.EstimatedRounds)
	if err := q.executor.Run(ctx, job.ExecutionID, plan, g, job.InputData); err != nil {
		q.log.Error("execution run failed", "execution_id", job.ExecutionID, "error", err)
	}
}

// Enqueue submits a job, blocking while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes intake and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}
