package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store implementation.
//
// Designed for:
//   - Unit tests with zero setup
//   - Prototyping before introducing a database
//
// All data is lost when the process exits. Records are deep-ish copied
// on the way in and out so callers cannot mutate stored state through
// retained pointers.
type MemStore struct {
	mu         sync.RWMutex
	workflows  map[uuid.UUID]*Workflow
	executions map[uuid.UUID]*Execution
	runs       map[uuid.UUID][]*AgentRun // keyed by execution ID, insertion order
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:  make(map[uuid.UUID]*Workflow),
		executions: make(map[uuid.UUID]*Execution),
		runs:       make(map[uuid.UUID][]*AgentRun),
	}
}

func copyWorkflow(w *Workflow) *Workflow {
	cp := *w
	return &cp
}

func copyExecution(e *Execution) *Execution {
	cp := *e
	return &cp
}

func copyAgentRun(r *AgentRun) *AgentRun {
	cp := *r
	return &cp
}

// CreateWorkflow implements Store.
func (s *MemStore) CreateWorkflow(_ context.Context, w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

// GetWorkflow implements Store.
func (s *MemStore) GetWorkflow(_ context.Context, id uuid.UUID) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflow(w), nil
}

// ListWorkflows implements Store. Results are ordered by creation time,
// newest first.
func (s *MemStore) ListWorkflows(_ context.Context, skip, limit int) ([]*Workflow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		all = append(all, copyWorkflow(w))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() > all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	all = paginate(all, skip, limit)
	return all, total, nil
}

// UpdateWorkflow implements Store.
func (s *MemStore) UpdateWorkflow(_ context.Context, w *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; !ok {
		return ErrNotFound
	}
	w.UpdatedAt = time.Now().UTC()
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

// DeleteWorkflow implements Store.
func (s *MemStore) DeleteWorkflow(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

// CreateExecution implements Store.
func (s *MemStore) CreateExecution(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.executions[e.ID] = copyExecution(e)
	return nil
}

// GetExecution implements Store.
func (s *MemStore) GetExecution(_ context.Context, id uuid.UUID) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(e), nil
}

// ListExecutions implements Store. Results are ordered by creation time,
// newest first.
func (s *MemStore) ListExecutions(_ context.Context, workflowID uuid.UUID, f ListExecutionsFilter) ([]*Execution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Execution
	for _, e := range s.executions {
		if e.WorkflowID != workflowID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		all = append(all, copyExecution(e))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() > all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	all = paginate(all, f.Skip, f.Limit)
	return all, total, nil
}

// UpdateExecution implements Store.
func (s *MemStore) UpdateExecution(_ context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[e.ID]; !ok {
		return ErrNotFound
	}
	s.executions[e.ID] = copyExecution(e)
	return nil
}

// ClaimExecution implements Store.
func (s *MemStore) ClaimExecution(_ context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != StatusPending {
		return false, nil
	}
	e.Status = StatusRunning
	t := startedAt
	e.StartedAt = &t
	return true, nil
}

// HasActiveExecution implements Store.
func (s *MemStore) HasActiveExecution(_ context.Context, workflowID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.executions {
		if e.WorkflowID == workflowID && (e.Status == StatusPending || e.Status == StatusRunning) {
			return true, nil
		}
	}
	return false, nil
}

// CreateAgentRun implements Store.
func (s *MemStore) CreateAgentRun(_ context.Context, r *AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Status == "" {
		r.Status = RunStatusPending
	}
	s.runs[r.ExecutionID] = append(s.runs[r.ExecutionID], copyAgentRun(r))
	return nil
}

// UpdateAgentRun implements Store.
func (s *MemStore) UpdateAgentRun(_ context.Context, r *AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.runs[r.ExecutionID] {
		if existing.ID == r.ID {
			s.runs[r.ExecutionID][i] = copyAgentRun(r)
			return nil
		}
	}
	return ErrNotFound
}

// ListAgentRuns implements Store. Results are in insertion order, which
// matches execution order.
func (s *MemStore) ListAgentRuns(_ context.Context, executionID uuid.UUID) ([]*AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[executionID]
	out := make([]*AgentRun, len(runs))
	for i, r := range runs {
		out[i] = copyAgentRun(r)
	}
	return out, nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

func paginate[T any](items []T, skip, limit int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
