package llm

import (
	"context"
	"sync"
)

// MockResult is one scripted outcome for a MockAdapter call.
type MockResult struct {
	Resp Response
	Err  error
}

// MockCall records a single invocation of Complete().
type MockCall struct {
	Prompt       string
	SystemPrompt string
	Config       Config
}

// MockAdapter is a test implementation of Adapter.
//
// Each call to Complete consumes the next entry of Script; when the script
// is exhausted the last entry repeats. An empty script returns the zero
// Response. Calls records every invocation for assertions.
//
// Example (fail twice, then succeed):
//
//	mock := &MockAdapter{Script: []MockResult{
//	    {Err: errors.New("503")},
//	    {Err: errors.New("503")},
//	    {Resp: Response{Text: "hello", Tokens: Usage{Prompt: 10, Completion: 5}}},
//	}}
type MockAdapter struct {
	Script []MockResult

	// Calls tracks the history of all Complete() invocations.
	Calls []MockCall

	mu    sync.Mutex
	index int
}

// Complete implements the Adapter interface.
func (m *MockAdapter) Complete(ctx context.Context, prompt, systemPrompt string, cfg Config) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Prompt: prompt, SystemPrompt: systemPrompt, Config: cfg})

	if len(m.Script) == 0 {
		return Response{}, nil
	}

	idx := m.index
	if idx >= len(m.Script) {
		idx = len(m.Script) - 1
	} else {
		m.index++
	}

	res := m.Script[idx]
	return res.Resp, res.Err
}

// CallCount returns how many times Complete has been invoked.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent invocation, or false if there were none.
func (m *MockAdapter) LastCall() (MockCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return MockCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}
