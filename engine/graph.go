// Package engine contains the workflow execution core: the planner that
// layers a DAG into parallel groups, the budget estimator and enforcer,
// the retry handler, and the executor that runs planned groups with
// retry, fallback, conditional-edge, and failure-propagation semantics.
package engine

import (
	"encoding/json"
	"fmt"
)

// Node types. Only agent nodes are executed; tool and conditional nodes
// are accepted in graphs but ignored by the executor.
const (
	NodeTypeAgent       = "agent"
	NodeTypeTool        = "tool"
	NodeTypeConditional = "conditional"
)

// Default node configuration values applied when a field is absent.
const (
	DefaultMaxRetries = 2
	DefaultMaxTokens  = 1000
	DefaultProvider   = "openai"
)

// NodeConfig is the execution configuration attached to a graph node.
type NodeConfig struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider,omitempty"`
	Model           string   `json:"model,omitempty"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxTokens       int      `json:"max_tokens,omitempty"`
	MaxRetries      *int     `json:"max_retries,omitempty"`
	TimeoutSeconds  int      `json:"timeout_seconds,omitempty"`
	FallbackAgentID string   `json:"fallback_agent_id,omitempty"`
}

// RetryLimit returns max_retries with the default applied.
func (c NodeConfig) RetryLimit() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

// CompletionBudget returns max_tokens with the default applied. It is
// both the completion-length bound passed to the provider and the
// per-node completion-token estimate used by the cost projector.
func (c NodeConfig) CompletionBudget() int {
	if c.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return c.MaxTokens
}

// ResolvedProvider returns provider with the default applied.
func (c NodeConfig) ResolvedProvider() string {
	if c.Provider == "" {
		return DefaultProvider
	}
	return c.Provider
}

// DisplayName returns the agent's name, falling back to the node id.
func (c NodeConfig) DisplayName(nodeID string) string {
	if c.Name != "" {
		return c.Name
	}
	return nodeID
}

// Node is one vertex of the workflow graph.
type Node struct {
	ID   string     `json:"id"`
	Type string     `json:"type"`
	Data NodeConfig `json:"data"`
}

// EdgeData carries the optional condition predicate of an edge.
type EdgeData struct {
	Condition string `json:"condition,omitempty"`
}

// Edge is one directed dependency between two nodes. An optional
// condition string gates the target on the source's output text.
type Edge struct {
	Source string    `json:"source"`
	Target string    `json:"target"`
	Data   *EdgeData `json:"data,omitempty"`
}

// Condition returns the edge's condition string, empty when absent.
func (e Edge) Condition() string {
	if e.Data == nil {
		return ""
	}
	return e.Data.Condition
}

// Graph is a workflow definition as submitted by the client.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ParseGraph decodes a stored graph document.
func ParseGraph(raw json.RawMessage) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("failed to parse graph: %w", err)
	}
	return &g, nil
}

// NodeIndex returns nodes keyed by id.
func (g *Graph) NodeIndex() map[string]Node {
	idx := make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		idx[n.ID] = n
	}
	return idx
}

// ValidateGraph enforces structural well-formedness at admission time:
// unique node ids and edges whose endpoints name existing nodes. The
// planner itself tolerates dangling edges; the admission layer does not.
func ValidateGraph(g *Graph) error {
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range g.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("edge source %q is not a node", e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("edge target %q is not a node", e.Target)
		}
	}
	return nil
}
