package engine

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Plan error codes surfaced to the admission API.
const (
	CodeEmptyWorkflow      = "EMPTY_WORKFLOW"
	CodeCircularDependency = "CIRCULAR_DEPENDENCY"
)

// PlanError is a planning failure with a machine-readable code. For
// CIRCULAR_DEPENDENCY, CycleNodes carries every node still holding a
// positive in-degree after Kahn elimination, which includes every node
// on a cycle.
type PlanError struct {
	Code       string
	Message    string
	CycleNodes []string
}

// Error implements the error interface.
func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AgentPlanEntry is one scheduled node together with its configuration,
// frozen at planning time.
type AgentPlanEntry struct {
	NodeID string     `json:"node_id"`
	Config NodeConfig `json:"config"`
}

// ParallelGroup is a set of agents that run concurrently. Group k runs
// only after group k-1 is fully complete.
type ParallelGroup struct {
	Group  int              `json:"group"`
	Agents []AgentPlanEntry `json:"agents"`
}

// ExecutionPlan is the planner's output: an ordered series of parallel
// groups plus summary figures. Plans serialize losslessly through the
// job-queue payload.
type ExecutionPlan struct {
	Groups          []ParallelGroup `json:"groups"`
	TotalAgents     int             `json:"total_agents"`
	MaxParallelism  int             `json:"max_parallelism"`
	EstimatedRounds int             `json:"estimated_rounds"`
}

// ParsePlan decodes a stored execution plan.
func ParsePlan(raw json.RawMessage) (*ExecutionPlan, error) {
	var p ExecutionPlan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse execution plan: %w", err)
	}
	return &p, nil
}

// Plan layers a workflow graph into parallel groups.
//
// Steps:
//  1. Build adjacency from edges whose endpoints both exist in the
//     graph; dangling edges are ignored here (admission validates).
//  2. Detect cycles via Kahn elimination; leftover positive-in-degree
//     nodes form the cycle witness.
//  3. Topologically order via Kahn with a deterministic tie-break:
//     simultaneously-free nodes are emitted in ascending lexicographic
//     order of node id, so identical graphs yield identical plans.
//  4. Assign each node the earliest group it can occupy:
//     group(n) = 0 when it has no dependencies, otherwise
//     1 + max(group(dep)). Every dependency is a data dependency, so a
//     group boundary doubles as a synchronization barrier.
//
// Fails with EMPTY_WORKFLOW for a graph without nodes and with
// CIRCULAR_DEPENDENCY when any cycle exists.
func Plan(g *Graph) (*ExecutionPlan, error) {
	if len(g.Nodes) == 0 {
		return nil, &PlanError{
			Code:    CodeEmptyWorkflow,
			Message: "workflow has no nodes",
		}
	}

	nodeIndex := g.NodeIndex()

	deps := make(map[string][]string, len(g.Nodes))       // incoming
	dependents := make(map[string][]string, len(g.Nodes)) // outgoing
	for _, n := range g.Nodes {
		deps[n.ID] = nil
		dependents[n.ID] = nil
	}
	for _, e := range g.Edges {
		if _, ok := nodeIndex[e.Source]; !ok {
			continue
		}
		if _, ok := nodeIndex[e.Target]; !ok {
			continue
		}
		deps[e.Target] = append(deps[e.Target], e.Source)
		dependents[e.Source] = append(dependents[e.Source], e.Target)
	}

	if cycle := findCycle(deps, dependents); len(cycle) > 0 {
		return nil, &PlanError{
			Code:       CodeCircularDependency,
			Message:    fmt.Sprintf("workflow contains a cycle involving %d nodes", len(cycle)),
			CycleNodes: cycle,
		}
	}

	order := topoOrder(deps, dependents)

	// Longest-path layering over the topological order. Because order
	// respects dependencies, each node's deps are grouped before it.
	group := make(map[string]int, len(order))
	for _, id := range order {
		if len(deps[id]) == 0 {
			group[id] = 0
			continue
		}
		maxDep := -1
		for _, d := range deps[id] {
			if group[d] > maxDep {
				maxDep = group[d]
			}
		}
		group[id] = maxDep + 1
	}

	numGroups := 0
	for _, gi := range group {
		if gi+1 > numGroups {
			numGroups = gi + 1
		}
	}

	groups := make([]ParallelGroup, numGroups)
	for i := range groups {
		groups[i].Group = i
	}
	// Topological emission order within each group keeps plans stable.
	for _, id := range order {
		gi := group[id]
		groups[gi].Agents = append(groups[gi].Agents, AgentPlanEntry{
			NodeID: id,
			Config: nodeIndex[id].Data,
		})
	}

	maxParallelism := 0
	for _, pg := range groups {
		if len(pg.Agents) > maxParallelism {
			maxParallelism = len(pg.Agents)
		}
	}

	return &ExecutionPlan{
		Groups:          groups,
		TotalAgents:     len(order),
		MaxParallelism:  maxParallelism,
		EstimatedRounds: numGroups,
	}, nil
}

// findCycle runs Kahn elimination and returns the nodes never removed,
// sorted for stable reporting. Empty result means acyclic.
func findCycle(deps, dependents map[string][]string) []string {
	inDegree := make(map[string]int, len(deps))
	for id, in := range deps {
		inDegree[id] = len(in)
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	removed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if removed == len(deps) {
		return nil
	}
	var cycle []string
	for id, d := range inDegree {
		if d > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}

// topoOrder runs Kahn with the lexicographic tie-break. Callers must
// have established acyclicity first.
func topoOrder(deps, dependents map[string][]string) []string {
	inDegree := make(map[string]int, len(deps))
	for id, in := range deps {
		inDegree[id] = len(in)
	}

	var ready []string
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(deps))
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return order
}
