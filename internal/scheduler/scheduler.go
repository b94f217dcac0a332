// Package scheduler builds the dependency graph of a workflow definition,
// computes ready frontiers and execution levels, and evaluates conditional
// and loop edges. Grounded on the teacher's executor/graph.go
// (WorkflowGraph/GetReadyNodes/TopologicalSort/cycle detection), generalized
// from the teacher's single node-config shape to domain.WorkflowDefinition.
package scheduler

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/riftlabs/flowengine/internal/domain"
)

// DependencyGraph is the deps/dependents index built from the sequential and
// forward-parallel part of a workflow's edges, per spec §4.F.
type DependencyGraph struct {
	Deps       map[string]map[string]bool // node -> set of nodes it depends on
	Dependents map[string]map[string]bool // node -> set of nodes that depend on it
}

// BuildDependencyGraph indexes sequential and parallel (forward) edges only;
// conditional and loop edges do not contribute static dependencies since
// their targets are only known at evaluation time.
func BuildDependencyGraph(wf *domain.WorkflowDefinition) *DependencyGraph {
	g := &DependencyGraph{
		Deps:       make(map[string]map[string]bool, len(wf.Nodes)),
		Dependents: make(map[string]map[string]bool, len(wf.Nodes)),
	}
	for id := range wf.Nodes {
		g.Deps[id] = map[string]bool{}
		g.Dependents[id] = map[string]bool{}
	}
	for _, e := range wf.Edges {
		if e.Type != domain.EdgeSequential && e.Type != domain.EdgeParallel {
			continue
		}
		for _, to := range e.TargetIDs() {
			if to == "" {
				continue
			}
			if g.Deps[to] == nil {
				g.Deps[to] = map[string]bool{}
			}
			g.Deps[to][e.From] = true
			if g.Dependents[e.From] == nil {
				g.Dependents[e.From] = map[string]bool{}
			}
			g.Dependents[e.From][to] = true
		}
	}
	return g
}

// GetReadyNodes returns every node in pending whose dependencies are a
// subset of completed.
func GetReadyNodes(g *DependencyGraph, completed map[string]bool, pending []string) []string {
	ready := make([]string, 0, len(pending))
	for _, id := range pending {
		deps := g.Deps[id]
		allDone := true
		for dep := range deps {
			if !completed[dep] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// CyclicOrUnreachableError is raised by GetExecutionLevels when a non-empty
// pending set has no ready nodes — either a cycle in the non-loop subgraph
// or a node whose dependency is never completed.
type CyclicOrUnreachableError struct {
	Remaining []string
}

func (e *CyclicOrUnreachableError) Error() string {
	return fmt.Sprintf("cyclic or unreachable nodes: %v", e.Remaining)
}

// GetExecutionLevels performs Kahn-style level assignment over the
// dependency graph: level 0 is every node with no dependencies, level k+1 is
// every remaining node whose dependencies are all in levels <= k.
func GetExecutionLevels(wf *domain.WorkflowDefinition) ([][]string, error) {
	g := BuildDependencyGraph(wf)
	completed := map[string]bool{}
	pending := make([]string, 0, len(wf.Nodes))
	for id := range wf.Nodes {
		pending = append(pending, id)
	}

	var levels [][]string
	for len(pending) > 0 {
		ready := GetReadyNodes(g, completed, pending)
		if len(ready) == 0 {
			return nil, &CyclicOrUnreachableError{Remaining: append([]string(nil), pending...)}
		}
		levels = append(levels, ready)
		readySet := make(map[string]bool, len(ready))
		for _, id := range ready {
			completed[id] = true
			readySet[id] = true
		}
		next := pending[:0:0]
		for _, id := range pending {
			if !readySet[id] {
				next = append(next, id)
			}
		}
		pending = next
	}
	return levels, nil
}

// GetNextNodes evaluates every outgoing edge of currentNode against state
// and returns the deduplicated, order-preserving list of next node ids.
//
// - sequential/parallel: the static target(s), always included.
// - conditional: Condition is an expr-lang expression evaluated against
//   state; it must yield a target id or a list of target ids, and only ids
//   also present in Targets are honored.
// - loop: LoopCondition true routes to BackTo, false to ExitTo.
func GetNextNodes(wf *domain.WorkflowDefinition, currentNode string, state domain.State) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	env := map[string]any(state)
	for _, e := range wf.Edges {
		if e.From != currentNode {
			continue
		}
		switch e.Type {
		case domain.EdgeSequential:
			add(e.To)
		case domain.EdgeParallel:
			for _, to := range e.ToSet {
				add(to)
			}
		case domain.EdgeConditional:
			result, err := expr.Eval(e.Condition, env)
			if err != nil {
				return nil, domain.NewDomainError(domain.ErrCodeInvalidState,
					fmt.Sprintf("conditional edge from %q: evaluating %q", currentNode, e.Condition), err)
			}
			allowed := make(map[string]bool, len(e.Targets))
			for _, t := range e.Targets {
				allowed[t] = true
			}
			for _, id := range toStringSlice(result) {
				if allowed[id] {
					add(id)
				}
			}
		case domain.EdgeLoop:
			result, err := expr.Eval(e.LoopCondition, env)
			if err != nil {
				return nil, domain.NewDomainError(domain.ErrCodeInvalidState,
					fmt.Sprintf("loop edge from %q: evaluating %q", currentNode, e.LoopCondition), err)
			}
			if truthy(result) {
				add(e.BackTo)
			} else {
				add(e.ExitTo)
			}
		}
	}
	return out, nil
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// RunParallel executes tasks in fixed-size chunks of at most maxConcurrency,
// joining at each chunk boundary before starting the next. Result order
// matches input order. Grounded on spec §9's explicit steer away from the
// teacher's promise-race idiom toward this simpler chunked barrier.
func RunParallel[T any](tasks []func() (T, error), maxConcurrency int) ([]T, []error) {
	if maxConcurrency <= 0 {
		maxConcurrency = len(tasks)
	}
	results := make([]T, len(tasks))
	errs := make([]error, len(tasks))

	for start := 0; start < len(tasks); start += maxConcurrency {
		end := start + maxConcurrency
		if end > len(tasks) {
			end = len(tasks)
		}
		done := make(chan int, end-start)
		for i := start; i < end; i++ {
			go func(i int) {
				results[i], errs[i] = tasks[i]()
				done <- i
			}(i)
		}
		for range end - start {
			<-done
		}
	}
	return results, errs
}
