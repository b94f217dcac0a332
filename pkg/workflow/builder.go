// Package workflow is the public, fluent API for assembling a
// domain.WorkflowDefinition, grounded on the teacher's
// pkg/workflow.DefinitionBuilder chained-setter style.
package workflow

import (
	"time"

	"github.com/riftlabs/flowengine/internal/domain"
)

// Builder assembles nodes and edges into a domain.WorkflowDefinition. Every
// method returns the receiver so calls chain; Build validates the result
// before returning it.
type Builder struct {
	name         string
	initialState domain.State
	nodes        map[string]*domain.NodeSpec
	edges        []domain.Edge
}

// New starts a builder for a workflow named name.
func New(name string) *Builder {
	return &Builder{
		name:  name,
		nodes: map[string]*domain.NodeSpec{},
	}
}

// InitialState sets the state a run starts with when no input overrides it.
func (b *Builder) InitialState(state domain.State) *Builder {
	b.initialState = state
	return b
}

// AddNode registers a plain function node; it adds no edges.
func (b *Builder) AddNode(id string, fn domain.NodeFunc, opts ...NodeOption) *Builder {
	return b.addNode(&domain.NodeSpec{ID: id, Kind: domain.KindFunction, Fn: fn}, opts...)
}

// AddHumanNode registers an approval-gate node.
func (b *Builder) AddHumanNode(id string, approval *domain.ApprovalSpec, opts ...NodeOption) *Builder {
	return b.addNode(&domain.NodeSpec{ID: id, Kind: domain.KindHuman, Human: approval}, opts...)
}

// AddSubWorkflowNode registers a node that recurses into a child workflow.
func (b *Builder) AddSubWorkflowNode(id string, sub *domain.SubWorkflowSpec, opts ...NodeOption) *Builder {
	return b.addNode(&domain.NodeSpec{ID: id, Kind: domain.KindSubWorkflow, SubWorkflow: sub}, opts...)
}

func (b *Builder) addNode(spec *domain.NodeSpec, opts ...NodeOption) *Builder {
	for _, opt := range opts {
		opt(spec)
	}
	b.nodes[spec.ID] = spec
	return b
}

// NodeOption configures optional NodeSpec fields at AddNode time.
type NodeOption func(*domain.NodeSpec)

// WithRetry attaches a retry policy to the node.
func WithRetry(policy *domain.RetryPolicy) NodeOption {
	return func(n *domain.NodeSpec) { n.RetryPolicy = policy }
}

// WithCircuitBreaker gates the node behind the named circuit breaker.
func WithCircuitBreaker(key string) NodeOption {
	return func(n *domain.NodeSpec) { n.CircuitBreakerKey = key }
}

// WithTimeout bounds a single node attempt.
func WithTimeout(d time.Duration) NodeOption {
	return func(n *domain.NodeSpec) { n.Timeout = d }
}

// WithIdempotencyKey overrides the default content-hash idempotency key.
func WithIdempotencyKey(fn func(domain.State) string) NodeOption {
	return func(n *domain.NodeSpec) { n.IdempotencyKeyFn = fn }
}

// WithCompensation registers a rollback action for the node.
func WithCompensation(comp *domain.CompensationSpec) NodeOption {
	return func(n *domain.NodeSpec) { n.Compensation = comp }
}

// Then adds a sequential edge from -> to.
func (b *Builder) Then(from, to string) *Builder {
	b.edges = append(b.edges, domain.Sequential(from, to))
	return b
}

// Parallel adds a fan-out edge from -> each id in to.
func (b *Builder) Parallel(from string, to ...string) *Builder {
	b.edges = append(b.edges, domain.Parallel(from, to...))
	return b
}

// AddConditional adds a conditional edge: condition is an expr-lang
// expression over state, evaluated to pick which of targets to route to.
func (b *Builder) AddConditional(from, condition string, targets ...string) *Builder {
	b.edges = append(b.edges, domain.Conditional(from, condition, targets...))
	return b
}

// AddLoop adds a loop-back edge: condition true re-enters backTo, false
// exits forward to exitTo.
func (b *Builder) AddLoop(from, condition, backTo, exitTo string) *Builder {
	b.edges = append(b.edges, domain.Loop(from, condition, backTo, exitTo))
	return b
}

// Build validates and returns the assembled definition.
func (b *Builder) Build() (*domain.WorkflowDefinition, error) {
	wf := &domain.WorkflowDefinition{
		Name:         b.name,
		InitialState: b.initialState,
		Nodes:        b.nodes,
		Edges:        b.edges,
	}
	if err := wf.ValidateStructure(); err != nil {
		return nil, err
	}
	return wf, nil
}
