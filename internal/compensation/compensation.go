// Package compensation implements the Saga-style rollback manager from spec
// §4.G: a per-run registry of reversal actions, executed in
// parallel/reverse/forward order on failure. Grounded on the teacher's
// executor/error_strategies.go CompensationManager, generalized from
// LIFO-only unwinding to the spec's three-way ordered partition.
package compensation

import (
	"context"
	"time"

	"github.com/riftlabs/flowengine/internal/domain"
	"github.com/riftlabs/flowengine/internal/retry"
)

// Record is one registered-and-completed compensation entry.
type Record struct {
	NodeID          string
	OriginalResult  domain.Patch
	ReverseFn       func(ctx context.Context, state domain.State, originalResult domain.Patch) error
	Order           domain.CompensationOrder
	Condition       func(state domain.State) bool
	Timeout         time.Duration
	Retries         int
	executionIndex  int
}

// StepResult reports the outcome of one compensation step.
type StepResult struct {
	NodeID   string
	Skipped  bool
	Err      error
	Duration time.Duration
	Attempts int
}

// Report is returned by Compensate.
type Report struct {
	TriggeredBy      string
	Compensated      []StepResult
	TotalDuration    time.Duration
	AllSuccessful    bool
	PartialFailures  []string
}

// Manager is the per-run compensation registry. Not safe for use across
// runs; the executor owns one Manager per run attempt.
type Manager struct {
	registered     map[string]*Record
	executionOrder []string
}

// NewManager creates an empty per-run compensation registry.
func NewManager() *Manager {
	return &Manager{registered: map[string]*Record{}}
}

// RegisterCompensation records nodeID's reverse action; it only runs if
// MarkCompleted is later called for the same nodeID.
func (m *Manager) RegisterCompensation(nodeID string, reverseFn func(ctx context.Context, state domain.State, originalResult domain.Patch) error, opts Options) {
	order := opts.Order
	if order == "" {
		order = domain.CompensationReverse
	}
	m.registered[nodeID] = &Record{
		NodeID:    nodeID,
		ReverseFn: reverseFn,
		Order:     order,
		Condition: opts.Condition,
		Timeout:   opts.Timeout,
		Retries:   opts.Retries,
	}
}

// Options configures a single RegisterCompensation call.
type Options struct {
	Condition func(state domain.State) bool
	Order     domain.CompensationOrder
	Timeout   time.Duration
	Retries   int
}

// MarkCompleted appends nodeID to the execution order and stashes its
// result so a later compensation sweep can pass it back to the reverse fn.
func (m *Manager) MarkCompleted(nodeID string, result domain.Patch) {
	if rec, ok := m.registered[nodeID]; ok {
		rec.OriginalResult = result
		rec.executionIndex = len(m.executionOrder)
	}
	m.executionOrder = append(m.executionOrder, nodeID)
}

// compensableNodes returns registered-and-completed records in completion
// order. Condition is evaluated per-step at run time (see runStep) so a
// condition that evaluates false still appears in the report as Skipped,
// per spec scenario 3.
func (m *Manager) compensableNodes() []*Record {
	var out []*Record
	for _, nodeID := range m.executionOrder {
		if rec, ok := m.registered[nodeID]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Compensate runs every compensable node's reverse action: all `parallel`
// order nodes together, then `reverse` order nodes in reverse completion
// order, then `forward` order nodes in completion order. A step's own
// failure never aborts the sweep; failures are collected in the report.
func (m *Manager) Compensate(ctx context.Context, state domain.State, failedNodeID string, cause error) Report {
	start := time.Now()
	report := Report{TriggeredBy: failedNodeID, AllSuccessful: true}

	nodes := m.compensableNodes()
	var parallel, reverse, forward []*Record
	for _, rec := range nodes {
		switch rec.Order {
		case domain.CompensationParallel:
			parallel = append(parallel, rec)
		case domain.CompensationForward:
			forward = append(forward, rec)
		default:
			reverse = append(reverse, rec)
		}
	}
	// reverse-order nodes run in the opposite of their completion order
	for i, j := 0, len(reverse)-1; i < j; i, j = i+1, j-1 {
		reverse[i], reverse[j] = reverse[j], reverse[i]
	}

	run := func(rec *Record) StepResult {
		return m.runStep(ctx, state, rec)
	}

	if len(parallel) > 0 {
		done := make(chan StepResult, len(parallel))
		for _, rec := range parallel {
			rec := rec
			go func() { done <- run(rec) }()
		}
		for range parallel {
			report.Compensated = append(report.Compensated, <-done)
		}
	}
	for _, rec := range reverse {
		report.Compensated = append(report.Compensated, run(rec))
	}
	for _, rec := range forward {
		report.Compensated = append(report.Compensated, run(rec))
	}

	for _, r := range report.Compensated {
		if r.Err != nil {
			report.AllSuccessful = false
			report.PartialFailures = append(report.PartialFailures, r.NodeID)
		}
	}
	report.TotalDuration = time.Since(start)
	return report
}

func (m *Manager) runStep(ctx context.Context, state domain.State, rec *Record) StepResult {
	if rec.Condition != nil && !rec.Condition(state) {
		return StepResult{NodeID: rec.NodeID, Skipped: true}
	}

	stepCtx := ctx
	cancel := func() {}
	if rec.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, rec.Timeout)
	}
	defer cancel()

	start := time.Now()
	policy := &domain.RetryPolicy{
		MaxRetries:   rec.Retries,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Backoff:      domain.BackoffExponential,
		Classifier:   func(error) bool { return true },
	}
	_, retryResult, err := retry.ExecuteWithRetry(stepCtx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rec.ReverseFn(ctx, state, rec.OriginalResult)
	}, retry.RetryHooks{})

	return StepResult{
		NodeID:   rec.NodeID,
		Err:      err,
		Duration: time.Since(start),
		Attempts: retryResult.Attempts,
	}
}
