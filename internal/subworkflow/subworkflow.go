// Package subworkflow implements spec §4.N: the recursive sub-workflow
// primitive and the parallel patterns (parallelSubworkflows, fanOutFanIn,
// scatterGather, race, fallback) built on top of it. The one fan-out
// primitive every pattern here composes is grounded on the teacher's
// executor/engine.go executeWave: a semaphore-bounded sync.WaitGroup, used
// here as a generic bounded-concurrency helper rather than a wave-of-nodes
// runner.
package subworkflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riftlabs/flowengine/internal/approval"
	"github.com/riftlabs/flowengine/internal/domain"
	"github.com/riftlabs/flowengine/internal/engine"
	"github.com/riftlabs/flowengine/internal/store"
)

// RunnerDeps bundles the collaborators a child execution needs; the same
// shape as internal/manager hands to every run, minus the queue/dispatch
// concerns a sub-workflow doesn't use (it runs synchronously, inline, in
// the parent's calling goroutine).
type RunnerDeps struct {
	Breakers    *engine.Registry
	Idempotency *engine.IdempotencyStore
	DLQ         engine.DLQStore
	Approvals   *approval.Store
	Checkpoints engine.CheckpointStore
	MaxWave     int
}

// Runner executes child workflows on behalf of SubWorkflowNode dispatch.
// internal/manager constructs one Runner per Manager and supplies its
// Execute method as the engine.SubWorkflowRunner function value injected
// into every Executor's Deps, breaking the engine<->subworkflow import
// cycle (engine.Executor needs to call out to a sub-workflow, but
// subworkflow.Runner needs to construct an engine.Executor to recurse).
type Runner struct {
	deps RunnerDeps
}

// NewRunner builds a sub-workflow runner sharing deps with the parent
// manager's executors.
func NewRunner(deps RunnerDeps) *Runner {
	return &Runner{deps: deps}
}

// AsEngineRunner adapts Runner.Execute to the engine.SubWorkflowRunner shape.
func (r *Runner) AsEngineRunner() engine.SubWorkflowRunner {
	return r.Execute
}

// Execute runs spec.Child to completion, enforcing the depth limit,
// input/output mapping and error strategy from spec §4.N. No precondition
// is checked before the child starts.
func (r *Runner) Execute(ctx context.Context, spec *domain.SubWorkflowSpec, parentRunID, parentNodeID string, depth int, parentState domain.State) (domain.Patch, error) {
	maxDepth := spec.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 10
	}
	if depth >= maxDepth {
		return nil, domain.NewDomainError(domain.ErrCodeMaxDepthExceeded,
			fmt.Sprintf("sub-workflow depth %d exceeds max %d", depth, maxDepth), nil)
	}

	switch spec.ErrorStrategy {
	case domain.SubWorkflowRetry:
		return r.executeWithRetryStrategy(ctx, spec, parentRunID, parentNodeID, depth, parentState)
	default:
		return r.executeOnce(ctx, spec, parentRunID, parentNodeID, depth, parentState)
	}
}

func (r *Runner) executeWithRetryStrategy(ctx context.Context, spec *domain.SubWorkflowSpec, parentRunID, parentNodeID string, depth int, parentState domain.State) (domain.Patch, error) {
	maxAttempts := spec.RetryMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		patch, err := r.executeOnce(ctx, spec, parentRunID, parentNodeID, depth, parentState)
		if err == nil {
			return patch, nil
		}
		lastErr = err
		if attempt < maxAttempts && spec.RetryDelay > 0 {
			timer := time.NewTimer(spec.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, lastErr
}

func (r *Runner) executeOnce(ctx context.Context, spec *domain.SubWorkflowSpec, parentRunID, parentNodeID string, depth int, parentState domain.State) (domain.Patch, error) {
	childState := parentState
	if spec.InputMapper != nil {
		childState = spec.InputMapper(parentState)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	// Per spec §9's resolution of the checkpoint open question, the child's
	// checkpoint is namespaced by (parentRunID, parentNodeID), not by a
	// freshly-minted run id — so a parent resuming after a crash can find
	// the same slot. The child resumes from whatever checkpoint the slot
	// holds (a completed child deletes its checkpoint; a failed or paused one
	// leaves its last one) and starts from scratch when the slot is empty
	// (the fresh uuid below is only the run's identity for logging, not its
	// checkpoint key).
	childID := uuid.NewString()
	checkpointKey := store.NamespacedKey(parentRunID, parentNodeID)

	child := domain.NewRunRecord(childID, spec.Child.Name, childState, 0, time.Now(), nil)
	child.ForceMutate(func(rr *domain.RunRecord) {
		rr.ParentRunID = parentRunID
		rr.ParentNodeID = parentNodeID
		rr.Depth = depth + 1
	})

	var checkpoints engine.CheckpointStore
	if r.deps.Checkpoints != nil {
		checkpoints = &keyedCheckpoint{inner: r.deps.Checkpoints, key: checkpointKey}
	}

	exec := engine.NewExecutor(spec.Child, child, engine.Deps{
		Breakers:       r.deps.Breakers,
		Idempotency:    r.deps.Idempotency,
		DLQ:            r.deps.DLQ,
		Approvals:      r.deps.Approvals,
		Checkpoints:    checkpoints,
		RunSubWorkflow: r.AsEngineRunner(),
	}, r.deps.MaxWave)

	err := exec.Run(runCtx)
	finalState := child.Snapshot().State

	switch spec.ErrorStrategy {
	case domain.SubWorkflowIgnore:
		if err != nil {
			return domain.Patch{}, nil
		}
	case domain.SubWorkflowCatch:
		if err != nil {
			return domain.Patch{"error": err.Error(), "failed": true}, nil
		}
	default: // propagate, retry (retry wraps this call)
		if err != nil {
			return nil, err
		}
	}

	if spec.OutputMapper != nil {
		return spec.OutputMapper(parentState, finalState), nil
	}
	return domain.Patch(finalState), nil
}

// keyedCheckpoint pins every Put/Get/Delete the executor issues (which are
// always keyed by the run's own id) to one fixed (parentRunID,
// parentNodeID) namespace key instead, per spec §9: the child gets a fresh
// run id on every invocation, but its checkpoint slot must stay stable
// across the parent's retries/resumes of the same sub-workflow node.
type keyedCheckpoint struct {
	inner engine.CheckpointStore
	key   string
}

func (k *keyedCheckpoint) Put(ctx context.Context, _ string, snapshot engine.Checkpoint) error {
	return k.inner.Put(ctx, k.key, snapshot)
}

func (k *keyedCheckpoint) Get(ctx context.Context, _ string) (engine.Checkpoint, bool, error) {
	return k.inner.Get(ctx, k.key)
}

func (k *keyedCheckpoint) Delete(ctx context.Context, _ string) error {
	return k.inner.Delete(ctx, k.key)
}

// ParallelConfig is one child configuration for ParallelSubworkflows.
type ParallelConfig struct {
	ID   string
	Spec *domain.SubWorkflowSpec
}

// ParallelResult pairs a child config id with its outcome.
type ParallelResult struct {
	ID    string
	Patch domain.Patch
	Err   error
}

// ParallelSubworkflows runs N distinct child configs bounded by
// concurrency; if continueOnError is false, the first error cancels the
// remaining in-flight children's context (best-effort: the children must
// cooperatively observe ctx).
func (r *Runner) ParallelSubworkflows(ctx context.Context, configs []ParallelConfig, parentRunID, parentNodeID string, depth int, parentState domain.State, concurrency int, continueOnError bool) []ParallelResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]ParallelResult, len(configs))
	sem := make(chan struct{}, boundedConcurrency(concurrency, len(configs)))
	var wg sync.WaitGroup
	var failFast sync.Once

	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg ParallelConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			patch, err := r.Execute(runCtx, cfg.Spec, parentRunID, parentNodeID, depth, parentState)
			results[i] = ParallelResult{ID: cfg.ID, Patch: patch, Err: err}
			if err != nil && !continueOnError {
				failFast.Do(cancel)
			}
		}(i, cfg)
	}
	wg.Wait()
	return results
}

// FanOutFanIn runs the same workflow with N different inputs and aggregates
// the results with aggregate.
func (r *Runner) FanOutFanIn(ctx context.Context, spec *domain.SubWorkflowSpec, inputs []domain.State, parentRunID, parentNodeID string, depth int, concurrency int, aggregate func([]domain.Patch) domain.Patch) (domain.Patch, error) {
	results := make([]domain.Patch, len(inputs))
	errs := make([]error, len(inputs))
	sem := make(chan struct{}, boundedConcurrency(concurrency, len(inputs)))
	var wg sync.WaitGroup

	for i, input := range inputs {
		wg.Add(1)
		go func(i int, input domain.State) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			patch, err := r.Execute(ctx, spec, parentRunID, fmt.Sprintf("%s[%d]", parentNodeID, i), depth, input)
			results[i], errs[i] = patch, err
		}(i, input)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return aggregate(results), nil
}

// ScatterGatherConfig pairs a child id/workflow/input triple.
type ScatterGatherConfig struct {
	ID    string
	Spec  *domain.SubWorkflowSpec
	Input domain.State
}

// ScatterGather runs different workflows with per-id inputs and gathers
// every result (including errors, per-id).
func (r *Runner) ScatterGather(ctx context.Context, configs []ScatterGatherConfig, parentRunID, parentNodeID string, depth int, concurrency int) []ParallelResult {
	results := make([]ParallelResult, len(configs))
	sem := make(chan struct{}, boundedConcurrency(concurrency, len(configs)))
	var wg sync.WaitGroup

	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg ScatterGatherConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			patch, err := r.Execute(ctx, cfg.Spec, parentRunID, parentNodeID, depth, cfg.Input)
			results[i] = ParallelResult{ID: cfg.ID, Patch: patch, Err: err}
		}(i, cfg)
	}
	wg.Wait()
	return results
}

// Race returns the first successful child result and cancels the rest.
func (r *Runner) Race(ctx context.Context, configs []ParallelConfig, parentRunID, parentNodeID string, depth int, parentState domain.State) (domain.Patch, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		patch domain.Patch
		err   error
	}
	resultCh := make(chan outcome, len(configs))

	for _, cfg := range configs {
		cfg := cfg
		go func() {
			patch, err := r.Execute(raceCtx, cfg.Spec, parentRunID, parentNodeID, depth, parentState)
			resultCh <- outcome{patch: patch, err: err}
		}()
	}

	var lastErr error
	for range configs {
		res := <-resultCh
		if res.err == nil {
			cancel()
			return res.patch, nil
		}
		lastErr = res.err
	}
	return nil, lastErr
}

// Fallback tries children sequentially until one succeeds.
func (r *Runner) Fallback(ctx context.Context, configs []ParallelConfig, parentRunID, parentNodeID string, depth int, parentState domain.State) (domain.Patch, error) {
	var lastErr error
	for _, cfg := range configs {
		patch, err := r.Execute(ctx, cfg.Spec, parentRunID, parentNodeID, depth, parentState)
		if err == nil {
			return patch, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func boundedConcurrency(requested, total int) int {
	if requested <= 0 || requested > total {
		if total <= 0 {
			return 1
		}
		return total
	}
	return requested
}
