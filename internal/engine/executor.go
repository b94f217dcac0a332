package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/riftlabs/flowengine/internal/approval"
	"github.com/riftlabs/flowengine/internal/compensation"
	"github.com/riftlabs/flowengine/internal/domain"
	"github.com/riftlabs/flowengine/internal/retry"
	"github.com/riftlabs/flowengine/internal/scheduler"
)

// SubWorkflowRunner executes a child workflow on behalf of a SubWorkflowNode
// and returns the patch to merge into the parent's state. Implemented by
// internal/subworkflow, injected here to avoid a package cycle (the
// sub-workflow runner needs to construct an Executor to recurse).
type SubWorkflowRunner func(ctx context.Context, spec *domain.SubWorkflowSpec, parentRunID, parentNodeID string, depth int, parentState domain.State) (domain.Patch, error)

// CheckpointStore persists and restores a run's resumable state at node
// boundaries (component O); namespaced sub-workflow checkpoints use
// parentRunID/parentNodeID, never the bare run id.
type CheckpointStore interface {
	Put(ctx context.Context, runID string, snapshot Checkpoint) error
	Get(ctx context.Context, runID string) (Checkpoint, bool, error)
	Delete(ctx context.Context, runID string) error
}

// Checkpoint is the resumable slice of executor state written after every
// node boundary.
type Checkpoint struct {
	RunID        string
	State        domain.State
	Completed    map[string]bool
	Failed       map[string]bool
	Frontier     []string
	ReadyCounts  map[string]int
	SavedAt      time.Time
}

// Deps bundles the cross-cutting collaborators one Executor run uses. Every
// field may be nil to disable that concern (e.g. tests that don't need
// checkpointing or a circuit breaker).
type Deps struct {
	Breakers       *Registry
	Idempotency    *IdempotencyStore
	DLQ            DLQStore
	Approvals      *approval.Store
	Checkpoints    CheckpointStore
	RunSubWorkflow SubWorkflowRunner
	OnEscalate     func(req approval.Request)
	OnNodeEvent    func(event NodeEvent)
	CheckpointEvery int // write a checkpoint every N completed nodes; 0 = every node

	// PauseRequested is polled between waves (never mid-wave, so an
	// in-flight node and its pending retries always finish) to implement a
	// cooperative Pause distinct from a hard context cancellation (Cancel).
	PauseRequested func() bool

	// DLQRetention controls how long a terminally-failed run's DLQ entry
	// stays before it's eligible for sweeping; 0 falls back to
	// DefaultDLQRetention.
	DLQRetention time.Duration
}

// NodeEvent is emitted around node dispatch for logging/tracing/metrics
// observers; see internal/manager for the websocket broadcast consumer.
type NodeEvent struct {
	RunID    string
	NodeID   string
	Phase    string // "started", "completed", "failed", "skipped", "suspended", "compensated", "compensation_completed"
	Err      error
	Duration time.Duration
	// Output carries phase-specific structured detail, e.g. the
	// compensation.Report attached to a "compensation_completed" event.
	Output any
}

// Executor drives one run of a WorkflowDefinition to completion: an
// event-driven dataflow loop seeded at the nodes with no incoming edge of
// any type, propagating to the next frontier via scheduler.GetNextNodes as
// each node completes. Grounded on the teacher's three-phase
// WorkflowEngine (Plan → Execute → Finalize), generalized so node dispatch
// pipes through circuit-breaker → idempotency → retry instead of retry
// alone, and human/sub-workflow nodes suspend the calling goroutine rather
// than being ordinary synchronous node types.
type Executor struct {
	wf    *domain.WorkflowDefinition
	run   *domain.RunRecord
	deps  Deps
	comp  *compensation.Manager
	graph *scheduler.DependencyGraph

	readyCount map[string]int
	maxWave    int
}

// NewExecutor builds an executor for one run attempt. depth/parent fields
// on run are used only to namespace checkpoints for sub-workflow runs.
func NewExecutor(wf *domain.WorkflowDefinition, run *domain.RunRecord, deps Deps, maxWaveConcurrency int) *Executor {
	e := &Executor{
		wf:         wf,
		run:        run,
		deps:       deps,
		comp:       compensation.NewManager(),
		graph:      scheduler.BuildDependencyGraph(wf),
		readyCount: map[string]int{},
		maxWave:    maxWaveConcurrency,
	}
	for id, node := range wf.Nodes {
		if node.Compensation != nil {
			e.comp.RegisterCompensation(id, node.Compensation.ReverseFn, compensation.Options{
				Condition: node.Compensation.Condition,
				Order:     node.Compensation.Order,
				Timeout:   node.Compensation.Timeout,
				Retries:   node.Compensation.Retries,
			})
		}
	}
	return e
}

// allTargets is every node id addressed by some edge, of any type.
func (e *Executor) allTargets() map[string]bool {
	out := map[string]bool{}
	for _, edge := range e.wf.Edges {
		for _, t := range edge.TargetIDs() {
			if t != "" {
				out[t] = true
			}
		}
	}
	return out
}

// Run drives the workflow to a terminal run status, or to RunPaused if
// Deps.PauseRequested reports true between waves. A nil return means the run
// reached RunCompleted; a *domain.DomainError with ErrCodePaused means it
// suspended cooperatively and a checkpoint was written for Resume. A
// cancelled ctx is recorded as RunCancelled and returns ctx.Err(); an error
// restoring the checkpoint is returned as-is with the run left RunRunning.
// Any other non-nil return has already been recorded on run via
// SetStatus(RunFailed, ...) and, if a DLQ/compensation manager are
// configured, already swept.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.wf.ValidateStructure(); err != nil {
		e.run.SetStatus(domain.RunFailed, domain.NewErrorInfo(err))
		return err
	}

	e.run.Mutate(func(r *domain.RunRecord) {})
	e.run.SetStatus(domain.RunRunning, nil)

	if err := e.restoreCheckpoint(ctx); err != nil {
		return err
	}

	frontier := e.run.Snapshot().CurrentNodes
	if len(frontier) == 0 {
		targets := e.allTargets()
		for id := range e.wf.Nodes {
			if !targets[id] {
				frontier = append(frontier, id)
			}
		}
	}

	nodesRun := 0
	for len(frontier) > 0 {
		select {
		case <-ctx.Done():
			e.run.SetStatus(domain.RunCancelled, domain.NewErrorInfo(ctx.Err()))
			return ctx.Err()
		default:
		}

		if e.deps.PauseRequested != nil && e.deps.PauseRequested() {
			_ = e.writeCheckpoint(ctx, frontier)
			e.run.SetStatus(domain.RunPaused, nil)
			return domain.NewDomainError(domain.ErrCodePaused, "run paused", nil)
		}

		completed := e.run.CompletedSet()
		dispatchable := make([]string, 0, len(frontier))
		for _, id := range frontier {
			if completed[id] {
				// loop re-entry: clear so it can run again
				e.run.ForceMutate(func(r *domain.RunRecord) { delete(r.Completed, id) })
			}
			dispatchable = append(dispatchable, id)
		}

		type outcome struct {
			id    string
			patch domain.Patch
			err   error
		}
		tasks := make([]func() (outcome, error), len(dispatchable))
		for i, id := range dispatchable {
			id := id
			tasks[i] = func() (outcome, error) {
				patch, err := e.dispatchNode(ctx, id)
				return outcome{id: id, patch: patch, err: err}, nil
			}
		}
		results, _ := scheduler.RunParallel(tasks, e.maxWave)

		var next []string
		for _, res := range results {
			if res.err != nil {
				e.run.MarkNodeFailed(res.id)
				return e.handleTerminalFailure(ctx, res.id, res.err)
			}
			e.run.MarkNodeCompleted(res.id, res.patch)
			e.comp.MarkCompleted(res.id, res.patch)
			nodesRun++

			state := e.run.Snapshot().State
			nexts, err := scheduler.GetNextNodes(e.wf, res.id, state)
			if err != nil {
				e.run.MarkNodeFailed(res.id)
				return e.handleTerminalFailure(ctx, res.id, err)
			}
			for _, n := range nexts {
				if e.nodeReady(n) {
					next = append(next, n)
				}
			}

			if e.deps.CheckpointEvery <= 0 || nodesRun%max(1, e.deps.CheckpointEvery) == 0 {
				_ = e.writeCheckpoint(ctx, next)
			}
		}

		frontier = dedupeStrings(next)
		e.run.ForceMutate(func(r *domain.RunRecord) { r.CurrentNodes = append([]string(nil), frontier...) })
	}

	e.run.SetStatus(domain.RunCompleted, nil)
	if e.deps.Checkpoints != nil {
		_ = e.deps.Checkpoints.Delete(ctx, e.run.ID)
	}
	return nil
}

// nodeReady reports whether n's required (sequential/parallel) predecessors
// have all completed, tracking arrivals cumulatively so a later loop
// re-entry doesn't need every predecessor to re-fire.
func (e *Executor) nodeReady(n string) bool {
	deps := e.graph.Deps[n]
	if len(deps) == 0 {
		return true
	}
	e.readyCount[n]++
	return e.readyCount[n] >= len(deps) || e.allDepsCompleted(n)
}

func (e *Executor) allDepsCompleted(n string) bool {
	completed := e.run.CompletedSet()
	for dep := range e.graph.Deps[n] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// dispatchNode runs one node's full pipeline: idempotency short-circuit,
// then circuit-breaker-gated retry of the underlying function/human
// gate/sub-workflow call.
func (e *Executor) dispatchNode(ctx context.Context, nodeID string) (domain.Patch, error) {
	node, ok := e.wf.GetNode(nodeID)
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "unknown node: "+nodeID, nil)
	}
	e.emit(NodeEvent{RunID: e.run.ID, NodeID: nodeID, Phase: "started"})
	start := time.Now()

	snapshot := e.run.Snapshot().State

	var idemKey string
	if node.IdempotencyKeyFn != nil {
		idemKey = node.IdempotencyKeyFn(snapshot)
	} else if e.deps.Idempotency != nil {
		if k, err := IdempotencyKey(e.wf.Name, nodeID, snapshot); err == nil {
			idemKey = k
		}
	}
	if e.deps.Idempotency != nil && idemKey != "" {
		if rec, ok := e.deps.Idempotency.Check(idemKey); ok {
			if rec.Err != "" {
				return nil, fmt.Errorf("node %s: memoized failure: %s", nodeID, rec.Err)
			}
			e.emit(NodeEvent{RunID: e.run.ID, NodeID: nodeID, Phase: "completed", Duration: time.Since(start)})
			return rec.Result, nil
		}
	}

	runFn := func(ctx context.Context) (domain.Patch, error) {
		switch node.Kind {
		case domain.KindHuman:
			return e.runHumanGate(ctx, node, snapshot)
		case domain.KindSubWorkflow:
			return e.runSubWorkflow(ctx, node, snapshot)
		default:
			return node.Fn(ctx, snapshot)
		}
	}

	wrapped := runFn
	if node.CircuitBreakerKey != "" && e.deps.Breakers != nil {
		wrapped = func(ctx context.Context) (domain.Patch, error) {
			var patch domain.Patch
			err := e.deps.Breakers.Execute(node.CircuitBreakerKey, func() error {
				var innerErr error
				patch, innerErr = runFn(ctx)
				return innerErr
			})
			return patch, err
		}
	}

	policy := node.RetryPolicy
	if policy == nil {
		policy = domain.DefaultRetryPolicy()
	}

	nodeCtx := ctx
	cancel := func() {}
	if node.Timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, node.Timeout)
	}
	defer cancel()

	patch, _, err := retry.ExecuteWithRetry(nodeCtx, policy, wrapped, retry.RetryHooks{})

	if e.deps.Idempotency != nil && idemKey != "" && err == nil {
		e.deps.Idempotency.Store(idemKey, patch)
	}

	if err != nil {
		e.emit(NodeEvent{RunID: e.run.ID, NodeID: nodeID, Phase: "failed", Err: err, Duration: time.Since(start)})
	} else {
		e.emit(NodeEvent{RunID: e.run.ID, NodeID: nodeID, Phase: "completed", Duration: time.Since(start)})
	}
	return patch, err
}

func (e *Executor) emit(evt NodeEvent) {
	if e.deps.OnNodeEvent != nil {
		e.deps.OnNodeEvent(evt)
	}
}

// runHumanGate suspends dispatch on an approval request until a response
// arrives, the context is cancelled, or the request's timeout elapses — in
// which case TimeoutAction resolves it (approve/reject) or escalates and
// keeps waiting.
func (e *Executor) runHumanGate(ctx context.Context, node *domain.NodeSpec, state domain.State) (domain.Patch, error) {
	if e.deps.Approvals == nil {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidState, "human node requires an approval store", nil)
	}
	spec := node.Human
	req := e.deps.Approvals.CreateRequest(approval.Request{
		WorkflowID:    e.wf.Name,
		RunID:         e.run.ID,
		NodeID:        node.ID,
		Type:          spec.Type,
		Title:         spec.Title,
		Description:   spec.Description,
		Assignee:      spec.Assignee,
		Choices:       spec.Choices,
		Timeout:       spec.Timeout,
		TimeoutAction: spec.TimeoutAction,
	})
	e.emit(NodeEvent{RunID: e.run.ID, NodeID: node.ID, Phase: "suspended"})
	e.run.SetStatus(domain.RunPaused, nil)
	defer e.run.SetStatus(domain.RunRunning, nil)

	respCh := make(chan approval.Response, 1)
	e.deps.Approvals.OnResponse(req.ID, func(r approval.Response) {
		select {
		case respCh <- r:
		default:
		}
	})

	for {
		var timeoutCh <-chan time.Time
		if spec.Timeout > 0 {
			timer := time.NewTimer(spec.Timeout)
			defer timer.Stop()
			timeoutCh = timer.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-respCh:
			return approvalPatch(spec, r), nil
		case <-timeoutCh:
			e.deps.Approvals.ApplyTimeout(*req, func(escalated approval.Request) {
				if e.deps.OnEscalate != nil {
					e.deps.OnEscalate(escalated)
				}
			})
			got, ok := e.deps.Approvals.Get(req.ID)
			if ok && got.Resolved {
				return approvalPatch(spec, *got.Response), nil
			}
			// escalated: keep waiting for a real response, re-arming the timer
			req = &got
		}
	}
}

// approvalPatch writes the approval decision under ResponseKey (or "decision"
// if unset) plus responder metadata.
func approvalPatch(spec *domain.ApprovalSpec, r approval.Response) domain.Patch {
	key := spec.ResponseKey
	if key == "" {
		key = "decision"
	}
	return domain.Patch{
		key:              r.Decision,
		key + "_by":      r.RespondedBy,
		key + "_comment": r.Comment,
	}
}

func (e *Executor) runSubWorkflow(ctx context.Context, node *domain.NodeSpec, state domain.State) (domain.Patch, error) {
	if e.deps.RunSubWorkflow == nil {
		return nil, domain.NewDomainError(domain.ErrCodeInvalidState, "sub-workflow node requires a configured runner", nil)
	}
	snap := e.run.Snapshot()
	return e.deps.RunSubWorkflow(ctx, node.SubWorkflow, snap.ID, node.ID, snap.Depth, state)
}

// handleTerminalFailure runs the compensation sweep, records a DLQ entry if
// configured, and terminates the run as failed.
func (e *Executor) handleTerminalFailure(ctx context.Context, failedNodeID string, cause error) error {
	state := e.run.Snapshot().State
	report := e.comp.Compensate(ctx, state, failedNodeID, cause)
	for _, step := range report.Compensated {
		e.emit(NodeEvent{RunID: e.run.ID, NodeID: step.NodeID, Phase: "compensated", Err: step.Err, Duration: step.Duration})
	}
	e.emit(NodeEvent{RunID: e.run.ID, NodeID: failedNodeID, Phase: "compensation_completed", Output: report})

	if e.deps.DLQ != nil {
		errInfo := domain.NewErrorInfo(cause)
		retention := e.deps.DLQRetention
		if retention <= 0 {
			retention = DefaultDLQRetention
		}
		now := time.Now()
		_, _ = e.deps.DLQ.Add(DLQEntry{
			WorkflowName: e.wf.Name,
			NodeID:       failedNodeID,
			State:        state,
			Error:        *errInfo,
			CreatedAt:    now,
			ExpiresAt:    now.Add(retention),
		})
	}

	e.run.SetStatus(domain.RunFailed, domain.NewErrorInfo(cause))
	return cause
}

func (e *Executor) writeCheckpoint(ctx context.Context, frontier []string) error {
	if e.deps.Checkpoints == nil {
		return nil
	}
	snap := e.run.Snapshot()
	return e.deps.Checkpoints.Put(ctx, e.run.ID, Checkpoint{
		RunID:       e.run.ID,
		State:       snap.State,
		Completed:   snap.Completed,
		Failed:      snap.Failed,
		Frontier:    append([]string(nil), frontier...),
		ReadyCounts: cloneIntMap(e.readyCount),
		SavedAt:     time.Now(),
	})
}

func (e *Executor) restoreCheckpoint(ctx context.Context) error {
	if e.deps.Checkpoints == nil {
		return nil
	}
	cp, ok, err := e.deps.Checkpoints.Get(ctx, e.run.ID)
	if err != nil || !ok {
		return err
	}
	e.run.ForceMutate(func(r *domain.RunRecord) {
		r.State = cp.State.Clone()
		r.Completed = cloneBoolMap(cp.Completed)
		r.Failed = cloneBoolMap(cp.Failed)
		r.CurrentNodes = append([]string(nil), cp.Frontier...)
	})
	for k, v := range cp.ReadyCounts {
		e.readyCount[k] = v
	}
	return nil
}

func cloneIntMap(m map[string]int) map[string]int {
	cp := make(map[string]int, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
