package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riftlabs/flowengine/internal/approval"
	"github.com/riftlabs/flowengine/internal/compensation"
	"github.com/riftlabs/flowengine/internal/domain"
)

// eventRecorder collects NodeEvents emitted by an Executor run, guarding
// against the concurrent dispatch waves that RunParallel fans out.
type eventRecorder struct {
	mu     sync.Mutex
	events []NodeEvent
}

func (r *eventRecorder) record(evt NodeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) byPhase(phase string) []NodeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NodeEvent
	for _, e := range r.events {
		if e.Phase == phase {
			out = append(out, e)
		}
	}
	return out
}

func newTestRun(name string) *domain.RunRecord {
	return domain.NewRunRecord("run-"+name, name, domain.State{}, 0, time.Time{}, nil)
}

func alwaysRetryablePolicy(maxRetries int) *domain.RetryPolicy {
	return &domain.RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Backoff:      domain.BackoffConstant,
		Classifier:   func(error) bool { return true },
	}
}

func TestExecutor_SingleFunctionNodeCompletes(t *testing.T) {
	wf := &domain.WorkflowDefinition{
		Name: "single",
		Nodes: map[string]*domain.NodeSpec{
			"a": {ID: "a", Kind: domain.KindFunction, Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
				return domain.Patch{"done": true}, nil
			}},
		},
	}
	run := newTestRun("single")
	exec := NewExecutor(wf, run, Deps{}, 4)

	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.StatusOf() != domain.RunCompleted {
		t.Fatalf("expected completed, got %s", run.StatusOf())
	}
	if run.Snapshot().State["done"] != true {
		t.Fatalf("expected patch merged into state")
	}
}

func TestExecutor_RetriesFailingNodeUntilSuccess(t *testing.T) {
	var calls int
	wf := &domain.WorkflowDefinition{
		Name: "retry-wf",
		Nodes: map[string]*domain.NodeSpec{
			"a": {
				ID:          "a",
				Kind:        domain.KindFunction,
				RetryPolicy: alwaysRetryablePolicy(5),
				Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
					calls++
					if calls < 3 {
						return nil, errors.New("transient failure")
					}
					return domain.Patch{"attempt": calls}, nil
				},
			},
		},
	}
	run := newTestRun("retry-wf")
	exec := NewExecutor(wf, run, Deps{}, 4)

	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls before success, got %d", calls)
	}
	if run.StatusOf() != domain.RunCompleted {
		t.Fatalf("expected completed, got %s", run.StatusOf())
	}
}

func TestExecutor_CircuitBreakerOpenSurfacesAsTerminalFailureWithoutCallingFn(t *testing.T) {
	var calls int
	wf := &domain.WorkflowDefinition{
		Name: "breaker-wf",
		Nodes: map[string]*domain.NodeSpec{
			"a": {
				ID:                "a",
				Kind:              domain.KindFunction,
				CircuitBreakerKey: "svc-a",
				RetryPolicy:       alwaysRetryablePolicy(2),
				Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
					calls++
					return nil, errors.New("downstream unavailable")
				},
			},
		},
	}
	run := newTestRun("breaker-wf")
	breakers := NewRegistry(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour})
	exec := NewExecutor(wf, run, Deps{Breakers: breakers}, 4)

	err := exec.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var openErr *CircuitBreakerOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected the breaker-open error to win on the retry loop's last attempt, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the node fn to only run once before the breaker tripped, got %d calls", calls)
	}
	if run.StatusOf() != domain.RunFailed {
		t.Fatalf("expected failed, got %s", run.StatusOf())
	}
	if breakers.State("svc-a") != StateOpen {
		t.Fatalf("expected breaker open, got %s", breakers.State("svc-a"))
	}
}

func TestExecutor_HumanGateSuspendsRunAndResumesOnApproval(t *testing.T) {
	wf := &domain.WorkflowDefinition{
		Name: "human-wf",
		Nodes: map[string]*domain.NodeSpec{
			"gate": {
				ID:   "gate",
				Kind: domain.KindHuman,
				Human: &domain.ApprovalSpec{
					Type:        domain.ApprovalApproveReject,
					Title:       "ship it?",
					Assignee:    "alice",
					ResponseKey: "decision",
				},
			},
		},
	}
	run := newTestRun("human-wf")
	store := approval.NewStore()

	runErrCh := make(chan error, 1)
	exec := NewExecutor(wf, run, Deps{Approvals: store}, 4)
	go func() { runErrCh <- exec.Run(context.Background()) }()

	// Block until the gate has actually registered its request, then assert
	// the run is paused before unblocking it — deterministic, no sleeps.
	deadline := time.Now().Add(2 * time.Second)
	var pending []approval.Request
	for time.Now().Before(deadline) {
		pending = store.GetPendingRequests("human-wf", "")
		if len(pending) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(pending) == 0 {
		t.Fatal("timed out waiting for the human gate to register its approval request")
	}
	if run.StatusOf() != domain.RunPaused {
		t.Fatalf("expected run status to be RunPaused while the human gate is suspended, got %s", run.StatusOf())
	}

	if err := store.SubmitResponse(approval.Response{
		RequestID:   pending[0].ID,
		Decision:    true,
		RespondedBy: "alice",
		RespondedAt: time.Now(),
	}); err != nil {
		t.Fatalf("unexpected error submitting response: %v", err)
	}

	select {
	case err := <-runErrCh:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the run to complete after approval")
	}

	if run.StatusOf() != domain.RunCompleted {
		t.Fatalf("expected completed, got %s", run.StatusOf())
	}
	if run.Snapshot().State["decision"] != true {
		t.Fatalf("expected decision merged into state, got %+v", run.Snapshot().State)
	}
}

func TestExecutor_HumanGateTimeoutAutoApproves(t *testing.T) {
	wf := &domain.WorkflowDefinition{
		Name: "human-timeout-wf",
		Nodes: map[string]*domain.NodeSpec{
			"gate": {
				ID:   "gate",
				Kind: domain.KindHuman,
				Human: &domain.ApprovalSpec{
					Type:          domain.ApprovalApproveReject,
					Timeout:       10 * time.Millisecond,
					TimeoutAction: domain.TimeoutActionApprove,
					ResponseKey:   "decision",
				},
			},
		},
	}
	run := newTestRun("human-timeout-wf")
	store := approval.NewStore()
	exec := NewExecutor(wf, run, Deps{Approvals: store}, 4)

	if err := exec.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.StatusOf() != domain.RunCompleted {
		t.Fatalf("expected completed, got %s", run.StatusOf())
	}
	if run.Snapshot().State["decision"] != true {
		t.Fatalf("expected auto-approve decision, got %+v", run.Snapshot().State)
	}
}

func TestExecutor_CompensationRunsRegisteredReverseOnLaterFailure(t *testing.T) {
	var reversed bool
	wf := &domain.WorkflowDefinition{
		Name: "comp-wf",
		Nodes: map[string]*domain.NodeSpec{
			"reserve": {
				ID:   "reserve",
				Kind: domain.KindFunction,
				Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
					return domain.Patch{"reserved": true}, nil
				},
				Compensation: &domain.CompensationSpec{
					ReverseFn: func(ctx context.Context, state domain.State, originalResult domain.Patch) error {
						reversed = true
						return nil
					},
				},
			},
			"charge": {
				ID:   "charge",
				Kind: domain.KindFunction,
				Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
					return nil, errors.New("card declined")
				},
				RetryPolicy: &domain.RetryPolicy{MaxRetries: 0, Classifier: func(error) bool { return false }},
			},
		},
		Edges: []domain.Edge{domain.Sequential("reserve", "charge")},
	}
	run := newTestRun("comp-wf")
	recorder := &eventRecorder{}
	exec := NewExecutor(wf, run, Deps{OnNodeEvent: recorder.record}, 4)

	err := exec.Run(context.Background())
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if run.StatusOf() != domain.RunFailed {
		t.Fatalf("expected failed, got %s", run.StatusOf())
	}
	if !reversed {
		t.Fatal("expected reserve's reverse fn to run during compensation")
	}

	completions := recorder.byPhase("compensation_completed")
	if len(completions) != 1 {
		t.Fatalf("expected exactly one compensation_completed event, got %d", len(completions))
	}
	report, ok := completions[0].Output.(compensation.Report)
	if !ok {
		t.Fatalf("expected Output to carry a compensation.Report, got %T", completions[0].Output)
	}
	if !report.AllSuccessful {
		t.Fatalf("expected compensation to fully succeed, got %+v", report)
	}
	if len(report.Compensated) != 1 || report.Compensated[0].NodeID != "reserve" {
		t.Fatalf("expected reserve to be the only compensated step, got %+v", report.Compensated)
	}
}

// fakeCheckpointStore is a minimal in-memory CheckpointStore for exercising
// the pause/resume round trip without a real storage backend.
type fakeCheckpointStore struct {
	mu    sync.Mutex
	saved map[string]Checkpoint
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{saved: map[string]Checkpoint{}}
}

func (f *fakeCheckpointStore) Put(ctx context.Context, runID string, snapshot Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[runID] = snapshot
	return nil
}

func (f *fakeCheckpointStore) Get(ctx context.Context, runID string) (Checkpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.saved[runID]
	return cp, ok, nil
}

func (f *fakeCheckpointStore) Delete(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, runID)
	return nil
}

func TestExecutor_CheckpointWrittenOnPauseAndResumed(t *testing.T) {
	var paused bool
	var pauseMu sync.Mutex
	var bRan bool

	wf := &domain.WorkflowDefinition{
		Name: "pause-wf",
		Nodes: map[string]*domain.NodeSpec{
			"a": {ID: "a", Kind: domain.KindFunction, Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
				pauseMu.Lock()
				paused = true
				pauseMu.Unlock()
				return domain.Patch{"a": true}, nil
			}},
			"b": {ID: "b", Kind: domain.KindFunction, Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
				bRan = true
				return domain.Patch{"b": true}, nil
			}},
		},
		Edges: []domain.Edge{domain.Sequential("a", "b")},
	}

	checkpoints := newFakeCheckpointStore()
	pauseRequested := func() bool {
		pauseMu.Lock()
		defer pauseMu.Unlock()
		return paused
	}

	run := newTestRun("pause-wf")
	exec := NewExecutor(wf, run, Deps{Checkpoints: checkpoints, PauseRequested: pauseRequested}, 4)

	err := exec.Run(context.Background())
	var domErr *domain.DomainError
	if !errors.As(err, &domErr) || domErr.Code != domain.ErrCodePaused {
		t.Fatalf("expected ErrCodePaused, got %v", err)
	}
	if run.StatusOf() != domain.RunPaused {
		t.Fatalf("expected paused, got %s", run.StatusOf())
	}
	if bRan {
		t.Fatal("expected node b not to run before the pause checkpoint")
	}

	cp, ok, getErr := checkpoints.Get(context.Background(), run.ID)
	if getErr != nil || !ok {
		t.Fatalf("expected a checkpoint to have been written, ok=%v err=%v", ok, getErr)
	}
	if len(cp.Frontier) != 1 || cp.Frontier[0] != "b" {
		t.Fatalf("expected checkpoint frontier [b], got %v", cp.Frontier)
	}
	if cp.State["a"] != true {
		t.Fatalf("expected checkpointed state to include a's patch, got %+v", cp.State)
	}

	// A fresh run record (same ID) restores from the checkpoint and resumes
	// at node b without re-running a.
	resumedRun := domain.NewRunRecord(run.ID, "pause-wf", domain.State{}, 0, time.Time{}, nil)
	resumedExec := NewExecutor(wf, resumedRun, Deps{Checkpoints: checkpoints, PauseRequested: func() bool { return false }}, 4)
	if err := resumedExec.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error resuming: %v", err)
	}
	if !bRan {
		t.Fatal("expected node b to run after resuming from the checkpoint")
	}
	if resumedRun.StatusOf() != domain.RunCompleted {
		t.Fatalf("expected completed after resume, got %s", resumedRun.StatusOf())
	}
}

func TestExecutor_DLQEntryRespectsConfiguredRetention(t *testing.T) {
	wf := &domain.WorkflowDefinition{
		Name: "dlq-wf",
		Nodes: map[string]*domain.NodeSpec{
			"a": {
				ID:          "a",
				Kind:        domain.KindFunction,
				RetryPolicy: &domain.RetryPolicy{MaxRetries: 0, Classifier: func(error) bool { return false }},
				Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
					return nil, errors.New("boom")
				},
			},
		},
	}
	run := newTestRun("dlq-wf")
	dlq := NewMemoryDLQ()
	exec := NewExecutor(wf, run, Deps{DLQ: dlq, DLQRetention: time.Hour}, 4)

	if err := exec.Run(context.Background()); err == nil {
		t.Fatal("expected terminal failure")
	}

	entries, err := dlq.List(DLQFilter{WorkflowName: "dlq-wf"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", len(entries))
	}
	entry := entries[0]
	if diff := entry.ExpiresAt.Sub(entry.CreatedAt); diff != time.Hour {
		t.Fatalf("expected configured 1h retention, got %v", diff)
	}
	if entry.NodeID != "a" || entry.Error.Message == "" {
		t.Fatalf("expected populated dlq entry, got %+v", entry)
	}
}

func TestExecutor_DLQEntryFallsBackToDefaultRetentionWhenUnconfigured(t *testing.T) {
	wf := &domain.WorkflowDefinition{
		Name: "dlq-default-wf",
		Nodes: map[string]*domain.NodeSpec{
			"a": {
				ID:          "a",
				Kind:        domain.KindFunction,
				RetryPolicy: &domain.RetryPolicy{MaxRetries: 0, Classifier: func(error) bool { return false }},
				Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
					return nil, errors.New("boom")
				},
			},
		},
	}
	run := newTestRun("dlq-default-wf")
	dlq := NewMemoryDLQ()
	exec := NewExecutor(wf, run, Deps{DLQ: dlq}, 4)

	if err := exec.Run(context.Background()); err == nil {
		t.Fatal("expected terminal failure")
	}

	entries, err := dlq.List(DLQFilter{WorkflowName: "dlq-default-wf"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", len(entries))
	}
	if diff := entries[0].ExpiresAt.Sub(entries[0].CreatedAt); diff != DefaultDLQRetention {
		t.Fatalf("expected default retention %v, got %v", DefaultDLQRetention, diff)
	}
}

func TestExecutor_CancelledContextStopsRunAsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wf := &domain.WorkflowDefinition{
		Name: "cancel-wf",
		Nodes: map[string]*domain.NodeSpec{
			"a": {ID: "a", Kind: domain.KindFunction, Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
				return domain.Patch{}, nil
			}},
		},
	}
	run := newTestRun("cancel-wf")
	exec := NewExecutor(wf, run, Deps{}, 4)

	err := exec.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if run.StatusOf() != domain.RunCancelled {
		t.Fatalf("expected cancelled, got %s", run.StatusOf())
	}
}
