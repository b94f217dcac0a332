package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftlabs/flowengine/internal/domain"
	"github.com/riftlabs/flowengine/internal/infrastructure/logger"
	"github.com/riftlabs/flowengine/internal/store"
)

func testManager() *Manager {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	return New(cfg, Deps{Logger: logger.Logger()})
}

func oneNodeWorkflow(name string, fn domain.NodeFunc) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:         name,
		InitialState: domain.State{},
		Nodes: map[string]*domain.NodeSpec{
			"only": {ID: "only", Kind: domain.KindFunction, Fn: fn},
		},
	}
}

func TestExecute_RunsSynchronouslyToCompletion(t *testing.T) {
	m := testManager()
	wf := oneNodeWorkflow("sync-wf", func(ctx context.Context, s domain.State) (domain.Patch, error) {
		return domain.Patch{"done": true}, nil
	})
	require.NoError(t, m.RegisterWorkflow(wf))

	run, err := m.Execute(context.Background(), "sync-wf", domain.State{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, true, run.State["done"])
}

func TestExecute_PropagatesNodeFailure(t *testing.T) {
	m := testManager()
	wf := oneNodeWorkflow("fail-wf", func(ctx context.Context, s domain.State) (domain.Patch, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, m.RegisterWorkflow(wf))

	run, err := m.Execute(context.Background(), "fail-wf", domain.State{})
	require.Error(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
}

func TestSchedule_DispatchLoopRunsQueuedWork(t *testing.T) {
	m := testManager()
	done := make(chan struct{})
	wf := oneNodeWorkflow("async-wf", func(ctx context.Context, s domain.State) (domain.Patch, error) {
		close(done)
		return domain.Patch{}, nil
	})
	require.NoError(t, m.RegisterWorkflow(wf))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	runID, err := m.Schedule(context.Background(), "async-wf", map[string]any{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch loop never ran the queued workflow")
	}

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(context.Background(), runID)
		return err == nil && status.Status == domain.RunCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestRetry_ResetsFailedRunAndReschedules(t *testing.T) {
	m := testManager()
	attempts := 0
	wf := oneNodeWorkflow("retry-wf", func(ctx context.Context, s domain.State) (domain.Patch, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("first attempt fails")
		}
		return domain.Patch{"ok": true}, nil
	})
	require.NoError(t, m.RegisterWorkflow(wf))

	run, err := m.Execute(context.Background(), "retry-wf", domain.State{})
	require.Error(t, err)
	require.Equal(t, domain.RunFailed, run.Status)

	newRunID, err := m.Retry(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotEqual(t, run.ID, newRunID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(context.Background(), newRunID)
		return err == nil && status.Status == domain.RunCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestCancel_StopsQueuedRunBeforeDispatch(t *testing.T) {
	m := testManager()
	wf := oneNodeWorkflow("cancel-wf", func(ctx context.Context, s domain.State) (domain.Patch, error) {
		return domain.Patch{}, nil
	})
	require.NoError(t, m.RegisterWorkflow(wf))

	runID, err := m.ScheduleOpts(context.Background(), "cancel-wf", domain.State{}, 0, time.Now().Add(time.Hour), nil)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), runID))

	status, err := m.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, status.Status)
}

func TestPause_LetsInFlightNodeFinishThenLandsPaused(t *testing.T) {
	m := testManager()
	started := make(chan struct{})
	resumeSlow := make(chan struct{})
	var afterRan atomic.Bool

	wf := &domain.WorkflowDefinition{
		Name:         "pause-wf",
		InitialState: domain.State{},
		Nodes: map[string]*domain.NodeSpec{
			"slow": {ID: "slow", Kind: domain.KindFunction, Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
				close(started)
				<-resumeSlow
				return domain.Patch{}, nil
			}},
			"after": {ID: "after", Kind: domain.KindFunction, Fn: func(ctx context.Context, s domain.State) (domain.Patch, error) {
				afterRan.Store(true)
				return domain.Patch{}, nil
			}},
		},
		Edges: []domain.Edge{domain.Sequential("slow", "after")},
	}
	require.NoError(t, m.RegisterWorkflow(wf))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	runID, err := m.Schedule(context.Background(), "pause-wf", map[string]any{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("slow node never started")
	}

	require.NoError(t, m.Pause(context.Background(), runID))
	close(resumeSlow)

	require.Eventually(t, func() bool {
		status, err := m.GetStatus(context.Background(), runID)
		return err == nil && status.Status.IsTerminal() == false && status.Status == domain.RunPaused
	}, time.Second, 5*time.Millisecond)

	status, err := m.GetStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPaused, status.Status)
	assert.False(t, afterRan.Load(), "pause must stop dispatch before the next wave runs, not hard-cancel the in-flight one")
}

func TestListRuns_FiltersByWorkflowName(t *testing.T) {
	m := testManager()
	wf := oneNodeWorkflow("list-wf", func(ctx context.Context, s domain.State) (domain.Patch, error) {
		return domain.Patch{}, nil
	})
	require.NoError(t, m.RegisterWorkflow(wf))

	_, err := m.Execute(context.Background(), "list-wf", domain.State{})
	require.NoError(t, err)

	runs, err := m.ListRuns(context.Background(), store.RunFilter{WorkflowName: "list-wf"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
}
