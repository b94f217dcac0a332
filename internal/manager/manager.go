// Package manager implements spec §4.M: the top-level run lifecycle —
// registering workflow definitions, queuing and dispatching runs, and
// exposing pause/resume/cancel/retry control over in-flight and completed
// runs. Grounded on the teacher's application/service orchestration layer,
// which owned the same run-create -> dispatch -> broadcast shape around a
// single executor; here the dispatch loop additionally drains a priority
// queue instead of running every submission immediately.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/riftlabs/flowengine/internal/approval"
	"github.com/riftlabs/flowengine/internal/compensation"
	"github.com/riftlabs/flowengine/internal/domain"
	"github.com/riftlabs/flowengine/internal/engine"
	"github.com/riftlabs/flowengine/internal/queue"
	"github.com/riftlabs/flowengine/internal/store"
	"github.com/riftlabs/flowengine/internal/subworkflow"
	"github.com/riftlabs/flowengine/internal/utils"
)

// Config tunes the dispatch loop and the shared execution collaborators.
type Config struct {
	MaxConcurrency     int           // runs dispatched from the queue concurrently
	MaxWaveConcurrency int           // per-run node fan-out, passed to engine.NewExecutor
	PollInterval       time.Duration // how often the dispatch loop drains ready queue entries
	CheckpointEvery    int
	IdempotencyTTL     time.Duration
	SweepInterval      time.Duration
	DLQRetention       time.Duration
}

// DefaultConfig mirrors the teacher's conservative worker-pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     10,
		MaxWaveConcurrency: 8,
		PollInterval:       10 * time.Millisecond,
		CheckpointEvery:    1,
		IdempotencyTTL:     10 * time.Minute,
		SweepInterval:      time.Minute,
		DLQRetention:       engine.DefaultDLQRetention,
	}
}

// StateObserver is notified whenever a run's RunRecord transitions status.
type StateObserver func(domain.RunRecord)

// Manager owns every collaborator a run needs and drives the queue ->
// executor pipeline. One Manager per process; internal/subworkflow.Runner
// shares its breaker/idempotency/DLQ/approval/checkpoint singletons so a
// sub-workflow's circuit breakers and idempotency memo are not siloed from
// its parent's.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	workflows sync.Map // string -> *domain.WorkflowDefinition

	runs        store.RunStore
	queue       *queue.PriorityQueue
	breakers    *engine.Registry
	idempotency *engine.IdempotencyStore
	dlq         engine.DLQStore
	approvals   *approval.Store
	checkpoints engine.CheckpointStore
	subRunner   *subworkflow.Runner

	observers   []StateObserver
	observersMu sync.RWMutex

	active     map[string]context.CancelFunc
	pauseFlags map[string]*atomic.Bool
	activeMu   sync.Mutex

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
	sem      chan struct{}
}

// Deps bundles the store/queue collaborators a caller may want to supply
// explicitly (e.g. a Postgres-backed store.RunStore); zero values fall back
// to in-memory implementations.
type Deps struct {
	Runs        store.RunStore
	Queue       *queue.PriorityQueue
	Checkpoints engine.CheckpointStore
	DLQ         engine.DLQStore
	Logger      zerolog.Logger
}

// New builds a Manager ready for RegisterWorkflow/Start.
func New(cfg Config, deps Deps) *Manager {
	def := DefaultConfig()
	cfg.MaxConcurrency = utils.DefaultValue(cfg.MaxConcurrency, def.MaxConcurrency)
	cfg.MaxWaveConcurrency = utils.DefaultValue(cfg.MaxWaveConcurrency, def.MaxWaveConcurrency)
	cfg.PollInterval = utils.DefaultValue(cfg.PollInterval, def.PollInterval)
	cfg.CheckpointEvery = utils.DefaultValue(cfg.CheckpointEvery, def.CheckpointEvery)
	cfg.IdempotencyTTL = utils.DefaultValue(cfg.IdempotencyTTL, def.IdempotencyTTL)
	cfg.SweepInterval = utils.DefaultValue(cfg.SweepInterval, def.SweepInterval)
	cfg.DLQRetention = utils.DefaultValue(cfg.DLQRetention, def.DLQRetention)

	if deps.Runs == nil {
		deps.Runs = store.NewMemoryRunStore()
	}
	if deps.Queue == nil {
		deps.Queue = queue.New()
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = store.NewMemoryCheckpointStore()
	}
	if deps.DLQ == nil {
		deps.DLQ = engine.NewMemoryDLQ()
	}

	m := &Manager{
		cfg:         cfg,
		logger:      deps.Logger,
		runs:        deps.Runs,
		queue:       deps.Queue,
		breakers:    engine.NewRegistry(engine.DefaultBreakerConfig()),
		idempotency: engine.NewIdempotencyStore(cfg.IdempotencyTTL),
		dlq:         deps.DLQ,
		approvals:   approval.NewStore(),
		checkpoints: deps.Checkpoints,
		active:      map[string]context.CancelFunc{},
		pauseFlags:  map[string]*atomic.Bool{},
		stopCh:      make(chan struct{}),
		sem:         make(chan struct{}, max(1, cfg.MaxConcurrency)),
	}
	m.subRunner = subworkflow.NewRunner(subworkflow.RunnerDeps{
		Breakers:    m.breakers,
		Idempotency: m.idempotency,
		DLQ:         m.dlq,
		Approvals:   m.approvals,
		Checkpoints: m.checkpoints,
		MaxWave:     cfg.MaxWaveConcurrency,
	})
	return m
}

// RegisterWorkflow makes wf available for Schedule/Execute by wf.Name.
func (m *Manager) RegisterWorkflow(wf *domain.WorkflowDefinition) error {
	if err := wf.ValidateStructure(); err != nil {
		return err
	}
	m.workflows.Store(wf.Name, wf)
	return nil
}

func (m *Manager) lookupWorkflow(name string) (*domain.WorkflowDefinition, error) {
	v, ok := m.workflows.Load(name)
	if !ok {
		return nil, domain.NewDomainError(domain.ErrCodeNotFound, "workflow not registered: "+name, nil)
	}
	return v.(*domain.WorkflowDefinition), nil
}

// OnRunStateChange registers an observer invoked after every status
// transition Manager records, including from deep inside Execute.
func (m *Manager) OnRunStateChange(obs StateObserver) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Manager) notify(run *domain.RunRecord) {
	snap := run.Snapshot()
	m.observersMu.RLock()
	obs := append([]StateObserver(nil), m.observers...)
	m.observersMu.RUnlock()
	for _, o := range obs {
		o(snap)
	}
}

// Approvals exposes the shared approval store for HTTP/CLI surfaces that
// need to list pending requests or submit a decision.
func (m *Manager) Approvals() *approval.Store { return m.approvals }

// DLQ exposes the shared dead-letter queue for inspection/retry tooling.
func (m *Manager) DLQ() engine.DLQStore { return m.dlq }

// Schedule creates a pending run and enqueues it for dispatch; it returns
// immediately with the run id. priority and scheduledFor default to 0/now.
// This is the function shape handed to trigger.Dispatcher as its
// trigger.EnqueueFunc — workflowName stands in for trigger.EnqueueFunc's
// workflowID parameter since this domain has no separate workflow id.
func (m *Manager) Schedule(ctx context.Context, workflowName string, input map[string]any) (string, error) {
	return m.ScheduleOpts(ctx, workflowName, domain.State(input), 0, time.Time{}, nil)
}

// ScheduleOpts is Schedule with full control over priority/delay/tags.
func (m *Manager) ScheduleOpts(ctx context.Context, workflowName string, input domain.State, priority int, scheduledFor time.Time, tags []string) (string, error) {
	if _, err := m.lookupWorkflow(workflowName); err != nil {
		return "", err
	}
	if scheduledFor.IsZero() {
		scheduledFor = time.Now()
	}
	run := domain.NewRunRecord(uuid.NewString(), workflowName, input, priority, scheduledFor, tags)
	if err := m.runs.Save(ctx, run); err != nil {
		return "", err
	}
	m.queue.Enqueue(queue.Entry{RunID: run.ID, WorkflowName: workflowName, Priority: priority, ScheduledFor: scheduledFor})
	m.notify(run)
	return run.ID, nil
}

// Execute runs workflowName synchronously to a terminal status and returns
// the final RunRecord snapshot; used by callers (tests, CLI one-shots) that
// don't want to wait on the async dispatch loop.
func (m *Manager) Execute(ctx context.Context, workflowName string, input domain.State) (domain.RunRecord, error) {
	wf, err := m.lookupWorkflow(workflowName)
	if err != nil {
		return domain.RunRecord{}, err
	}
	run := domain.NewRunRecord(uuid.NewString(), workflowName, input, 0, time.Now(), nil)
	if err := m.runs.Save(ctx, run); err != nil {
		return domain.RunRecord{}, err
	}
	err = m.runOnce(ctx, wf, run)
	return run.Snapshot(), err
}

// Start launches the dispatch loop: every PollInterval, drain ready queue
// entries and fan each out to an executor goroutine, bounded by
// MaxConcurrency via a semaphore.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.dispatchReady(ctx)
			}
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepLoop(ctx)
	}()
}

// sweeper is implemented by engine.MemoryDLQ and engine.FileDLQ; DLQStore
// itself doesn't declare Sweep since not every backend needs TTL eviction.
type sweeper interface {
	Sweep()
}

// sweepLoop periodically evicts expired idempotency memos and, when the
// configured DLQ backend supports it, expired DLQ entries.
func (m *Manager) sweepLoop(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.idempotency.Sweep()
			if s, ok := m.dlq.(sweeper); ok {
				s.Sweep()
			}
		}
	}
}

// Stop signals the dispatch loop to exit and waits for in-flight executor
// goroutines to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) dispatchReady(ctx context.Context) {
	for _, entry := range m.queue.GetReady(time.Now()) {
		entry := entry
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() { <-m.sem }()
			m.dispatchOne(ctx, entry)
		}()
	}
}

func (m *Manager) dispatchOne(ctx context.Context, entry queue.Entry) {
	run, err := m.runs.Get(ctx, entry.RunID)
	if err != nil {
		m.logger.Error().Err(err).Str("run_id", entry.RunID).Msg("dispatch: run vanished from store")
		return
	}
	wf, err := m.lookupWorkflow(entry.WorkflowName)
	if err != nil {
		run.SetStatus(domain.RunFailed, domain.NewErrorInfo(err))
		_ = m.runs.Save(ctx, run)
		m.notify(run)
		return
	}
	if err := m.runOnce(ctx, wf, run); err != nil && !isPaused(err) {
		m.logger.Warn().Err(err).Str("run_id", run.ID).Str("workflow", wf.Name).Msg("run ended with error")
	}
}

func (m *Manager) runOnce(ctx context.Context, wf *domain.WorkflowDefinition, run *domain.RunRecord) error {
	runCtx, cancel := context.WithCancel(ctx)
	pauseFlag := &atomic.Bool{}
	m.activeMu.Lock()
	m.active[run.ID] = cancel
	m.pauseFlags[run.ID] = pauseFlag
	m.activeMu.Unlock()
	defer func() {
		m.activeMu.Lock()
		delete(m.active, run.ID)
		delete(m.pauseFlags, run.ID)
		m.activeMu.Unlock()
		cancel()
	}()

	exec := engine.NewExecutor(wf, run, engine.Deps{
		Breakers:        m.breakers,
		Idempotency:     m.idempotency,
		DLQ:             m.dlq,
		Approvals:       m.approvals,
		Checkpoints:     m.checkpoints,
		RunSubWorkflow:  m.subRunner.AsEngineRunner(),
		OnEscalate:      m.handleEscalate,
		OnNodeEvent:     m.handleNodeEvent,
		CheckpointEvery: m.cfg.CheckpointEvery,
		PauseRequested:  pauseFlag.Load,
		DLQRetention:    m.cfg.DLQRetention,
	}, m.cfg.MaxWaveConcurrency)

	m.notify(run)
	err := exec.Run(runCtx)

	// A paused run's status (RunPaused) and checkpoint were already written by
	// the executor itself before Run returned; this Save just persists that
	// snapshot to the store.
	_ = m.runs.Save(ctx, run)
	m.notify(run)
	return err
}

// isPaused reports whether err is the executor's cooperative-pause signal,
// as opposed to a genuine run failure.
func isPaused(err error) bool {
	var de *domain.DomainError
	return errors.As(err, &de) && de.Code == domain.ErrCodePaused
}

func (m *Manager) handleNodeEvent(evt engine.NodeEvent) {
	if evt.Phase == "compensation_completed" {
		if report, ok := evt.Output.(compensation.Report); ok {
			m.logger.Warn().
				Str("run_id", evt.RunID).
				Str("failed_node_id", evt.NodeID).
				Int("compensated_count", len(report.Compensated)).
				Bool("all_successful", report.AllSuccessful).
				Strs("partial_failures", report.PartialFailures).
				Msg("compensation sweep completed")
		}
		return
	}
	m.logger.Debug().
		Str("run_id", evt.RunID).
		Str("node_id", evt.NodeID).
		Str("phase", evt.Phase).
		Err(evt.Err).
		Dur("duration", evt.Duration).
		Msg("node event")
}

func (m *Manager) handleEscalate(req approval.Request) {
	m.logger.Warn().
		Str("run_id", req.RunID).
		Str("node_id", req.NodeID).
		Str("request_id", req.ID).
		Msg("approval escalated: no further chain, left pending")
}

// Pause requests a cooperative pause on an in-flight run: it sets a flag the
// executor polls between waves, so any in-flight node (and its pending
// retries) finishes undisturbed before the run suspends — unlike Cancel,
// which aborts immediately via hard context cancellation. The executor
// writes a checkpoint and transitions the run to RunPaused itself once it
// actually honors the flag; this call only requests that and returns once
// the flag is set, not once the run has actually paused (poll GetStatus to
// observe the transition). Returns an error if the run is not active.
func (m *Manager) Pause(ctx context.Context, runID string) error {
	m.activeMu.Lock()
	flag, ok := m.pauseFlags[runID]
	m.activeMu.Unlock()
	if !ok {
		return domain.NewDomainError(domain.ErrCodeInvalidState, "run is not active: "+runID, nil)
	}
	flag.Store(true)
	return nil
}

// Resume re-enqueues a paused run; the executor's restoreCheckpoint picks up
// where the run left off.
func (m *Manager) Resume(ctx context.Context, runID string) error {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.StatusOf() != domain.RunPaused {
		return domain.NewDomainError(domain.ErrCodeInvalidState, "run is not paused: "+runID, nil)
	}
	run.ForceMutate(func(r *domain.RunRecord) { r.Status = domain.RunPending })
	if err := m.runs.Save(ctx, run); err != nil {
		return err
	}
	m.queue.Enqueue(queue.Entry{RunID: run.ID, WorkflowName: run.WorkflowName, Priority: run.Priority, ScheduledFor: time.Now()})
	m.notify(run)
	return nil
}

// Cancel stops an in-flight run permanently and drops its checkpoint.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	m.queue.Remove(runID)

	m.activeMu.Lock()
	cancel, active := m.active[runID]
	m.activeMu.Unlock()
	if active {
		cancel()
	}

	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	run.SetStatus(domain.RunCancelled, domain.NewErrorInfo(fmt.Errorf("cancelled by caller")))
	if err := m.runs.Save(ctx, run); err != nil {
		return err
	}
	if m.checkpoints != nil {
		_ = m.checkpoints.Delete(ctx, runID)
	}
	m.notify(run)
	return nil
}

// Retry schedules a new run, with a fresh id, of a failed run's workflow,
// copying its state, priority and tags; the failed run itself stays
// RunFailed. The new run starts the workflow over (no checkpoint survives
// a terminal failure — handleTerminalFailure already swept
// compensation/DLQ).
func (m *Manager) Retry(ctx context.Context, runID string) (string, error) {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.StatusOf() != domain.RunFailed {
		return "", domain.NewDomainError(domain.ErrCodeInvalidState, "only failed runs can be retried: "+runID, nil)
	}
	snap := run.Snapshot()
	return m.ScheduleOpts(ctx, snap.WorkflowName, snap.State, snap.Priority, time.Now(), snap.Tags)
}

// GetStatus returns the current RunRecord snapshot.
func (m *Manager) GetStatus(ctx context.Context, runID string) (domain.RunRecord, error) {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return domain.RunRecord{}, err
	}
	return run.Snapshot(), nil
}

// ListRuns proxies to the run store, returning defensive snapshots.
func (m *Manager) ListRuns(ctx context.Context, filter store.RunFilter) ([]domain.RunRecord, error) {
	runs, err := m.runs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunRecord, len(runs))
	for i, r := range runs {
		out[i] = r.Snapshot()
	}
	return out, nil
}

// GetStats proxies to the run store.
func (m *Manager) GetStats(ctx context.Context) (store.Stats, error) {
	return m.runs.GetStats(ctx)
}

// GetActiveCount returns the number of runs currently dispatched to an
// executor goroutine.
func (m *Manager) GetActiveCount() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return len(m.active)
}

// Cleanup proxies to the run store's retention sweep.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return m.runs.Cleanup(ctx, olderThan)
}
