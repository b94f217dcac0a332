// Package flowengine is the top-level facade over the durable workflow
// engine: it re-exports the types a caller embedding this module needs
// (Manager, Builder, State/Patch, node/edge constructors) without requiring
// an import of every internal package. Grounded on the teacher's root
// mbflow.go, which aliases its internal/domain and internal/application/executor
// types the same way rather than duplicating them.
package flowengine

import (
	"github.com/riftlabs/flowengine/internal/domain"
	"github.com/riftlabs/flowengine/internal/engine"
	"github.com/riftlabs/flowengine/internal/manager"
	"github.com/riftlabs/flowengine/internal/queue"
	"github.com/riftlabs/flowengine/internal/store"
	"github.com/riftlabs/flowengine/pkg/workflow"
)

// Manager is the run lifecycle owner: register workflows, schedule or
// execute runs, pause/resume/cancel/retry, and query status.
type Manager = manager.Manager

// ManagerConfig tunes the dispatch loop's concurrency and polling cadence.
type ManagerConfig = manager.Config

// ManagerDeps lets a caller supply its own store/queue/checkpoint/DLQ
// implementations (e.g. Postgres-backed ones); zero values default to the
// in-memory implementations.
type ManagerDeps = manager.Deps

// NewManager builds a Manager; see manager.DefaultConfig for sane defaults.
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	return manager.New(cfg, deps)
}

// DefaultManagerConfig mirrors manager.DefaultConfig.
func DefaultManagerConfig() ManagerConfig { return manager.DefaultConfig() }

// Builder is the fluent workflow-definition assembler.
type Builder = workflow.Builder

// NewBuilder starts a Builder for a workflow named name.
func NewBuilder(name string) *Builder { return workflow.New(name) }

// State is the key/value map a run carries between nodes.
type State = domain.State

// Patch is a node's returned state delta.
type Patch = domain.Patch

// NodeFunc is the unit of work a function node runs.
type NodeFunc = domain.NodeFunc

// RetryPolicy configures a node's retry/backoff behavior.
type RetryPolicy = domain.RetryPolicy

// DefaultRetryPolicy mirrors domain.DefaultRetryPolicy.
func DefaultRetryPolicy() *RetryPolicy { return domain.DefaultRetryPolicy() }

// ApprovalSpec configures a human-approval gate node.
type ApprovalSpec = domain.ApprovalSpec

// CompensationSpec registers a node's rollback action.
type CompensationSpec = domain.CompensationSpec

// SubWorkflowSpec configures a sub-workflow node.
type SubWorkflowSpec = domain.SubWorkflowSpec

// WorkflowDefinition is the built, immutable workflow graph.
type WorkflowDefinition = domain.WorkflowDefinition

// RunRecord is a run's lifecycle record, as returned by Manager status
// queries.
type RunRecord = domain.RunRecord

// RunStatus is a run's lifecycle status.
type RunStatus = domain.RunStatus

// RunFilter narrows Manager.ListRuns/GetStats queries.
type RunFilter = store.RunFilter

// RunStore persists RunRecord metadata; see store.NewMemoryRunStore and
// store.NewBunRunStore for the bundled implementations.
type RunStore = store.RunStore

// QueueEntry is one queued run in the priority scheduling queue.
type QueueEntry = queue.Entry

// CheckpointStore persists a run's resumable execution state.
type CheckpointStore = engine.CheckpointStore

// DLQStore persists terminally-failed runs for inspection/retry.
type DLQStore = engine.DLQStore

const (
	RunPending   = domain.RunPending
	RunRunning   = domain.RunRunning
	RunPaused    = domain.RunPaused
	RunCompleted = domain.RunCompleted
	RunFailed    = domain.RunFailed
	RunCancelled = domain.RunCancelled
)

// Sequential, Parallel, Conditional and Loop build the four edge variants a
// Builder.Then/Parallel/AddConditional/AddLoop call wraps; exported directly
// for callers assembling domain.WorkflowDefinition by hand instead of via
// Builder.
var (
	Sequential  = domain.Sequential
	Parallel    = domain.Parallel
	Conditional = domain.Conditional
	Loop        = domain.Loop
)

// NewMemoryRunStore/NewBunRunStore, NewMemoryCheckpointStore and the DLQ
// constructors are re-exported so embedding code doesn't need to import
// internal/store directly to wire ManagerDeps.
func NewMemoryRunStore() RunStore { return store.NewMemoryRunStore() }

func NewBunRunStore(dsn string) RunStore { return store.NewBunRunStore(dsn) }

func NewMemoryCheckpointStore() CheckpointStore { return store.NewMemoryCheckpointStore() }

func NewMemoryDLQ() DLQStore { return engine.NewMemoryDLQ() }

func NewFileDLQ(dir string) (DLQStore, error) { return engine.NewFileDLQ(dir) }
