package domain

import (
	"context"
	"time"
)

// NodeKind tags which of the three node variants a NodeSpec is. Rather than
// branching on a config flag, the executor switches on Kind once at the top
// of node dispatch (see internal/engine/executor.go).
type NodeKind string

const (
	KindFunction    NodeKind = "function"
	KindHuman       NodeKind = "human"
	KindSubWorkflow NodeKind = "subworkflow"
)

// NodeFunc is the unit of work a FunctionNode runs: state in, patch out.
// Implementations may block (network calls, sleeps) — the executor always
// calls it from a worker goroutine, never the dispatch loop.
type NodeFunc func(ctx context.Context, state State) (Patch, error)

// BackoffKind selects the delay growth curve a RetryPolicy applies between
// attempts.
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy configures internal/retry.ExecuteWithRetry.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64 // exponential backoff base, ignored otherwise
	Jitter       float64 // fraction in [0,1]; delay *= 1 + Jitter*uniform(-1,1)
	Backoff      BackoffKind
	// Classifier overrides the default network-error classifier when set.
	Classifier func(error) bool
}

// DefaultRetryPolicy mirrors the teacher's conservative default: three
// retries, half-second initial delay doubling up to five seconds.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		Backoff:      BackoffExponential,
	}
}

// CompensationSpec registers the reverse action run during a rollback sweep
// if this node had already completed.
type CompensationSpec struct {
	ReverseFn func(ctx context.Context, state State, originalResult Patch) error
	Condition func(state State) bool // nil = always compensate
	Order     CompensationOrder      // defaults to CompensationReverse
	Timeout   time.Duration
	Retries   int
}

// ApprovalSpec configures a HumanNode's approval gate.
type ApprovalSpec struct {
	Type          ApprovalType
	Title         string
	Description   string
	Assignee      string
	Choices       []string
	ResponseKey   string // state key the decision is written under
	Timeout       time.Duration
	TimeoutAction TimeoutAction
}

// SubWorkflowSpec configures a SubWorkflowNode's recursive invocation.
type SubWorkflowSpec struct {
	Child            *WorkflowDefinition
	InputMapper      func(parent State) State
	OutputMapper     func(parent State, child State) Patch
	ErrorStrategy    SubWorkflowErrorStrategy
	MaxDepth         int
	Timeout          time.Duration
	RetryMaxAttempts int
	RetryDelay       time.Duration
}

// NodeSpec is one node in a WorkflowDefinition. Exactly one of Fn, Human or
// SubWorkflow is populated, matching Kind.
type NodeSpec struct {
	ID                string
	Kind              NodeKind
	Fn                NodeFunc
	RetryPolicy       *RetryPolicy
	CircuitBreakerKey string
	Timeout           time.Duration
	IdempotencyKeyFn  func(state State) string
	Compensation      *CompensationSpec
	Human             *ApprovalSpec
	SubWorkflow       *SubWorkflowSpec
}
