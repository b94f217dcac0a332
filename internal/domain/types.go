package domain

// EdgeType identifies which of the four edge variants an Edge is.
type EdgeType string

const (
	EdgeSequential  EdgeType = "sequential"
	EdgeParallel    EdgeType = "parallel"
	EdgeConditional EdgeType = "conditional"
	EdgeLoop        EdgeType = "loop"
)

func (et EdgeType) IsValid() bool {
	switch et {
	case EdgeSequential, EdgeParallel, EdgeConditional, EdgeLoop:
		return true
	default:
		return false
	}
}

// RunStatus is the lifecycle status of a RunRecord.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further status transition is possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus is the per-node execution status tracked on a RunRecord.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// CompensationOrder controls when a registered reversal runs relative to its
// peers during a compensation sweep.
type CompensationOrder string

const (
	CompensationReverse CompensationOrder = "reverse" // default: reverse completion order
	CompensationForward CompensationOrder = "forward" // execution order
	CompensationParallel CompensationOrder = "parallel"
)

// ApprovalType distinguishes the shape of decision an approval gate expects.
type ApprovalType string

const (
	ApprovalApproveReject ApprovalType = "approve-reject"
	ApprovalMultiChoice   ApprovalType = "multi-choice"
	ApprovalFreeForm      ApprovalType = "free-form"
	ApprovalNumericRating ApprovalType = "numeric-rating"
	ApprovalChain         ApprovalType = "chain"
)

// TimeoutAction is the auto-decision applied when an approval request's
// timeout elapses with no response.
type TimeoutAction string

const (
	TimeoutActionApprove  TimeoutAction = "approve"
	TimeoutActionReject   TimeoutAction = "reject"
	TimeoutActionEscalate TimeoutAction = "escalate"
)

// TriggerType identifies the stimulus that fires a trigger.
type TriggerType string

const (
	TriggerCron    TriggerType = "cron"
	TriggerWebhook TriggerType = "webhook"
	TriggerEvent   TriggerType = "event"
)

// SubWorkflowErrorStrategy controls how a parent run reacts to a child
// sub-workflow's terminal outcome.
type SubWorkflowErrorStrategy string

const (
	SubWorkflowPropagate SubWorkflowErrorStrategy = "propagate"
	SubWorkflowCatch     SubWorkflowErrorStrategy = "catch"
	SubWorkflowIgnore    SubWorkflowErrorStrategy = "ignore"
	SubWorkflowRetry     SubWorkflowErrorStrategy = "retry"
)
