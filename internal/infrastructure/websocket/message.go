package websocket

import (
	"time"
)

// Event types (server -> client)
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunPaused    = "run.paused"
	EventRunResumed   = "run.resumed"
	EventRunCancelled = "run.cancelled"

	EventNodeStarted   = "node.started"
	EventNodeCompleted = "node.completed"
	EventNodeFailed    = "node.failed"
	EventNodeRetrying  = "node.retrying"
	EventVariableSet   = "variable.set"

	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
)

// Command types (client -> server)
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdCancel      = "cancel"
	CmdApprove     = "approve"
	CmdReject      = "reject"
)

// WSEvent represents an event sent from server to client, covering both
// run/node lifecycle notifications and human-approval gate lifecycle.
type WSEvent struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id"`

	// Node-specific fields (optional)
	NodeID        string `json:"node_id,omitempty"`
	NodeName      string `json:"node_name,omitempty"`
	NodeType      string `json:"node_type,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
	Output        any    `json:"output,omitempty"`
	Error         string `json:"error,omitempty"`
	AttemptNumber int    `json:"attempt_number,omitempty"`
	WillRetry     bool   `json:"will_retry,omitempty"`
	DelayMs       int64  `json:"delay_ms,omitempty"`

	// Variable-specific
	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`

	// Approval-specific (set on EventApprovalRequested/EventApprovalResolved)
	ApprovalID  string `json:"approval_id,omitempty"`
	Assignee    string `json:"assignee,omitempty"`
	Decision    any    `json:"decision,omitempty"`
	RespondedBy string `json:"responded_by,omitempty"`
}

// WSCommand represents a command sent from client to server
type WSCommand struct {
	Action     string `json:"action"`
	RunID      string `json:"run_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`

	// Approval-specific, for CmdApprove/CmdReject
	ApprovalID string `json:"approval_id,omitempty"`
	Decision   any    `json:"decision,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// WSResponse represents a response to a client command
type WSResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewWSEvent creates a new WSEvent with the given type and IDs
func NewWSEvent(eventType, workflowID, runID string) *WSEvent {
	return &WSEvent{
		Type:       eventType,
		Timestamp:  time.Now(),
		WorkflowID: workflowID,
		RunID:      runID,
	}
}

// NewApprovalEvent creates a WSEvent carrying the approval-specific fields
// a pending or resolved human gate needs to render client-side.
func NewApprovalEvent(eventType, workflowID, runID, approvalID, assignee string) *WSEvent {
	evt := NewWSEvent(eventType, workflowID, runID)
	evt.ApprovalID = approvalID
	evt.Assignee = assignee
	return evt
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(responseType, message string) *WSResponse {
	return &WSResponse{
		Type:    responseType,
		Success: true,
		Message: message,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(responseType, errorMsg string) *WSResponse {
	return &WSResponse{
		Type:    responseType,
		Success: false,
		Error:   errorMsg,
	}
}
