package models

import (
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a runtime task.
type TaskState string

const (
	TaskPending        TaskState = "pending"
	TaskRunning        TaskState = "running"
	TaskWaitingForUser TaskState = "waiting_for_user"
	TaskCompleted      TaskState = "completed"
	TaskFailed         TaskState = "failed"
	TaskCancelled      TaskState = "cancelled"
)

// IsActive reports whether the task can still make progress.
func (s TaskState) IsActive() bool {
	switch s {
	case TaskPending, TaskRunning, TaskWaitingForUser:
		return true
	}
	return false
}

// IsTerminal reports whether the task has finished.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// RuntimeTask is the persisted view of one task.
type RuntimeTask struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	State       TaskState  `json:"state"`
	Model       string     `json:"model,omitempty"`
	Iterations  int        `json:"iterations"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskActionType enumerates external commands a task accepts.
type TaskActionType string

const (
	ActionApprove    TaskActionType = "approve"
	ActionReject     TaskActionType = "reject"
	ActionToolResult TaskActionType = "tool_result"
	ActionCancel     TaskActionType = "cancel"
)

// TaskAction is delivered to a task through its handle.
type TaskAction struct {
	Type       TaskActionType `json:"type"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Reason     string         `json:"reason,omitempty"`

	// Result is the externally supplied output for ActionToolResult.
	Result json.RawMessage `json:"result,omitempty"`
}

// Approve builds an approve action for a pending tool call.
func Approve(toolCallID string) TaskAction {
	return TaskAction{Type: ActionApprove, ToolCallID: toolCallID}
}

// Reject builds a reject action carrying the user's reason.
func Reject(toolCallID, reason string) TaskAction {
	return TaskAction{Type: ActionReject, ToolCallID: toolCallID, Reason: reason}
}

// SupplyToolResult builds an action that answers a pending call directly.
func SupplyToolResult(toolCallID string, result json.RawMessage) TaskAction {
	return TaskAction{Type: ActionToolResult, ToolCallID: toolCallID, Result: result}
}

// Cancel builds a cancel action.
func Cancel() TaskAction {
	return TaskAction{Type: ActionCancel}
}
