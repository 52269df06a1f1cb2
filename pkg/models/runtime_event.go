package models

import "time"

// RuntimeEventType defines the types of runtime events.
type RuntimeEventType string

const (
	// EventTaskStateChanged is emitted on every task state transition.
	EventTaskStateChanged RuntimeEventType = "task_state_changed"

	// EventMessageCreated is emitted when a turn is appended to the conversation.
	EventMessageCreated RuntimeEventType = "message_created"

	// EventToken carries one streamed text delta.
	EventToken RuntimeEventType = "token"

	EventReasoningStart RuntimeEventType = "reasoning_start"
	EventReasoningDelta RuntimeEventType = "reasoning_delta"
	EventReasoningEnd   RuntimeEventType = "reasoning_end"

	// EventToolCallRequested is emitted once per tool call the model asks for,
	// including calls that are pending approval.
	EventToolCallRequested RuntimeEventType = "tool_call_requested"

	// EventToolCallCompleted is emitted once per tool call with its result.
	EventToolCallCompleted RuntimeEventType = "tool_call_completed"

	EventError         RuntimeEventType = "error"
	EventTaskCompleted RuntimeEventType = "task_completed"
)

// RuntimeEvent is fanned out on the event bus for external relays.
type RuntimeEvent struct {
	Type      RuntimeEventType `json:"type"`
	Sequence  uint64           `json:"sequence"`
	TaskID    string           `json:"task_id"`
	SessionID string           `json:"session_id,omitempty"`
	Time      time.Time        `json:"time"`

	State     TaskState      `json:"state,omitempty"`
	Text      string         `json:"text,omitempty"`
	Message   *Message       `json:"message,omitempty"`
	Tool      *ToolRequest   `json:"tool,omitempty"`
	Result    *ToolResult    `json:"result,omitempty"`
	Pending   bool           `json:"pending,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// NewRuntimeEvent creates an event for a task.
func NewRuntimeEvent(eventType RuntimeEventType, taskID, sessionID string) RuntimeEvent {
	return RuntimeEvent{
		Type:      eventType,
		TaskID:    taskID,
		SessionID: sessionID,
		Time:      time.Now(),
	}
}

// WithMeta adds metadata to the event.
func (e RuntimeEvent) WithMeta(key string, value any) RuntimeEvent {
	meta := make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	e.Meta = meta
	return e
}
