package protocol

import (
	"encoding/json"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// EventType identifies a normalized stream event.
type EventType string

const (
	EventTextStart      EventType = "text_start"
	EventTextDelta      EventType = "text_delta"
	EventToolCall       EventType = "tool_call"
	EventReasoningStart EventType = "reasoning_start"
	EventReasoningDelta EventType = "reasoning_delta"
	EventReasoningEnd   EventType = "reasoning_end"
	EventUsage          EventType = "usage"
	EventDone           EventType = "done"
	EventError          EventType = "error"
	EventRaw            EventType = "raw"
)

// StreamEvent is the only vocabulary the task runtime consumes. Provider wire
// formats never leak past the adapter.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Text is the delta for text and reasoning events and the message for
	// error events.
	Text string `json:"text,omitempty"`

	// ToolCall is set for EventToolCall.
	ToolCall *models.ToolRequest `json:"tool_call,omitempty"`

	// Incomplete marks a tool call whose arguments never parsed as complete
	// JSON. Its input has been replaced with an empty object.
	Incomplete bool `json:"incomplete,omitempty"`

	// Usage is set for EventUsage.
	Usage *Usage `json:"usage,omitempty"`

	// FinishReason is the provider stop reason carried by EventDone.
	FinishReason string `json:"finish_reason,omitempty"`

	// Metadata carries provider passthrough values, e.g. the thinking
	// signature on EventReasoningEnd.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Name and Raw hold the original frame for EventRaw.
	Name string          `json:"name,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

// Usage holds provider-reported token counters.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CachedTokens        int `json:"cached_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// IsZero reports whether no counter was reported.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CachedTokens += other.CachedTokens
	u.CacheCreationTokens += other.CacheCreationTokens
}

func textDelta(text string) StreamEvent {
	return StreamEvent{Type: EventTextDelta, Text: text}
}

func reasoningDelta(text string) StreamEvent {
	return StreamEvent{Type: EventReasoningDelta, Text: text}
}

func errorEvent(msg string) StreamEvent {
	return StreamEvent{Type: EventError, Text: msg}
}
