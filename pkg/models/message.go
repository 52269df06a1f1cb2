package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// PartType identifies the variant held by a ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartVideo      PartType = "video"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartReasoning  PartType = "reasoning"
)

// ContentPart is one element of a structured message body. Only the fields
// relevant to Type are populated.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text holds the body of text and reasoning parts.
	Text string `json:"text,omitempty"`

	// URL and MimeType describe image and video parts. URL may be a data: URI.
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// ToolCallID and ToolName identify tool_call and tool_result parts.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`

	// Metadata carries provider passthrough values such as thinking
	// signatures that must be echoed back on the next request.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image content part.
func ImagePart(url, mimeType string) ContentPart {
	return ContentPart{Type: PartImage, URL: url, MimeType: mimeType}
}

// ToolCallPart builds a tool_call content part.
func ToolCallPart(id, name string, input json.RawMessage, metadata map[string]any) ContentPart {
	return ContentPart{Type: PartToolCall, ToolCallID: id, ToolName: name, Input: input, Metadata: metadata}
}

// ToolResultPart builds a tool_result content part.
func ToolResultPart(id, name, output string, isError bool) ContentPart {
	return ContentPart{Type: PartToolResult, ToolCallID: id, ToolName: name, Output: output, IsError: isError}
}

// ReasoningPart builds a reasoning content part.
func ReasoningPart(text string, metadata map[string]any) ContentPart {
	return ContentPart{Type: PartReasoning, Text: text, Metadata: metadata}
}

// MessageContent is either plain text or an ordered list of parts. When Parts
// is non-empty it takes precedence over Text.
type MessageContent struct {
	Text  string        `json:"text,omitempty"`
	Parts []ContentPart `json:"parts,omitempty"`
}

// IsEmpty reports whether the content carries nothing worth sending.
func (c MessageContent) IsEmpty() bool {
	if len(c.Parts) == 0 {
		return strings.TrimSpace(c.Text) == ""
	}
	for _, p := range c.Parts {
		if !p.isEmpty() {
			return false
		}
	}
	return true
}

func (p ContentPart) isEmpty() bool {
	switch p.Type {
	case PartText, PartReasoning:
		return p.Text == ""
	case PartImage, PartVideo:
		return p.URL == ""
	default:
		return false
	}
}

// Message is a single conversation turn.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Role      Role           `json:"role"`
	Content   MessageContent `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// SystemMessage creates a system turn.
func SystemMessage(text string) *Message {
	return &Message{Role: RoleSystem, Content: MessageContent{Text: text}, CreatedAt: time.Now()}
}

// UserMessage creates a user turn with plain text.
func UserMessage(text string) *Message {
	return &Message{Role: RoleUser, Content: MessageContent{Text: text}, CreatedAt: time.Now()}
}

// AssistantMessage creates an assistant turn from ordered parts.
func AssistantMessage(parts ...ContentPart) *Message {
	return &Message{Role: RoleAssistant, Content: MessageContent{Parts: parts}, CreatedAt: time.Now()}
}

// ToolResultMessage creates a tool turn holding one result part per result.
func ToolResultMessage(results ...ToolResult) *Message {
	parts := make([]ContentPart, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Part())
	}
	return &Message{Role: RoleTool, Content: MessageContent{Parts: parts}, CreatedAt: time.Now()}
}

// PlainText concatenates the text parts of the message.
func (m *Message) PlainText() string {
	if m == nil {
		return ""
	}
	if len(m.Content.Parts) == 0 {
		return m.Content.Text
	}
	var b strings.Builder
	for _, p := range m.Content.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool requests carried by an assistant message.
func (m *Message) ToolCalls() []ToolRequest {
	if m == nil {
		return nil
	}
	var calls []ToolRequest
	for _, p := range m.Content.Parts {
		if p.Type != PartToolCall {
			continue
		}
		calls = append(calls, ToolRequest{
			ToolCallID: p.ToolCallID,
			Name:       p.ToolName,
			Input:      p.Input,
			Metadata:   p.Metadata,
		})
	}
	return calls
}

// Clone returns a deep-enough copy so callers can't mutate a stored turn.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.Content.Parts) > 0 {
		clone.Content.Parts = make([]ContentPart, len(m.Content.Parts))
		copy(clone.Content.Parts, m.Content.Parts)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
