// Package protocol translates between provider wire formats and the
// normalized message and stream event model.
//
// Each Adapter is stateless; everything a single stream needs between frames
// lives in a ParseState owned by the caller.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// Kind selects a wire protocol family.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
)

// Request is the normalized request handed to an adapter.
type Request struct {
	Model    string
	Messages []*models.Message
	Tools    []models.ToolDefinition
	Sampling Sampling
	Options  Options
}

// Sampling holds generation parameters. Nil pointers are omitted from the
// wire body so providers apply their own defaults.
type Sampling struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Options holds provider-family switches.
type Options struct {
	// Thinking enables extended reasoning where the protocol supports it.
	Thinking       bool
	ThinkingBudget int

	// ReasoningEffort is forwarded as reasoning_effort on OpenAI-style APIs.
	ReasoningEffort string

	// EchoReasoning sends prior reasoning parts back to the provider, as
	// reasoning_content or signed thinking blocks.
	EchoReasoning bool

	// ExtraBody is merged into the top level of the wire body.
	ExtraBody map[string]any

	// EmitRaw surfaces frames the adapter does not model as EventRaw instead
	// of dropping them.
	EmitRaw bool
}

// Adapter is one provider wire protocol.
type Adapter interface {
	// Kind returns the protocol family.
	Kind() Kind

	// EndpointPath is the default path appended to the provider base URL.
	EndpointPath() string

	// AuthHeaders returns the protocol's authentication headers for a credential.
	AuthHeaders(credential string) map[string]string

	// BuildRequest converts req into the provider wire body.
	BuildRequest(req *Request) ([]byte, error)

	// ParseEvent consumes one SSE frame. It returns the primary event (or nil)
	// and stages any further events in state.Pending.
	ParseEvent(event string, data []byte, state *ParseState) (*StreamEvent, error)

	// Finish is called when the connection closes. It force-flushes open tool
	// calls and reasoning blocks and emits the terminal Done event unless the
	// stream already ended.
	Finish(state *ParseState) []StreamEvent
}

// New returns the adapter for kind.
func New(kind Kind) (Adapter, error) {
	switch kind {
	case KindOpenAI, "":
		return NewOpenAIAdapter(), nil
	case KindAnthropic:
		return NewAnthropicAdapter(), nil
	default:
		return nil, models.Errorf(models.ErrorInvalidRequest, "protocol", "unknown protocol kind %q", kind)
	}
}

func invalid(format string, args ...any) error {
	return models.Errorf(models.ErrorInvalidRequest, "protocol.build", format, args...)
}

func decodeErr(op string, err error) error {
	return models.WrapError(models.ErrorDecode, op, err)
}

// mergeExtraBody marshals body and overlays extra on its top-level object.
func mergeExtraBody(body any, extra map[string]any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(extra) == 0 {
		return raw, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("merge extra body: %w", err)
	}
	for k, v := range extra {
		if v == nil {
			delete(obj, k)
			continue
		}
		obj[k] = v
	}
	return json.Marshal(obj)
}

// validateMessages rejects structurally invalid input shared by all adapters.
func validateMessages(req *Request) error {
	if req == nil {
		return invalid("request is nil")
	}
	if req.Model == "" {
		return invalid("model is required")
	}
	for i, msg := range req.Messages {
		if msg == nil {
			return invalid("message %d is nil", i)
		}
		if !msg.Role.Valid() {
			return invalid("message %d has unknown role %q", i, msg.Role)
		}
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case models.PartToolCall:
				if part.ToolCallID == "" || part.ToolName == "" {
					return invalid("message %d has a tool call without id or name", i)
				}
			case models.PartToolResult:
				if part.ToolCallID == "" {
					return invalid("message %d has a tool result without tool_call_id", i)
				}
			}
		}
	}
	for _, tool := range req.Tools {
		if tool.Name == "" {
			return invalid("tool definition without a name")
		}
	}
	return nil
}

// toolInput returns a JSON object for a stored tool call input.
func toolInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// toolParameters returns a schema object for a tool definition.
func toolParameters(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}
