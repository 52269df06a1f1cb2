package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// AnthropicVersion is sent with every messages API request.
const AnthropicVersion = "2023-06-01"

const defaultAnthropicMaxTokens = 8192

// AnthropicAdapter speaks the Anthropic messages protocol. Stream events are
// decoded through the SDK's MessageStreamEventUnion; the request body is built
// directly so signed thinking blocks can be echoed back verbatim.
type AnthropicAdapter struct{}

// NewAnthropicAdapter creates the messages adapter.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{}
}

func (a *AnthropicAdapter) Kind() Kind { return KindAnthropic }

func (a *AnthropicAdapter) EndpointPath() string { return "/v1/messages" }

func (a *AnthropicAdapter) AuthHeaders(credential string) map[string]string {
	headers := map[string]string{"anthropic-version": AnthropicVersion}
	if credential != "" {
		headers["x-api-key"] = credential
	}
	return headers
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	Source *anthropicSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// BuildRequest converts the normalized request into a messages API body.
// System turns are concatenated into the system field; tool results travel
// as user turns; consecutive turns of the same role are merged.
func (a *AnthropicAdapter) BuildRequest(req *Request) ([]byte, error) {
	if err := validateMessages(req); err != nil {
		return nil, err
	}

	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.Sampling.MaxTokens,
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
		Stream:      true,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultAnthropicMaxTokens
	}
	if req.Options.Thinking {
		budget := req.Options.ThinkingBudget
		if budget < 1024 {
			budget = 1024
		}
		if budget >= body.MaxTokens {
			body.MaxTokens = budget + defaultAnthropicMaxTokens
		}
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		// Extended thinking rejects a custom temperature.
		body.Temperature = nil
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			if text := strings.TrimSpace(msg.PlainText()); text != "" {
				system = append(system, text)
			}
			continue
		}

		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "assistant"
		}
		blocks := anthropicBlocks(msg, req.Options.EchoReasoning)
		if len(blocks) == 0 {
			continue
		}
		if n := len(body.Messages); n > 0 && body.Messages[n-1].Role == role {
			body.Messages[n-1].Content = append(body.Messages[n-1].Content, blocks...)
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: role, Content: blocks})
	}
	body.System = strings.Join(system, "\n\n")

	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: toolParameters(tool.Parameters),
		})
	}

	return mergeExtraBody(body, req.Options.ExtraBody)
}

func anthropicBlocks(msg *models.Message, echoReasoning bool) []anthropicBlock {
	if len(msg.Content.Parts) == 0 {
		if strings.TrimSpace(msg.Content.Text) == "" {
			return nil
		}
		return []anthropicBlock{{Type: "text", Text: msg.Content.Text}}
	}

	var blocks []anthropicBlock
	for _, part := range msg.Content.Parts {
		switch part.Type {
		case models.PartText:
			if part.Text != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: part.Text})
			}
		case models.PartReasoning:
			// Thinking blocks are only accepted back when signed.
			sig := metaString(part.Metadata, "signature")
			if echoReasoning && sig != "" && part.Text != "" {
				blocks = append(blocks, anthropicBlock{Type: "thinking", Thinking: part.Text, Signature: sig})
			}
		case models.PartImage:
			if src := anthropicImageSource(part); src != nil {
				blocks = append(blocks, anthropicBlock{Type: "image", Source: src})
			}
		case models.PartToolCall:
			blocks = append(blocks, anthropicBlock{
				Type:  "tool_use",
				ID:    part.ToolCallID,
				Name:  part.ToolName,
				Input: toolInput(part.Input),
			})
		case models.PartToolResult:
			blocks = append(blocks, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: part.ToolCallID,
				Content:   part.Output,
				IsError:   part.IsError,
			})
		}
	}
	return blocks
}

func anthropicImageSource(part models.ContentPart) *anthropicSource {
	if part.URL == "" {
		return nil
	}
	if !strings.HasPrefix(part.URL, "data:") {
		return &anthropicSource{Type: "url", URL: part.URL}
	}
	// data:<media type>;base64,<payload>
	header, payload, ok := strings.Cut(strings.TrimPrefix(part.URL, "data:"), ",")
	if !ok {
		return nil
	}
	mediaType := strings.TrimSuffix(header, ";base64")
	if part.MimeType != "" {
		mediaType = part.MimeType
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return nil
	}
	return &anthropicSource{Type: "base64", MediaType: mediaType, Data: payload}
}

type anthropicEnvelope struct {
	Type  string `json:"type"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseEvent consumes one messages API stream event.
func (a *AnthropicAdapter) ParseEvent(event string, data []byte, state *ParseState) (*StreamEvent, error) {
	if state.closed {
		return state.stage(nil), nil
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return state.stage(nil), nil
	}

	var env anthropicEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeErr("anthropic.event", err)
	}
	eventType := env.Type
	if eventType == "" {
		eventType = event
	}

	var out []StreamEvent
	switch eventType {
	case "ping":
		return state.stage(nil), nil

	case "error":
		msg := "anthropic stream error"
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return state.stage(append(out, errorEvent(msg))), nil

	case "message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop":
		// Modelled below.

	default:
		return state.stage(rawEvent(eventType, data, state)), nil
	}

	var ev anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, decodeErr("anthropic.event", err)
	}

	switch eventType {
	case "message_start":
		usage := ev.AsMessageStart().Message.Usage
		state.usage.InputTokens = int(usage.InputTokens)
		state.usage.CachedTokens = int(usage.CacheReadInputTokens)
		state.usage.CacheCreationTokens = int(usage.CacheCreationInputTokens)

	case "content_block_start":
		start := ev.AsContentBlockStart()
		index := int(start.Index)
		block := start.ContentBlock
		state.blockKinds[index] = block.Type
		switch block.Type {
		case "thinking", "redacted_thinking":
			out = state.startReasoning(out)
		case "text":
			state.textOpen = false
			out = state.text(out, block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			// The start event carries an empty input placeholder; arguments
			// arrive as input_json_delta fragments addressed by index.
			state.addToolFragment(index, true, toolUse.ID, toolUse.Name, "", nil)
		}

	case "content_block_delta":
		delta := ev.AsContentBlockDelta()
		index := int(delta.Index)
		switch delta.Delta.Type {
		case "text_delta":
			out = state.text(out, delta.Delta.Text)
		case "thinking_delta":
			out = state.startReasoning(out)
			if delta.Delta.Thinking != "" {
				out = append(out, reasoningDelta(delta.Delta.Thinking))
			}
		case "signature_delta":
			state.setReasoningMeta("signature", delta.Delta.Signature)
		case "input_json_delta":
			if e := state.addToolFragment(index, true, "", "", delta.Delta.PartialJSON, nil); e != nil {
				out = append(out, *e)
			}
		}

	case "content_block_stop":
		index := int(ev.AsContentBlockStop().Index)
		switch state.blockKinds[index] {
		case "thinking", "redacted_thinking":
			out = state.endReasoning(out)
		case "tool_use":
			if key, ok := state.indexToID[index]; ok {
				if e := state.forceToolCall(key); e != nil {
					out = append(out, *e)
				}
			}
		case "text":
			state.textOpen = false
		}
		delete(state.blockKinds, index)

	case "message_delta":
		md := ev.AsMessageDelta()
		if reason := string(md.Delta.StopReason); reason != "" {
			state.finishReason = reason
		}
		if md.Usage.OutputTokens > 0 {
			state.usage.OutputTokens = int(md.Usage.OutputTokens)
		}
		out = state.emitUsage(out)

	case "message_stop":
		out = state.finish(out)
	}

	return state.stage(out), nil
}

// Finish force-flushes the stream when the connection closes.
func (a *AnthropicAdapter) Finish(state *ParseState) []StreamEvent {
	return state.finish(state.Drain())
}
