package protocol

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/codeloop/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// openAIDoneSentinel terminates chat completion streams.
const openAIDoneSentinel = "[DONE]"

// OpenAIAdapter speaks the chat completions protocol used by OpenAI and the
// many OpenAI-compatible providers (DeepSeek, Moonshot, Zhipu, OpenRouter,
// Ollama, ...).
//
// Standard chunk fields decode through go-openai's stream types; vendor
// extensions such as reasoning_content and Gemini thought signatures are read
// from a small overlay struct decoded from the same bytes.
type OpenAIAdapter struct{}

// NewOpenAIAdapter creates the chat completions adapter.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{}
}

func (a *OpenAIAdapter) Kind() Kind { return KindOpenAI }

func (a *OpenAIAdapter) EndpointPath() string { return "/chat/completions" }

func (a *OpenAIAdapter) AuthHeaders(credential string) map[string]string {
	if credential == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + credential}
}

type openAIRequest struct {
	Model           string               `json:"model"`
	Messages        []openAIMessage      `json:"messages"`
	Tools           []openAITool         `json:"tools,omitempty"`
	Stream          bool                 `json:"stream"`
	StreamOptions   *openAIStreamOptions `json:"stream_options,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	TopP            *float64             `json:"top_p,omitempty"`
	MaxTokens       int                  `json:"max_tokens,omitempty"`
	ReasoningEffort string               `json:"reasoning_effort,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role             string           `json:"role"`
	Content          any              `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIMediaURL `json:"image_url,omitempty"`
	VideoURL *openAIMediaURL `json:"video_url,omitempty"`
}

type openAIMediaURL struct {
	URL string `json:"url"`
}

type openAIToolCall struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Function     openAIFunctionCall `json:"function"`
	ExtraContent map[string]any     `json:"extra_content,omitempty"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIFunctionSpec `json:"function"`
}

type openAIFunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
	Strict      bool            `json:"strict,omitempty"`
}

// BuildRequest converts the normalized request into a chat completions body.
func (a *OpenAIAdapter) BuildRequest(req *Request) ([]byte, error) {
	if err := validateMessages(req); err != nil {
		return nil, err
	}

	body := openAIRequest{
		Model:           req.Model,
		Stream:          true,
		StreamOptions:   &openAIStreamOptions{IncludeUsage: true},
		Temperature:     req.Sampling.Temperature,
		TopP:            req.Sampling.TopP,
		MaxTokens:       req.Sampling.MaxTokens,
		ReasoningEffort: req.Options.ReasoningEffort,
	}

	for _, msg := range req.Messages {
		body.Messages = append(body.Messages, convertOpenAIMessage(msg, req.Options.EchoReasoning)...)
	}

	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type: string(openai.ToolTypeFunction),
			Function: openAIFunctionSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toolParameters(tool.Parameters),
				Strict:      tool.Strict,
			},
		})
	}

	return mergeExtraBody(body, req.Options.ExtraBody)
}

func convertOpenAIMessage(msg *models.Message, echoReasoning bool) []openAIMessage {
	switch msg.Role {
	case models.RoleSystem:
		text := msg.PlainText()
		if strings.TrimSpace(text) == "" {
			return nil
		}
		return []openAIMessage{{Role: openai.ChatMessageRoleSystem, Content: text}}

	case models.RoleTool:
		// Each result becomes its own tool turn keyed by tool_call_id.
		var out []openAIMessage
		for _, part := range msg.Content.Parts {
			if part.Type != models.PartToolResult {
				continue
			}
			out = append(out, openAIMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    part.Output,
				ToolCallID: part.ToolCallID,
			})
		}
		return out

	case models.RoleAssistant:
		out := openAIMessage{Role: openai.ChatMessageRoleAssistant}
		var text, reasoning strings.Builder
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case models.PartText:
				text.WriteString(part.Text)
			case models.PartReasoning:
				reasoning.WriteString(part.Text)
			case models.PartToolCall:
				call := openAIToolCall{
					ID:   part.ToolCallID,
					Type: string(openai.ToolTypeFunction),
					Function: openAIFunctionCall{
						Name:      part.ToolName,
						Arguments: string(toolInput(part.Input)),
					},
				}
				if sig := metaString(part.Metadata, "thought_signature"); sig != "" {
					call.ExtraContent = map[string]any{
						"google": map[string]any{"thought_signature": sig},
					}
				}
				out.ToolCalls = append(out.ToolCalls, call)
			}
		}
		if len(msg.Content.Parts) == 0 {
			text.WriteString(msg.Content.Text)
		}
		if text.Len() > 0 {
			out.Content = text.String()
		}
		if echoReasoning && reasoning.Len() > 0 {
			out.ReasoningContent = reasoning.String()
		}
		if out.Content == nil && len(out.ToolCalls) == 0 {
			return nil
		}
		return []openAIMessage{out}

	default:
		if len(msg.Content.Parts) == 0 {
			if strings.TrimSpace(msg.Content.Text) == "" {
				return nil
			}
			return []openAIMessage{{Role: openai.ChatMessageRoleUser, Content: msg.Content.Text}}
		}
		var parts []openAIContentPart
		for _, part := range msg.Content.Parts {
			switch part.Type {
			case models.PartText:
				if part.Text != "" {
					parts = append(parts, openAIContentPart{Type: string(openai.ChatMessagePartTypeText), Text: part.Text})
				}
			case models.PartImage:
				if part.URL != "" {
					parts = append(parts, openAIContentPart{Type: string(openai.ChatMessagePartTypeImageURL), ImageURL: &openAIMediaURL{URL: part.URL}})
				}
			case models.PartVideo:
				if part.URL != "" {
					parts = append(parts, openAIContentPart{Type: "video_url", VideoURL: &openAIMediaURL{URL: part.URL}})
				}
			}
		}
		if len(parts) == 0 {
			return nil
		}
		return []openAIMessage{{Role: openai.ChatMessageRoleUser, Content: parts}}
	}
}

// openAIChunkExtensions overlays vendor fields go-openai does not model.
type openAIChunkExtensions struct {
	Choices []struct {
		Delta struct {
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
			ToolCalls        []struct {
				Index        *int `json:"index"`
				ExtraContent struct {
					Google struct {
						ThoughtSignature string `json:"thought_signature"`
					} `json:"google"`
				} `json:"extra_content"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptCacheHitTokens int `json:"prompt_cache_hit_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ParseEvent consumes one chat completions chunk.
func (a *OpenAIAdapter) ParseEvent(event string, data []byte, state *ParseState) (*StreamEvent, error) {
	if state.closed {
		return state.stage(nil), nil
	}
	payload := strings.TrimSpace(string(data))
	if payload == "" {
		return state.stage(nil), nil
	}
	if payload == openAIDoneSentinel {
		return state.stage(state.finish(nil)), nil
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, decodeErr("openai.chunk", err)
	}
	var ext openAIChunkExtensions
	if err := json.Unmarshal(data, &ext); err != nil {
		return nil, decodeErr("openai.chunk", err)
	}

	var out []StreamEvent
	if ext.Error != nil && ext.Error.Message != "" {
		return state.stage(append(out, errorEvent(ext.Error.Message))), nil
	}

	for i, choice := range chunk.Choices {
		var reasoning string
		var sigs map[int]string
		if i < len(ext.Choices) {
			delta := ext.Choices[i].Delta
			reasoning = delta.ReasoningContent
			if reasoning == "" {
				reasoning = delta.Reasoning
			}
			for j, tc := range delta.ToolCalls {
				if sig := tc.ExtraContent.Google.ThoughtSignature; sig != "" {
					if sigs == nil {
						sigs = make(map[int]string)
					}
					idx := j
					if tc.Index != nil {
						idx = *tc.Index
					}
					sigs[idx] = sig
				}
			}
		}

		if reasoning != "" {
			out = state.startReasoning(out)
			out = append(out, reasoningDelta(reasoning))
		}

		if choice.Delta.Content != "" {
			out = state.endReasoning(out)
			out = state.text(out, choice.Delta.Content)
		}

		for j, tc := range choice.Delta.ToolCalls {
			out = state.endReasoning(out)
			index, hasIndex := j, false
			if tc.Index != nil {
				index, hasIndex = *tc.Index, true
			}
			var meta map[string]any
			if sig, ok := sigs[index]; ok {
				meta = map[string]any{"thought_signature": sig}
			}
			if ev := state.addToolFragment(index, hasIndex, tc.ID, tc.Function.Name, tc.Function.Arguments, meta); ev != nil {
				out = append(out, *ev)
			}
		}

		if choice.FinishReason != "" {
			state.finishReason = string(choice.FinishReason)
			out = state.endReasoning(out)
			out = state.flushToolCalls(out)
		}
	}

	if chunk.Usage != nil {
		state.usage = Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
		if chunk.Usage.PromptTokensDetails != nil {
			state.usage.CachedTokens = chunk.Usage.PromptTokensDetails.CachedTokens
		}
		if ext.Usage != nil && state.usage.CachedTokens == 0 {
			state.usage.CachedTokens = ext.Usage.PromptCacheHitTokens
		}
		out = state.emitUsage(out)
	}

	if len(out) == 0 && event != "" && event != "message" {
		return state.stage(rawEvent(event, data, state)), nil
	}
	return state.stage(out), nil
}

// Finish force-flushes the stream when the connection closes.
func (a *OpenAIAdapter) Finish(state *ParseState) []StreamEvent {
	out := state.finish(state.Drain())
	return out
}

func rawEvent(name string, data []byte, state *ParseState) []StreamEvent {
	if !state.EmitRaw || !json.Valid(data) {
		return nil
	}
	return []StreamEvent{{Type: EventRaw, Name: name, Raw: append(json.RawMessage(nil), data...)}}
}
