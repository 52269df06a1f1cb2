package protocol

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/haasonsaas/codeloop/pkg/models"
)

var anthropicToolStream = sseStream(
	"event: message_start\n"+`data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":12,"output_tokens":1,"cache_read_input_tokens":4,"cache_creation_input_tokens":2}}}`,
	"event: content_block_start\n"+`data: {"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`,
	"event: content_block_delta\n"+`data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
	"event: content_block_delta\n"+`data: {"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig123"}}`,
	"event: content_block_stop\n"+`data: {"type":"content_block_stop","index":0}`,
	"event: content_block_start\n"+`data: {"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`,
	"event: ping\n"+`data: {"type": "ping"}`,
	"event: content_block_delta\n"+`data: {"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Reading"}}`,
	"event: content_block_stop\n"+`data: {"type":"content_block_stop","index":1}`,
	"event: content_block_start\n"+`data: {"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"read_file","input":{}}}`,
	"event: content_block_delta\n"+`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"path\": \"a"}}`,
	"event: content_block_delta\n"+`data: {"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":".go\"}"}}`,
	"event: content_block_stop\n"+`data: {"type":"content_block_stop","index":2}`,
	"event: message_delta\n"+`data: {"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":30}}`,
	"event: message_stop\n"+`data: {"type":"message_stop"}`,
)

func TestAnthropicAdapter_ParseToolStream(t *testing.T) {
	events := runChunks(t, NewAnthropicAdapter(), anthropicToolStream)

	want := []EventType{
		EventReasoningStart, EventReasoningDelta, EventReasoningEnd,
		EventTextStart, EventTextDelta,
		EventToolCall,
		EventUsage, EventDone,
	}
	if got := eventTypes(events); !equalTypes(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}

	if events[1].Text != "hmm" {
		t.Errorf("reasoning delta = %q", events[1].Text)
	}
	if events[2].Metadata["signature"] != "sig123" {
		t.Errorf("reasoning end metadata = %v", events[2].Metadata)
	}
	if events[4].Text != "Reading" {
		t.Errorf("text delta = %q", events[4].Text)
	}

	call := events[5].ToolCall
	if call.ToolCallID != "toolu_1" || call.Name != "read_file" || string(call.Input) != `{"path": "a.go"}` {
		t.Errorf("tool call = %+v input=%s", call, call.Input)
	}

	wantUsage := Usage{InputTokens: 12, OutputTokens: 30, CachedTokens: 4, CacheCreationTokens: 2}
	if got := events[6].Usage; got == nil || *got != wantUsage {
		t.Errorf("usage = %+v, want %+v", got, wantUsage)
	}
	if events[7].FinishReason != "tool_use" {
		t.Errorf("finish reason = %q", events[7].FinishReason)
	}
}

func TestAnthropicAdapter_SplitInvariance(t *testing.T) {
	adapter := NewAnthropicAdapter()
	whole := runChunks(t, adapter, anthropicToolStream)

	for offset := 1; offset < len(anthropicToolStream); offset += 7 {
		split := runChunks(t, adapter, anthropicToolStream[:offset], anthropicToolStream[offset:])
		if !reflect.DeepEqual(whole, split) {
			t.Fatalf("split at %d differs:\n got %+v\nwant %+v", offset, split, whole)
		}
	}
}

func TestAnthropicAdapter_TruncatedToolUse(t *testing.T) {
	stream := sseStream(
		"event: content_block_start\n"+`data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_9","name":"edit_file","input":{}}}`,
		"event: content_block_delta\n"+`data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
	)

	calls := toolCalls(runChunks(t, NewAnthropicAdapter(), stream))
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if string(calls[0].ToolCall.Input) != `{}` || !calls[0].Incomplete {
		t.Errorf("forced call = %s incomplete=%v", calls[0].ToolCall.Input, calls[0].Incomplete)
	}
}

func TestAnthropicAdapter_ErrorAndUnknownEvents(t *testing.T) {
	adapter := NewAnthropicAdapter()

	state := NewParseState()
	ev, err := adapter.ParseEvent("error", []byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`), state)
	if err != nil {
		t.Fatalf("ParseEvent() error: %v", err)
	}
	if ev == nil || ev.Type != EventError || ev.Text != "Overloaded" {
		t.Fatalf("event = %+v, want error Overloaded", ev)
	}

	state = NewParseState()
	ev, err = adapter.ParseEvent("future_event", []byte(`{"type":"future_event","x":1}`), state)
	if err != nil || ev != nil {
		t.Fatalf("unknown event = %+v, %v; want nothing", ev, err)
	}

	state = NewParseState()
	state.EmitRaw = true
	ev, _ = adapter.ParseEvent("future_event", []byte(`{"type":"future_event","x":1}`), state)
	if ev == nil || ev.Type != EventRaw || ev.Name != "future_event" {
		t.Fatalf("raw event = %+v", ev)
	}
}

func TestAnthropicAdapter_BuildRequest(t *testing.T) {
	temp := 0.7
	req := &Request{
		Model: "claude-sonnet",
		Messages: []*models.Message{
			models.SystemMessage("rule one"),
			models.SystemMessage("rule two"),
			models.UserMessage("read a.go"),
			models.AssistantMessage(
				models.ReasoningPart("need it", map[string]any{"signature": "sig"}),
				models.ReasoningPart("unsigned", nil),
				models.TextPart("Reading."),
				models.ToolCallPart("toolu_1", "read_file", json.RawMessage(`{"path":"a.go"}`), nil),
			),
			models.ToolResultMessage(models.ToolResult{ToolCallID: "toolu_1", Name: "read_file", Success: true, Output: "package a"}),
			models.UserMessage("thanks"),
		},
		Sampling: Sampling{Temperature: &temp},
		Options:  Options{Thinking: true, ThinkingBudget: 100, EchoReasoning: true},
	}

	raw, err := NewAnthropicAdapter().BuildRequest(req)
	if err != nil {
		t.Fatalf("BuildRequest() error: %v", err)
	}

	var body struct {
		System      string   `json:"system"`
		MaxTokens   int      `json:"max_tokens"`
		Temperature *float64 `json:"temperature"`
		Thinking    struct {
			Type         string `json:"type"`
			BudgetTokens int    `json:"budget_tokens"`
		} `json:"thinking"`
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Type      string `json:"type"`
				Text      string `json:"text"`
				Thinking  string `json:"thinking"`
				Signature string `json:"signature"`
				ToolUseID string `json:"tool_use_id"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("invalid body: %v\n%s", err, raw)
	}

	if body.System != "rule one\n\nrule two" {
		t.Errorf("system = %q", body.System)
	}
	if body.Thinking.Type != "enabled" || body.Thinking.BudgetTokens != 1024 {
		t.Errorf("thinking = %+v", body.Thinking)
	}
	if body.MaxTokens <= body.Thinking.BudgetTokens {
		t.Errorf("max_tokens %d must exceed thinking budget", body.MaxTokens)
	}
	if body.Temperature != nil {
		t.Errorf("temperature must be dropped with thinking, got %v", *body.Temperature)
	}

	// The tool result and the follow-up user text merge into one user turn.
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3\n%s", len(body.Messages), raw)
	}
	asst := body.Messages[1]
	var types []string
	for _, block := range asst.Content {
		types = append(types, block.Type)
	}
	if !reflect.DeepEqual(types, []string{"thinking", "text", "tool_use"}) {
		t.Errorf("assistant blocks = %v", types)
	}
	if asst.Content[0].Signature != "sig" {
		t.Errorf("signature = %q", asst.Content[0].Signature)
	}
	last := body.Messages[2]
	if last.Role != "user" || len(last.Content) != 2 || last.Content[0].ToolUseID != "toolu_1" || last.Content[1].Text != "thanks" {
		t.Errorf("last turn = %+v", last)
	}
}

func TestAnthropicAdapter_AuthHeaders(t *testing.T) {
	headers := NewAnthropicAdapter().AuthHeaders("sk-ant")
	if headers["x-api-key"] != "sk-ant" || headers["anthropic-version"] != AnthropicVersion {
		t.Fatalf("headers = %v", headers)
	}
}
