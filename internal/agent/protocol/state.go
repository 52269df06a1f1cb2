package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/codeloop/pkg/models"
)

// placeholderPrefix marks fragment keys created from a positional index
// before the provider revealed the call id.
const placeholderPrefix = "#index:"

type toolFragment struct {
	key      string
	name     string
	args     strings.Builder
	metadata map[string]any
}

// ParseState accumulates everything one stream needs between frames. A fresh
// state must be used for every stream and discarded when it ends.
type ParseState struct {
	// Pending holds events staged behind the primary event returned by
	// ParseEvent. Callers drain it in order right after each call.
	Pending []StreamEvent

	// EmitRaw surfaces unmodelled frames as EventRaw instead of dropping them.
	EmitRaw bool

	calls     map[string]*toolFragment
	order     []string
	indexToID map[int]string
	emitted   map[string]bool

	reasoningOpen bool
	reasoningMeta map[string]any
	textOpen      bool

	usage        Usage
	usageEmitted bool

	finishReason string
	closed       bool

	// Anthropic content blocks are addressed by index.
	blockKinds map[int]string
}

// NewParseState returns an empty state for one stream.
func NewParseState() *ParseState {
	return &ParseState{
		calls:      make(map[string]*toolFragment),
		indexToID:  make(map[int]string),
		emitted:    make(map[string]bool),
		blockKinds: make(map[int]string),
	}
}

// Drain removes and returns the staged events in arrival order.
func (s *ParseState) Drain() []StreamEvent {
	if len(s.Pending) == 0 {
		return nil
	}
	out := s.Pending
	s.Pending = nil
	return out
}

// Closed reports whether a sentinel or finish already ended the stream.
func (s *ParseState) Closed() bool {
	return s.closed
}

// EmittedToolCalls returns how many tool calls have been emitted.
func (s *ParseState) EmittedToolCalls() int {
	return len(s.emitted)
}

// stage returns the first of the already pending events plus out, and keeps
// the remainder pending so ordering is preserved across calls.
func (s *ParseState) stage(out []StreamEvent) *StreamEvent {
	if len(out) == 0 && len(s.Pending) == 0 {
		return nil
	}
	all := append(s.Pending, out...)
	first := all[0]
	if len(all) > 1 {
		s.Pending = append([]StreamEvent(nil), all[1:]...)
	} else {
		s.Pending = nil
	}
	return &first
}

// resolveKey maps a wire identifier or positional index to the fragment key.
func (s *ParseState) resolveKey(index int, hasIndex bool, id string) string {
	if id != "" {
		if hasIndex {
			if prev, ok := s.indexToID[index]; ok && prev != id && strings.HasPrefix(prev, placeholderPrefix) {
				s.rekey(prev, id)
			}
			s.indexToID[index] = id
		}
		return id
	}
	if hasIndex {
		if known, ok := s.indexToID[index]; ok {
			return known
		}
		key := placeholderPrefix + strconv.Itoa(index)
		s.indexToID[index] = key
		return key
	}
	if n := len(s.order); n > 0 {
		return s.order[n-1]
	}
	return placeholderPrefix + "0"
}

func (s *ParseState) rekey(from, to string) {
	frag, ok := s.calls[from]
	if !ok {
		return
	}
	delete(s.calls, from)
	if existing, ok := s.calls[to]; ok {
		// The id was seen on its own first; merge the index-only fragment into it.
		if existing.name == "" {
			existing.name = frag.name
		}
		merged := frag.args.String() + existing.args.String()
		existing.args.Reset()
		existing.args.WriteString(merged)
		existing.metadata = mergeMeta(existing.metadata, frag.metadata)
		s.order = removeKey(s.order, from)
		return
	}
	frag.key = to
	s.calls[to] = frag
	for i, k := range s.order {
		if k == from {
			s.order[i] = to
		}
	}
	if s.emitted[from] {
		delete(s.emitted, from)
		s.emitted[to] = true
	}
}

// addToolFragment appends an argument fragment and returns a tool call event
// when the accumulated arguments form a complete JSON object.
func (s *ParseState) addToolFragment(index int, hasIndex bool, id, name, args string, metadata map[string]any) *StreamEvent {
	key := s.resolveKey(index, hasIndex, id)
	frag, ok := s.calls[key]
	if !ok {
		frag = &toolFragment{key: key}
		s.calls[key] = frag
		s.order = append(s.order, key)
	}
	if s.emitted[key] {
		return nil
	}
	if frag.name == "" && name != "" {
		frag.name = name
	}
	frag.args.WriteString(args)
	frag.metadata = mergeMeta(frag.metadata, metadata)

	if frag.name == "" || strings.HasPrefix(key, placeholderPrefix) {
		return nil
	}
	raw := bytes.TrimSpace([]byte(frag.args.String()))
	if len(raw) == 0 || raw[0] != '{' || !json.Valid(raw) {
		return nil
	}
	return s.emitTool(frag, json.RawMessage(raw), false)
}

// forceToolCall emits the fragment for key regardless of argument state.
func (s *ParseState) forceToolCall(key string) *StreamEvent {
	frag, ok := s.calls[key]
	if !ok || s.emitted[key] {
		return nil
	}
	raw := bytes.TrimSpace([]byte(frag.args.String()))
	switch {
	case len(raw) == 0:
		return s.emitTool(frag, json.RawMessage(`{}`), false)
	case raw[0] != '{' || !json.Valid(raw):
		return s.emitTool(frag, json.RawMessage(`{}`), true)
	default:
		return s.emitTool(frag, json.RawMessage(raw), false)
	}
}

func (s *ParseState) emitTool(frag *toolFragment, input json.RawMessage, incomplete bool) *StreamEvent {
	s.emitted[frag.key] = true
	id := frag.key
	if strings.HasPrefix(id, placeholderPrefix) {
		id = "call_" + uuid.NewString()
	}
	return &StreamEvent{
		Type: EventToolCall,
		ToolCall: &models.ToolRequest{
			ToolCallID: id,
			Name:       frag.name,
			Input:      input,
			Metadata:   frag.metadata,
		},
		Incomplete: incomplete,
	}
}

// flushToolCalls force-emits every pending call in first-seen order.
func (s *ParseState) flushToolCalls(out []StreamEvent) []StreamEvent {
	for _, key := range s.order {
		if ev := s.forceToolCall(key); ev != nil {
			out = append(out, *ev)
		}
	}
	return out
}

func (s *ParseState) startReasoning(out []StreamEvent) []StreamEvent {
	if s.reasoningOpen {
		return out
	}
	s.reasoningOpen = true
	s.reasoningMeta = nil
	return append(out, StreamEvent{Type: EventReasoningStart})
}

func (s *ParseState) endReasoning(out []StreamEvent) []StreamEvent {
	if !s.reasoningOpen {
		return out
	}
	s.reasoningOpen = false
	ev := StreamEvent{Type: EventReasoningEnd, Metadata: s.reasoningMeta}
	s.reasoningMeta = nil
	return append(out, ev)
}

func (s *ParseState) setReasoningMeta(key string, value any) {
	if s.reasoningMeta == nil {
		s.reasoningMeta = make(map[string]any)
	}
	s.reasoningMeta[key] = value
}

func (s *ParseState) text(out []StreamEvent, text string) []StreamEvent {
	if text == "" {
		return out
	}
	if !s.textOpen {
		s.textOpen = true
		out = append(out, StreamEvent{Type: EventTextStart})
	}
	return append(out, textDelta(text))
}

func (s *ParseState) emitUsage(out []StreamEvent) []StreamEvent {
	if s.usageEmitted || s.usage.IsZero() {
		return out
	}
	s.usageEmitted = true
	u := s.usage
	return append(out, StreamEvent{Type: EventUsage, Usage: &u})
}

// finish closes every open structure and appends the terminal Done event.
// It is idempotent.
func (s *ParseState) finish(out []StreamEvent) []StreamEvent {
	if s.closed {
		return out
	}
	out = s.endReasoning(out)
	out = s.flushToolCalls(out)
	out = s.emitUsage(out)
	s.closed = true
	return append(out, StreamEvent{Type: EventDone, FinishReason: s.finishReason})
}

func mergeMeta(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func removeKey(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
