package protocol

import (
	"strings"
	"testing"
)

// runChunks feeds chunks through a frame decoder and adapter the way the
// stream runner does, returning every normalized event in order.
func runChunks(t *testing.T, adapter Adapter, chunks ...[]byte) []StreamEvent {
	t.Helper()

	var (
		dec    FrameDecoder
		state  = NewParseState()
		events []StreamEvent
	)
	handle := func(f Frame) {
		ev, err := adapter.ParseEvent(f.Event, f.Data, state)
		if err != nil {
			t.Fatalf("ParseEvent(%q) error: %v", f.Data, err)
		}
		if ev != nil {
			events = append(events, *ev)
		}
		events = append(events, state.Drain()...)
	}

	for _, chunk := range chunks {
		frames, err := dec.Feed(chunk)
		if err != nil {
			t.Fatalf("Feed() error: %v", err)
		}
		for _, f := range frames {
			handle(f)
		}
	}
	if f, ok, err := dec.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	} else if ok {
		handle(f)
	}
	return append(events, adapter.Finish(state)...)
}

func sseStream(frames ...string) []byte {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	return []byte(b.String())
}

func eventTypes(events []StreamEvent) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func toolCalls(events []StreamEvent) []StreamEvent {
	var out []StreamEvent
	for _, ev := range events {
		if ev.Type == EventToolCall {
			out = append(out, ev)
		}
	}
	return out
}

func equalTypes(a, b []EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
