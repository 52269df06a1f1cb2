package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestError_Message(t *testing.T) {
	err := NewError(ErrorCredential, "providers.credential", "missing setting api_key_openai")
	want := "providers.credential: credential error: missing setting api_key_openai"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	noOp := &Error{Kind: ErrorDecode, Cause: errors.New("bad byte")}
	if noOp.Error() != "decode error: bad byte" {
		t.Errorf("Error() = %q", noOp.Error())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"plain", errors.New("x"), ""},
		{"direct", NewError(ErrorTransport, "", "status 500"), ErrorTransport},
		{"wrapped", fmt.Errorf("stream: %w", NewError(ErrorDecode, "sse", "invalid utf-8")), ErrorDecode},
		{"double wrapped", fmt.Errorf("a: %w", fmt.Errorf("b: %w", WrapError(ErrorIterationLimit, "loop", errors.New("limit")))), ErrorIterationLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_IsAndUnwrap(t *testing.T) {
	err := WrapError(ErrorCancelled, "stream.read", context.Canceled)

	if !errors.Is(err, context.Canceled) {
		t.Error("expected errors.Is to find context.Canceled")
	}
	if !errors.Is(err, &Error{Kind: ErrorCancelled}) {
		t.Error("expected kind match")
	}
	if errors.Is(err, &Error{Kind: ErrorTransport}) {
		t.Error("unexpected kind match")
	}
	if WrapError(ErrorDecode, "x", nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}
}

func TestTaskState_Classification(t *testing.T) {
	active := []TaskState{TaskPending, TaskRunning, TaskWaitingForUser}
	terminal := []TaskState{TaskCompleted, TaskFailed, TaskCancelled}

	for _, s := range active {
		if !s.IsActive() || s.IsTerminal() {
			t.Errorf("%s should be active only", s)
		}
	}
	for _, s := range terminal {
		if s.IsActive() || !s.IsTerminal() {
			t.Errorf("%s should be terminal only", s)
		}
	}
}
