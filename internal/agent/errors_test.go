package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/codeloop/pkg/models"
)

func TestTaskError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *TaskError
		want string
	}{
		{
			name: "message",
			err:  &TaskError{Phase: PhaseStream, Iteration: 2, Message: "provider went away"},
			want: "task error at stream (iteration 2): provider went away",
		},
		{
			name: "cause",
			err:  &TaskError{Phase: PhaseComplete, Iteration: 1, Cause: errors.New("boom")},
			want: "task error at complete (iteration 1): boom",
		},
		{
			name: "bare",
			err:  &TaskError{Phase: PhaseStream},
			want: "task error at stream (iteration 0)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaskError_KindAndUnwrap(t *testing.T) {
	cause := models.NewError(models.ErrorCredential, "providers.credential", "missing api_key_openai")
	err := newTaskError(PhaseStream, 1, cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if err.Kind() != models.ErrorCredential {
		t.Errorf("Kind() = %s, want credential", err.Kind())
	}
	if got := newTaskError(PhaseStream, 1, errors.New("plain")).Kind(); got != models.ErrorTransport {
		t.Errorf("unclassified Kind() = %s, want transport", got)
	}
	if !strings.Contains(err.Error(), "api_key_openai") {
		t.Errorf("Error() = %q does not name the missing setting", err.Error())
	}
}

func TestIsCancelled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrCancelled, true},
		{"context", fmt.Errorf("read: %w", context.Canceled), true},
		{"kind", models.NewError(models.ErrorCancelled, "stream", "aborted"), true},
		{"wrapped in task error", newTaskError(PhaseStream, 1, context.Canceled), true},
		{"transport", models.NewError(models.ErrorTransport, "stream", "reset"), false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCancelled(tt.err); got != tt.want {
				t.Errorf("IsCancelled(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
