package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/codeloop/pkg/models"
)

// Common sentinel errors for runtime operations
var (
	// ErrTaskTerminal indicates an action was sent to a finished task
	ErrTaskTerminal = errors.New("task is in a terminal state")

	// ErrTaskNotFound indicates no task with the given id is known
	ErrTaskNotFound = errors.New("task not found")

	// ErrActionQueueFull indicates the task has not consumed earlier actions
	ErrActionQueueFull = errors.New("task action queue is full")

	// ErrRuntimeClosed indicates the runtime was shut down
	ErrRuntimeClosed = errors.New("runtime is shut down")

	// ErrCancelled marks a task that ended because of a Cancel action
	ErrCancelled = errors.New("task cancelled")
)

// TaskPhase represents a distinct phase in a task iteration.
type TaskPhase string

const (
	// PhaseStream is the model streaming phase
	PhaseStream TaskPhase = "stream"

	// PhaseComplete decides whether the task goes on: completion hooks and
	// the iteration limit
	PhaseComplete TaskPhase = "complete"
)

// TaskError represents an error that ended a task, with context about which
// phase and iteration it occurred in.
type TaskError struct {
	// Phase is the iteration phase where the error occurred
	Phase TaskPhase

	// Iteration is the 1-based iteration where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("task error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("task error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("task error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Cause
}

// Kind returns the error kind of the cause, defaulting to transport for
// unclassified failures.
func (e *TaskError) Kind() models.ErrorKind {
	if kind := models.KindOf(e.Cause); kind != "" {
		return kind
	}
	return models.ErrorTransport
}

func newTaskError(phase TaskPhase, iteration int, cause error) *TaskError {
	return &TaskError{Phase: phase, Iteration: iteration, Cause: cause}
}

// IsCancelled reports whether err represents task cancellation rather than
// a failure.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		models.IsKind(err, models.ErrorCancelled)
}
