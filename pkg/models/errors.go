package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies runtime failures so callers can branch without
// inspecting message text.
type ErrorKind string

const (
	// ErrorTransport covers connect failures, timeouts and HTTP status >= 400.
	ErrorTransport ErrorKind = "transport"

	// ErrorDecode covers malformed stream bytes and undecodable payloads.
	ErrorDecode ErrorKind = "decode"

	// ErrorCredential means a required credential setting is missing.
	ErrorCredential ErrorKind = "credential"

	// ErrorToolExecution is a failed tool call. It never aborts a task.
	ErrorToolExecution ErrorKind = "tool_execution"

	// ErrorIterationLimit means the task hit its iteration bound.
	ErrorIterationLimit ErrorKind = "iteration_limit"

	// ErrorCancelled means the operation was cancelled by the caller.
	ErrorCancelled ErrorKind = "cancelled"

	// ErrorInvalidRequest is structurally invalid input to a builder.
	ErrorInvalidRequest ErrorKind = "invalid_request"
)

// Error is a classified runtime error.
type Error struct {
	Kind    ErrorKind
	Op      string // component or operation that failed, e.g. "stream.read"
	Message string
	Cause   error
}

// NewError creates a classified error.
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an existing error. It returns nil for a nil cause.
func WrapError(kind ErrorKind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: cause.Error(), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// WithCause attaches a cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// KindOf returns the kind of the first classified error in err's chain, or
// the empty kind when none is present.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
