package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes a failed provider call.
type Reason string

const (
	ReasonAuth             Reason = "auth"              // 401, 403
	ReasonBilling          Reason = "billing"           // 402, quota exhausted
	ReasonRateLimit        Reason = "rate_limit"        // 429
	ReasonTimeout          Reason = "timeout"           // connect, idle or overall deadline
	ReasonServerError      Reason = "server_error"      // 5xx, overloaded
	ReasonInvalidRequest   Reason = "invalid_request"   // 400
	ReasonModelUnavailable Reason = "model_unavailable" // 404, unknown model
	ReasonUnknown          Reason = "unknown"
)

// Retryable reports whether a later attempt may succeed. Nothing in the
// runtime retries on its own; callers decide.
func (r Reason) Retryable() bool {
	return r == ReasonRateLimit || r == ReasonTimeout || r == ReasonServerError
}

// ProviderError describes a failed call to a provider endpoint.
type ProviderError struct {
	Reason    Reason
	Provider  string
	Model     string
	Status    int    // HTTP status, 0 when the request never got a response
	Code      string // provider error code or type
	Message   string
	RequestID string
	Cause     error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		fmt.Fprintf(&b, "/%s", e.Model)
	}
	fmt.Fprintf(&b, ": %s", e.Reason)

	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}

	var details []string
	if e.Status != 0 {
		details = append(details, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		details = append(details, "code="+e.Code)
	}
	if e.RequestID != "" {
		details = append(details, "request_id="+e.RequestID)
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates an error for provider and model, classified from
// the text of cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{Provider: provider, Model: model, Cause: cause, Reason: ClassifyError(cause)}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// WithStatus records the HTTP status, which takes precedence over the text
// classification.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = statusReason(status)
	return e
}

// WithCode records the provider error code and refines the reason when the
// code is recognised.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason, ok := codeReasons[strings.ToLower(code)]; ok {
		e.Reason = reason
	}
	return e
}

func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// AsProviderError finds a ProviderError in err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}

// messageReasons maps lower-cased fragments of error text to a reason. The
// first matching row wins.
var messageReasons = []struct {
	reason    Reason
	fragments []string
}{
	{ReasonTimeout, []string{"timeout", "deadline exceeded", "etimedout"}},
	{ReasonRateLimit, []string{"rate limit", "rate_limit", "too many requests"}},
	{ReasonAuth, []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication"}},
	{ReasonBilling, []string{"billing", "insufficient", "quota"}},
	{ReasonModelUnavailable, []string{"model not found", "model_not_found"}},
	{ReasonServerError, []string{"internal server", "server error", "overloaded"}},
}

// codeReasons covers the OpenAI and Anthropic error codes and types.
var codeReasons = map[string]Reason{
	"rate_limit_error":      ReasonRateLimit,
	"rate_limit_exceeded":   ReasonRateLimit,
	"authentication_error":  ReasonAuth,
	"invalid_api_key":       ReasonAuth,
	"permission_error":      ReasonAuth,
	"billing_error":         ReasonBilling,
	"insufficient_quota":    ReasonBilling,
	"model_not_found":       ReasonModelUnavailable,
	"not_found_error":       ReasonModelUnavailable,
	"server_error":          ReasonServerError,
	"api_error":             ReasonServerError,
	"overloaded_error":      ReasonServerError,
	"invalid_request_error": ReasonInvalidRequest,
}

// ClassifyError derives a reason from the text of err.
func ClassifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	text := strings.ToLower(err.Error())
	for _, row := range messageReasons {
		for _, f := range row.fragments {
			if strings.Contains(text, f) {
				return row.reason
			}
		}
	}
	return ReasonUnknown
}

func statusReason(status int) Reason {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ReasonAuth
	case http.StatusPaymentRequired:
		return ReasonBilling
	case http.StatusTooManyRequests:
		return ReasonRateLimit
	case http.StatusBadRequest:
		return ReasonInvalidRequest
	case http.StatusNotFound:
		return ReasonModelUnavailable
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ReasonTimeout
	}
	if status >= 500 {
		return ReasonServerError
	}
	return ReasonUnknown
}
