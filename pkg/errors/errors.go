// Package errors provides error kinds and RFC 7807 Problem Details for the API
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// StatusCode represents an HTTP status code error
type StatusCode int

// Error implements error
func (status StatusCode) Error() string {
	return http.StatusText(int(status))
}

func Status(code int) *Error {
	return Wrap(StatusCode(code)).Reason(http.StatusText(code))
}

var (
	Invalid     *Error = Status(http.StatusBadRequest)
	NotFound    *Error = Status(http.StatusNotFound)
	Unavailable *Error = Status(http.StatusServiceUnavailable)
)

// Domain error kinds
var (
	// CapacityExceeded is returned when a shop has no free live-stream slots
	CapacityExceeded = NewWithKind("CapacityExceeded")
	// ShopNotResolved is returned when the caller's shop identity cannot be established
	ShopNotResolved = NewWithKind("ShopNotResolved")
	// UpstreamFailure wraps failures of the record store or the counter store
	UpstreamFailure = NewWithKind("UpstreamFailure")
	// TransportFailure wraps write or serialization errors on a live feed
	TransportFailure = NewWithKind("TransportFailure")
)

// Error is a custom error type for passing more information
type Error struct {
	// Kind is the returned error type
	Kind string `json:"kind"`
	// Message is the human readable string that indicate the error
	Message string `json:"message"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: "Unknown", Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str = str + fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

// Reason returns a copy of the error with kind set to given value
func (e *Error) Reason(kind string) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause set
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	e.trace = stack[:n]
	return e
}

// Is implements the needed interface for errors.Is
// It checks kind for equality
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// Problem type URIs
const (
	TypeValidationError = "https://api.pixelverify.app/problems/validation-error"
	TypeUnauthorized    = "https://api.pixelverify.app/problems/unauthorized"
	TypeRateLimit       = "https://api.pixelverify.app/problems/rate-limit"
	TypeInternalError   = "https://api.pixelverify.app/problems/internal-error"
	TypeUnavailable     = "https://api.pixelverify.app/problems/service-unavailable"
)

// Problem titles
const (
	TitleValidationError = "Validation Error"
	TitleUnauthorized    = "Unauthorized"
	TitleRateLimit       = "Too Many Live Connections"
	TitleInternalError   = "Internal Server Error"
	TitleUnavailable     = "Service Unavailable"
)

// ValidationError represents a validation error for RFC 7807
type ValidationError struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	Errors   []ValidationError      `json:"errors,omitempty"`
	Extra    map[string]interface{} `json:"-"`

	// Headers are written alongside the body but never serialized
	Headers map[string]string `json:"-"`
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return p.Detail
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithValidationErrors adds validation errors to the problem details
func (p *ProblemDetails) WithValidationErrors(errors []ValidationError) *ProblemDetails {
	p.Errors = errors
	return p
}

// WithExtra adds extra fields to the problem details (they will be serialized at the top level)
func (p *ProblemDetails) WithExtra(key string, value interface{}) *ProblemDetails {
	if p.Extra == nil {
		p.Extra = make(map[string]interface{})
	}
	p.Extra[key] = value
	return p
}

// WithHeader attaches a response header
func (p *ProblemDetails) WithHeader(key, value string) *ProblemDetails {
	if p.Headers == nil {
		p.Headers = make(map[string]string)
	}
	p.Headers[key] = value
	return p
}

// MarshalJSON implements custom JSON marshaling to include extra fields at the top level
func (p *ProblemDetails) MarshalJSON() ([]byte, error) {
	result := make(map[string]interface{})
	result["type"] = p.Type
	result["title"] = p.Title
	result["status"] = p.Status
	if p.Detail != "" {
		result["detail"] = p.Detail
	}
	if p.Instance != "" {
		result["instance"] = p.Instance
	}
	if p.TraceID != "" {
		result["trace_id"] = p.TraceID
	}
	if len(p.Errors) > 0 {
		result["errors"] = p.Errors
	}

	for k, v := range p.Extra {
		result[k] = v
	}

	return json.Marshal(result)
}

// NewValidationError creates a validation error problem
func NewValidationError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeValidationError,
		Title:    TitleValidationError,
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	}
}

// NewUnauthorizedError creates an unauthorized error problem
func NewUnauthorizedError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeUnauthorized,
		Title:    TitleUnauthorized,
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: instance,
	}
}

// NewRateLimitError creates a capacity rejection problem carrying the retry hint
// and limit headers expected by live-stream clients
func NewRateLimitError(detail, instance string, retryAfter time.Duration, limit, remaining int64) *ProblemDetails {
	seconds := int64(retryAfter.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if remaining < 0 {
		remaining = 0
	}
	p := &ProblemDetails{
		Type:     TypeRateLimit,
		Title:    TitleRateLimit,
		Status:   http.StatusTooManyRequests,
		Detail:   detail,
		Instance: instance,
	}
	return p.WithExtra("retry_after", seconds).
		WithHeader("Retry-After", strconv.FormatInt(seconds, 10)).
		WithHeader("X-RateLimit-Limit", strconv.FormatInt(limit, 10)).
		WithHeader("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
}

// NewInternalError creates an internal server error problem
func NewInternalError(detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:     TypeInternalError,
		Title:    TitleInternalError,
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(detail, instance string, retryAfter time.Duration) *ProblemDetails {
	p := &ProblemDetails{
		Type:     TypeUnavailable,
		Title:    TitleUnavailable,
		Status:   http.StatusServiceUnavailable,
		Detail:   detail,
		Instance: instance,
	}
	if retryAfter > 0 {
		p.WithHeader("Retry-After", strconv.FormatInt(int64(retryAfter.Round(time.Second)/time.Second), 10))
	}
	return p
}
