package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies every error that crosses a component boundary.
// The set is closed; anything unrecognised maps to CategoryUnknown.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryTimeout        Category = "timeout"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorisation"
	CategoryNotFound       Category = "not_found"
	CategoryValidation     Category = "validation"
	CategoryConflict       Category = "conflict"
	CategoryServer         Category = "server"
	CategoryAgent          Category = "agent"
	CategoryUnknown        Category = "unknown"
)

// Error is a categorised error with a human-readable message and a
// structured details map. AgentID and JobID tag the error for telemetry
// when the failure happened during an agent call on behalf of a job.
type Error struct {
	Category Category
	Message  string
	Details  map[string]string
	AgentID  string
	JobID    string
	cause    error
}

// New creates a categorised error.
func New(cat Category, msg string) *Error {
	return &Error{Category: cat, Message: msg}
}

// Newf creates a categorised error with a formatted message.
func Newf(cat Category, format string, args ...interface{}) *Error {
	return &Error{Category: cat, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a categorised error around a cause.
func Wrap(cat Category, msg string, cause error) *Error {
	return &Error{Category: cat, Message: msg, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail adds a key to the structured details map.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithAgent tags the error with the agent it came from.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// WithJob tags the error with the job it was raised for.
func (e *Error) WithJob(jobID string) *Error {
	e.JobID = jobID
	return e
}

// CategoryOf extracts the category from any error. Plain errors map to
// CategoryUnknown; context deadline errors map to CategoryTimeout.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryUnknown
}

// IsRetriable reports whether the error is a connection-level failure that
// a retry with backoff may recover from. HTTP status errors are never
// retriable: they indicate application-level failure.
func IsRetriable(err error) bool {
	switch CategoryOf(err) {
	case CategoryNetwork, CategoryTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error category to the status code the REST boundary
// returns for it.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryNetwork, CategoryTimeout, CategoryServer:
		return http.StatusServiceUnavailable
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryValidation:
		return http.StatusUnprocessableEntity
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
