package errors

import (
	"fmt"
)

// ErrorType classifies an error for logging and HTTP mapping.
type ErrorType string

const (
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeBadRequest       ErrorType = "bad_request"
	ErrorTypeTimeout          ErrorType = "timeout"
	ErrorTypeUnauthorized     ErrorType = "unauthorized"
	ErrorTypeRateLimit        ErrorType = "rate_limit"
	ErrorTypeConfiguration    ErrorType = "configuration"
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
)

// Error is a structured error carrying a type and optional context details.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]any
}

// NewError creates a new structured error.
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Details: make(map[string]any),
	}
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail attaches a key/value detail.
func (e *Error) WithDetail(key string, value any) *Error {
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// HTTPStatusCode maps the error type to an HTTP status code.
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeNotFound:
		return 404
	case ErrorTypeBadRequest, ErrorTypeConfiguration:
		return 400
	case ErrorTypeUnauthorized:
		return 401
	case ErrorTypeTimeout:
		return 408
	case ErrorTypeRateLimit:
		return 429
	case ErrorTypeStoreUnavailable:
		return 503
	default:
		return 500
	}
}

// IsType reports whether err is a *Error of the given type.
func IsType(err error, errType ErrorType) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Type == errType
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
