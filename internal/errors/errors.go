// Package errors provides coded application errors shared across the service.
// Handlers map codes to transport status codes; services never import net/http.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeExpired          = "EXPIRED"
	ErrCodePolicyViolation  = "POLICY_VIOLATION"
	ErrCodeExecutionFailure = "EXECUTION_FAILURE"
	ErrCodeInternal         = "INTERNAL"
)

// Error is an application error with a stable machine-readable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an application error with the given code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an application error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound creates a NOT_FOUND error for a resource identified by id.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput creates an INVALID_INPUT error for a named field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// Code extracts the application error code, or ErrCodeInternal for foreign errors.
func Code(err error) string {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given application code.
func Is(err error, code string) bool {
	return err != nil && Code(err) == code
}
