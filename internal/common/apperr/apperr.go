// Package apperr defines the Hub's error taxonomy. Every error surfaced by a
// service carries a stable code; HTTP handlers translate codes to statuses
// and never leak internal diagnostics to callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes.
const (
	CodeValidation            = "VALIDATION"
	CodeConflict              = "CONFLICT"
	CodeNotFound              = "NOT_FOUND"
	CodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	CodeDriverFailure         = "DRIVER_FAILURE"
	CodeTimeout               = "TIMEOUT"
	CodeCancelled             = "CANCELLED"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeInternal              = "INTERNAL"
)

// Error is an application error with a stable code and an HTTP status.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation creates a VALIDATION error. Returned to the caller, never retried.
func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Validationf creates a VALIDATION error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Validation(fmt.Sprintf(format, args...))
}

// Conflict creates a CONFLICT error: invalid state transition, duplicate
// slug/port, approval already decided.
func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// Conflictf creates a CONFLICT error with a formatted message.
func Conflictf(format string, args ...any) *Error {
	return Conflict(fmt.Sprintf(format, args...))
}

// ConflictWithCode creates a 409 error carrying an operation-specific code
// such as PORTS_IN_USE or ALREADY_IN_PROGRESS.
func ConflictWithCode(code, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: http.StatusConflict}
}

// NotFound creates a NOT_FOUND error for a missing aggregate.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s %q not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// DependencyUnavailable creates a DEPENDENCY_UNAVAILABLE error. Internal
// components retry these with bounded backoff; the API returns 503.
func DependencyUnavailable(dependency string, err error) *Error {
	return &Error{
		Code:       CodeDependencyUnavailable,
		Message:    fmt.Sprintf("%s is unavailable", dependency),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// DriverFailure creates a DRIVER_FAILURE error from the container driver.
func DriverFailure(message string, err error) *Error {
	return &Error{Code: CodeDriverFailure, Message: message, HTTPStatus: http.StatusBadGateway, Err: err}
}

// Timeout creates a TIMEOUT error for operations exceeding their budget.
func Timeout(message string) *Error {
	return &Error{Code: CodeTimeout, Message: message, HTTPStatus: http.StatusGatewayTimeout}
}

// Cancelled creates a CANCELLED error for explicit cancellation.
func Cancelled(message string) *Error {
	return &Error{Code: CodeCancelled, Message: message, HTTPStatus: 499}
}

// Unauthorized creates an UNAUTHORIZED error.
func Unauthorized(message string) *Error {
	return &Error{Code: CodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// Internal wraps an unexpected error. The wrapped error is logged server-side
// only; the caller sees the short message.
func Internal(message string, err error) *Error {
	return &Error{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// Wrap preserves the code and status of an existing *Error while adding
// context; any other error becomes INTERNAL.
func Wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return &Error{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &Error{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, Err: err}
}

// CodeOf returns the stable code for err, or INTERNAL when it is not an *Error.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool { return Is(err, CodeConflict) }

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return Is(err, CodeValidation) }

// HTTPStatus returns the HTTP status for an error, 500 when unknown.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
