// Package errors provides the error taxonomy shared across Gantry.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeValidationError = "VALIDATION_ERROR"
	ErrCodeStateConflict   = "STATE_CONFLICT"
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeWorkspaceError  = "WORKSPACE_ERROR"
	ErrCodeExecutorError   = "EXECUTOR_ERROR"
	ErrCodeTransientIO     = "TRANSIENT_IO"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id int64) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s %d not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// NotFoundFor creates a not found error for a resource addressed by a
// non-numeric id.
func NotFoundFor(resource, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s %s not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// ValidationError creates a validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// StateConflict creates an error for a task state transition the state
// machine does not allow.
func StateConflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeStateConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Unauthenticated creates an error for a missing or wrong API credential.
func Unauthenticated(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthenticated,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// WorkspaceError creates an error for a failed worktree or branch
// operation, carrying the underlying tool output.
func WorkspaceError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeWorkspaceError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ExecutorError creates an error for an agent process that failed
// before producing a terminal event.
func ExecutorError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutorError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// TransientIO creates an error for a log-file or observer write failure
// that must not interrupt the owning task.
func TransientIO(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeTransientIO,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InternalError creates an internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeValidationError
	}
	return false
}

// IsStateConflict checks if the error is a state conflict.
func IsStateConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeStateConflict
	}
	return false
}

// IsWorkspaceError checks if the error comes from workspace provisioning.
func IsWorkspaceError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeWorkspaceError
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
