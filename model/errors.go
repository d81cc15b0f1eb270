package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrUnauthorized     = "UNAUTHORIZED"
	ErrForbidden        = "FORBIDDEN"
	ErrNotFound         = "NOT_FOUND"
	ErrConflict         = "CONFLICT"
	ErrValidationFailed = "VALIDATION_FAILED"
	ErrInternalError    = "INTERNAL_ERROR"
	ErrStoreFailure     = "STORE_FAILURE"
)

// Transition warning codes. These never abort a transition; they are carried
// in TransitionResult.Warnings.
const (
	ErrActionFailure = "ACTION_FAILURE"
	ErrUnknownAction = "UNKNOWN_ACTION"
)

// ErrorEnvelope is the standard error value and response envelope.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// Retryable reports whether repeating the failed call may succeed.
func (e *ErrorEnvelope) Retryable() bool {
	return e.Code == ErrStoreFailure
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationFailedError returns a VALIDATION_FAILED error. Each issue
// becomes one detail entry.
func NewValidationFailedError(issues []string) *ErrorEnvelope {
	details := make([]FieldError, 0, len(issues))
	for _, issue := range issues {
		details = append(details, FieldError{Code: ErrValidationFailed, Message: issue})
	}
	return &ErrorEnvelope{
		Code:    ErrValidationFailed,
		Message: "Transition requirements are not met",
		Details: details,
	}
}

// NewFieldValidationError returns a VALIDATION_FAILED error with field-level details.
func NewFieldValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationFailed,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewStoreFailureError wraps a persistence error.
func NewStoreFailureError(op string, cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStoreFailure,
		Message: fmt.Sprintf("%s: %v", op, cause),
		cause:   cause,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// ErrorCode returns the envelope code carried by err, or "" if err is not
// (and does not wrap) an ErrorEnvelope.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsNotFound reports whether err carries a NOT_FOUND code.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrNotFound
}

// IsConflict reports whether err carries a CONFLICT code.
func IsConflict(err error) bool {
	return ErrorCode(err) == ErrConflict
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Retryable()
	}
	return false
}
