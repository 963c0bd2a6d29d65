package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Approval-specific error codes.
const (
	ErrApplicationNotFound = "APPLICATION_NOT_FOUND"
	ErrTypeNotFound        = "TYPE_NOT_FOUND"
	ErrLockTimeout         = "LOCK_TIMEOUT"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
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

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewApplicationNotFoundError reports an unknown application id. Callers
// treat it as the "no such application" result, distinct from validation
// failures.
func NewApplicationNotFoundError(id int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrApplicationNotFound,
		Message: fmt.Sprintf("application %d not found", id),
	}
}

// NewTypeNotFoundError reports an unknown application type id.
func NewTypeNotFoundError(id int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTypeNotFound,
		Message: fmt.Sprintf("application type %d not found", id),
	}
}

// NewLockTimeoutError is returned when a per-application lock could not be
// acquired before the request deadline.
func NewLockTimeoutError(id int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrLockTimeout,
		Message: fmt.Sprintf("application %d is busy, try again", id),
	}
}

// IsNotFound reports whether err is an ErrorEnvelope carrying one of the
// not-found codes.
func IsNotFound(err error) bool {
	var ee *ErrorEnvelope
	if !errors.As(err, &ee) {
		return false
	}
	switch ee.Code {
	case ErrNotFound, ErrApplicationNotFound, ErrTypeNotFound:
		return true
	}
	return false
}

// CodeOf returns the envelope code carried by err, or ErrInternalError for
// anything that is not an ErrorEnvelope.
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ErrInternalError
}
