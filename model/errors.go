package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Field-level error codes.
const (
	ErrFieldRequired  = "REQUIRED"
	ErrKeyEmpty       = "KEY_EMPTY"
	ErrKeyNotUnique   = "KEY_NOT_UNIQUE"
	ErrSelectorNeeded = "SELECTOR_REQUIRED"
	ErrInvalidAction  = "INVALID_ACTION"
)

// Home Assistant websocket error codes. These arrive lowercase on the wire and
// are kept verbatim so callers can classify them.
const (
	HassErrNotFound      = "not_found"
	HassErrTemplateError = "template_error"
	HassErrServiceError  = "home_assistant_error"
	HassErrInvalidFormat = "invalid_format"
	HassErrUnknown       = "unknown_error"
)

// ErrorEnvelope is the error type shared by the API surface and the Home
// Assistant client. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
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

// CodeOf returns the code of the first ErrorEnvelope in err's chain, or "".
func CodeOf(err error) string {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsTeardownIgnorable reports whether an unsubscribe failure means the
// subscription is already gone.
func IsTeardownIgnorable(err error) bool {
	switch CodeOf(err) {
	case HassErrNotFound, HassErrTemplateError:
		return true
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
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

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBackendUnavailable, Message: msg}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "Home Assistant did not respond in time",
	}
}

// NewHassError wraps an error result reported by Home Assistant.
func NewHassError(code, msg string) *ErrorEnvelope {
	if code == "" {
		code = HassErrUnknown
	}
	return &ErrorEnvelope{Code: code, Message: msg}
}
