package core

import (
	"errors"
	"fmt"
)

// Error code constants
const (
	ErrConfigLoadFailed  = "CONFIG_LOAD_FAILED"
	ErrInvalidConfig     = "INVALID_CONFIG"
	ErrMalformedRequest  = "MALFORMED_REQUEST"
	ErrUpstreamTransport = "UPSTREAM_TRANSPORT"
	ErrUpstreamTimeout   = "UPSTREAM_TIMEOUT"
	ErrUpstreamShape     = "UPSTREAM_SHAPE"
)

// AppError is the application error type carrying a stable code for the
// HTTP boundary to map onto status codes.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/errors.As chains.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates an AppError with the given code and message.
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// ErrorCode extracts the AppError code from err, or empty string.
func ErrorCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
