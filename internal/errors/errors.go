package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/UnitedTraders/haproxy-grpc-agent/internal/domain"
)

// ErrorCode represents a specific failure class inside the checking path
type ErrorCode string

const (
	// Protocol errors
	ErrCodeMalformedRequest ErrorCode = "MALFORMED_REQUEST"

	// Backend errors
	ErrCodeBackendUnreachable ErrorCode = "BACKEND_UNREACHABLE"
	ErrCodeCheckTimeout       ErrorCode = "CHECK_TIMEOUT"
	ErrCodeRemoteCheckFailed  ErrorCode = "REMOTE_CHECK_FAILED"

	// Internal errors
	ErrCodeInternalFault ErrorCode = "INTERNAL_FAULT"
)

// AgentError represents a structured error with context. It never crosses
// the session boundary as an error: the session layer collapses every
// AgentError to a down verdict and reports it through the sinks only.
type AgentError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"` // Original error
}

// Error implements the error interface
func (e *AgentError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *AgentError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *AgentError) Is(target error) bool {
	if t, ok := target.(*AgentError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *AgentError) WithMetadata(key string, value interface{}) *AgentError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Category maps the error code onto the metrics error category
func (e *AgentError) Category() domain.ErrorCategory {
	switch e.Code {
	case ErrCodeMalformedRequest:
		return domain.ErrorCategoryMalformed
	case ErrCodeBackendUnreachable:
		return domain.ErrorCategoryUnreachable
	case ErrCodeCheckTimeout:
		return domain.ErrorCategoryTimeout
	case ErrCodeRemoteCheckFailed:
		return domain.ErrorCategoryRemote
	default:
		return domain.ErrorCategoryInternal
	}
}

// NewError creates a new AgentError
func NewError(code ErrorCode, component, message string) *AgentError {
	return &AgentError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new AgentError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *AgentError {
	return &AgentError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
		Details:   cause.Error(),
	}
}

// Common error constructors for the checking path

// NewMalformedRequestError creates an error for an unparseable request line
func NewMalformedRequestError(reason string) *AgentError {
	return NewError(
		ErrCodeMalformedRequest,
		"protocol",
		reason,
	)
}

// NewBackendUnreachableError creates an error for a failed channel setup
func NewBackendUnreachableError(addr string, cause error) *AgentError {
	return NewErrorWithCause(
		ErrCodeBackendUnreachable,
		"channel_cache",
		fmt.Sprintf("backend %s is unreachable", addr),
		cause,
	).WithMetadata("backend", addr)
}

// NewCheckTimeoutError creates an error for an exceeded sub-deadline
func NewCheckTimeoutError(addr, stage string, timeout time.Duration) *AgentError {
	return NewError(
		ErrCodeCheckTimeout,
		"checker",
		fmt.Sprintf("health check %s stage for %s exceeded %s", stage, addr, timeout),
	).WithMetadata("backend", addr).WithMetadata("stage", stage)
}

// NewRemoteCheckFailedError creates an error for a completed but negative RPC
func NewRemoteCheckFailedError(addr string, cause error) *AgentError {
	return NewErrorWithCause(
		ErrCodeRemoteCheckFailed,
		"checker",
		fmt.Sprintf("health check RPC against %s failed", addr),
		cause,
	).WithMetadata("backend", addr)
}

// NewInternalFaultError wraps any unexpected failure inside the checking path
func NewInternalFaultError(component string, cause error) *AgentError {
	return NewErrorWithCause(
		ErrCodeInternalFault,
		component,
		"unexpected internal failure",
		cause,
	)
}

// CategoryOf extracts the metrics category from any error. Unknown error
// types count as internal faults.
func CategoryOf(err error) domain.ErrorCategory {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Category()
	}
	return domain.ErrorCategoryInternal
}

// CodeOf extracts the error code from any error, defaulting to INTERNAL_FAULT
func CodeOf(err error) ErrorCode {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Code
	}
	return ErrCodeInternalFault
}
