package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeNoActiveDefinition = "NO_ACTIVE_DEFINITION"
	ErrCodeNoSuchTransition   = "NO_SUCH_TRANSITION"
	ErrCodeGuardRejected      = "GUARD_REJECTED"
	ErrCodeInstanceClosed     = "INSTANCE_CLOSED"
	ErrCodeAlreadyClaimed     = "ALREADY_CLAIMED"
	ErrCodeNotClaimedByActor  = "NOT_CLAIMED_BY_ACTOR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeDeliveryFailed     = "DELIVERY_FAILED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeStore              = "STORE_ERROR"
)

// FlowError is the structured error type for all flowstate operations.
type FlowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("[%s] instance %s: %s", e.Code, e.InstanceID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithInstance attaches an instance ID to the error.
func (e *FlowError) WithInstance(id string) *FlowError {
	e.InstanceID = id
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsCode reports whether err is a FlowError carrying the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Code == code
}

// IsBusinessRejection reports whether err is an expected business-rule
// rejection rather than a system error. Rejections are returned to the
// caller and are not logged as failures.
func IsBusinessRejection(err error) bool {
	var fe *FlowError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case ErrCodeNoSuchTransition, ErrCodeGuardRejected, ErrCodeInstanceClosed,
		ErrCodeAlreadyClaimed, ErrCodeNotClaimedByActor:
		return true
	}
	return false
}
