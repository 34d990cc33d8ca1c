package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting. Step outcome codes form a
// closed set: every way a wait can end maps to exactly one of them.
const (
	ErrCodeDispatch            = "DISPATCH_FAILED"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeHalt                = "HALT"
	ErrCodeCrashed             = "CRASHED"
	ErrCodeSubscription        = "SUBSCRIPTION_FAILED"
	ErrCodeResultNotFound      = "RESULT_NOT_FOUND"
	ErrCodeCompensation        = "COMPENSATION_FAILED"
	ErrCodeCompensationTimeout = "COMPENSATION_TIMEOUT"

	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeMatch      = "MATCH_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeStore      = "STORE_ERROR"
	ErrCodeInternal   = "INTERNAL_ERROR"
)

// ReactorError is the structured error type for all reactor operations.
type ReactorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ReactorError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ReactorError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ReactorError.
func NewError(code, message string) *ReactorError {
	return &ReactorError{Code: code, Message: message}
}

// NewErrorf creates a new ReactorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ReactorError {
	return &ReactorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *ReactorError) WithStep(step string) *ReactorError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *ReactorError) WithCause(err error) *ReactorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ReactorError) WithDetails(details map[string]any) *ReactorError {
	e.Details = details
	return e
}

// CodeOf extracts the reactor error code from err, or ErrCodeInternal when
// err carries no code.
func CodeOf(err error) string {
	var re *ReactorError
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// IsHalt reports whether err is the whole-run stop signal. Halt is not an
// ordinary step failure: callers must stop the run instead of retrying or
// compensating the reporting step.
func IsHalt(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeHalt
}

// IsTimeout reports whether err is a bounded-wait expiry.
func IsTimeout(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeTimeout
}
