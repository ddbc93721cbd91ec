package engine

import (
	"errors"
	"fmt"

	"github.com/openfroyo/converge/pkg/policy"
)

// ErrorClass represents the classification of an evaluation error. The class
// decides how far the error propagates.
type ErrorClass string

const (
	// ErrorClassPolicy indicates a problem in the policy itself.
	// Examples: malformed class expression, unknown bundle, call cycle.
	// The affected construct is treated as false or absent.
	ErrorClassPolicy ErrorClass = "policy"

	// ErrorClassExpansion indicates a reference that could not be resolved.
	// The affected promise is skipped and counted as not kept.
	ErrorClassExpansion ErrorClass = "expansion"

	// ErrorClassHandler indicates a promise handler failed to act.
	// The promise outcome is FAILED and evaluation continues.
	ErrorClassHandler ErrorClass = "handler"

	// ErrorClassFatal indicates the agent cannot establish its working state.
	// Examples: missing work directory, corrupt state store.
	// This is the only class that aborts a run.
	ErrorClassFatal ErrorClass = "fatal"
)

// EvalError represents a classified error with the promise context needed to
// find it in policy source.
// nolint:revive // EvalError is intentionally named to distinguish from expansion errors
type EvalError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Promise identifies the promise, as type:bundle:promiser.
	Promise string `json:"promise,omitempty"`

	// Location is where the promise is declared.
	Location string `json:"location,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Promise != "" {
		msg += fmt.Sprintf(" (promise=%s)", e.Promise)
	}
	if e.Location != "" {
		msg += fmt.Sprintf(" at %s", e.Location)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EvalError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EvalError) Is(target error) bool {
	t, ok := target.(*EvalError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewPolicyError creates a new policy error.
func NewPolicyError(message string, err error) *EvalError {
	return &EvalError{
		Class:   ErrorClassPolicy,
		Message: message,
		Err:     err,
	}
}

// NewExpansionError creates a new expansion error.
func NewExpansionError(message string, err error) *EvalError {
	return &EvalError{
		Class:   ErrorClassExpansion,
		Message: message,
		Err:     err,
	}
}

// NewHandlerError creates a new handler error.
func NewHandlerError(message string, err error) *EvalError {
	return &EvalError{
		Class:   ErrorClassHandler,
		Message: message,
		Err:     err,
	}
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EvalError {
	return &EvalError{
		Class:   ErrorClassFatal,
		Message: message,
		Err:     err,
	}
}

// WithPromise adds promise context to an error.
func (e *EvalError) WithPromise(promise string) *EvalError {
	e.Promise = promise
	return e
}

// WithLocation adds a source location to an error.
func (e *EvalError) WithLocation(loc policy.Location) *EvalError {
	if loc.File != "" {
		e.Location = loc.String()
	}
	return e
}

// WithCode adds an error code to an error.
func (e *EvalError) WithCode(code string) *EvalError {
	e.Code = code
	return e
}

// IsPolicy returns true if the error is classified as a policy error.
func IsPolicy(err error) bool {
	return classOf(err) == ErrorClassPolicy
}

// IsExpansion returns true if the error is classified as an expansion error.
func IsExpansion(err error) bool {
	return classOf(err) == ErrorClassExpansion
}

// IsHandler returns true if the error is classified as a handler error.
func IsHandler(err error) bool {
	return classOf(err) == ErrorClassHandler
}

// IsFatal returns true if the error must abort the run.
func IsFatal(err error) bool {
	return classOf(err) == ErrorClassFatal
}

func classOf(err error) ErrorClass {
	var e *EvalError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeUnresolved    = "UNRESOLVED_REFERENCE"
	ErrCodeCycle         = "CYCLE"
	ErrCodeUnknownBundle = "UNKNOWN_BUNDLE"
	ErrCodeUnknownBody   = "UNKNOWN_BODY"
	ErrCodeUnknownType   = "UNKNOWN_PROMISE_TYPE"
	ErrCodeBadAttribute  = "BAD_ATTRIBUTE"
	ErrCodeGuardrail     = "GUARDRAIL_VIOLATION"
	ErrCodeWorkdir       = "WORKDIR"
	ErrCodeStateStore    = "STATE_STORE"
	ErrCodeLocked        = "LOCKED"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeCancelled     = "CANCELLED"
)
