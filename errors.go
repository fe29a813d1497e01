package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is support.
var (
	ErrValidation        = errors.New("invalid saga definition")
	ErrNotRegistered     = errors.New("saga not registered")
	ErrAlreadyRegistered = errors.New("saga already registered")
	ErrStepExecution     = errors.New("step execution failed")
	ErrStepTimeout       = errors.New("step attempt timed out")
	ErrCompensation      = errors.New("compensation failed")
	ErrStateNotFound     = errors.New("saga state not found")
)

// ValidationError reports an invalid saga graph detected at build time.
type ValidationError struct {
	Saga   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("saga %q: %s", e.Saga, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(saga, format string, args ...any) *ValidationError {
	return &ValidationError{Saga: saga, Reason: fmt.Sprintf(format, args...)}
}

// NotRegisteredError reports an unknown saga name. It is raised before any
// execution context is created.
type NotRegisteredError struct {
	Saga string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("saga %q is not registered", e.Saga)
}

func (e *NotRegisteredError) Is(target error) bool {
	return target == ErrNotRegistered
}

// StepExecutionError reports a business failure inside a step after all
// retry attempts were consumed. It is what drives compensation.
type StepExecutionError struct {
	Saga     string
	StepID   string
	Attempts int
	Cause    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("saga %q step %q failed after %d attempt(s): %v", e.Saga, e.StepID, e.Attempts, e.Cause)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Cause
}

func (e *StepExecutionError) Is(target error) bool {
	return target == ErrStepExecution
}

// TimeoutError reports a step attempt that exceeded its deadline. A timed
// out attempt is retryable like any other failed attempt.
type TimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q attempt exceeded %v timeout", e.StepID, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrStepTimeout || target == context.DeadlineExceeded
}

// CompensationError reports a failed compensation call during rollback.
type CompensationError struct {
	Saga   string
	StepID string
	Cause  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %q: compensation for step %q failed: %v", e.Saga, e.StepID, e.Cause)
}

func (e *CompensationError) Unwrap() error {
	return e.Cause
}

func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensation
}
