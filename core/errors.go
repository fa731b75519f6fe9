package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions. Callers match them
// with errors.Is after any number of fmt.Errorf("%w") wraps.
var (
	// Capability registry errors
	ErrCapabilityNotFound = errors.New("capability not found")
	ErrCapabilityInactive = errors.New("capability is not active")

	// Run lifecycle errors
	ErrRunNotFound  = errors.New("run not found")
	ErrPlanNotFound = errors.New("plan snapshot not found")
	ErrNodeNotFound = errors.New("plan node not found")
	ErrTaskNotFound = errors.New("human task not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrInvalidInput         = errors.New("invalid input")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")

	// Infrastructure errors
	ErrConnectionFailed   = errors.New("connection failed")
	ErrTimeout            = errors.New("operation timed out")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// FlexError provides structured error context for operations that need more
// than a sentinel: the operation that failed, an error kind for grouping,
// and the id of the entity involved.
type FlexError struct {
	Op      string // operation that failed, e.g. "registry.register"
	Kind    string // error kind, e.g. "validation", "storage", "planner"
	ID      string // entity id (run, capability, node) when known
	Message string
	Err     error
}

func (e *FlexError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (id=%s): %v", e.Op, e.Message, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %s (id=%s)", e.Op, e.Message, e.ID)
}

func (e *FlexError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error is transient and the operation may
// be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsNotFound reports whether the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCapabilityNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrTaskNotFound)
}

// IsConfigurationError reports whether the error stems from bad
// configuration or input rather than runtime state.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrInvalidInput)
}
