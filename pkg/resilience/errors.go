package resilience

import (
	"errors"
	"fmt"
)

var (
	// ErrCircuitOpen is returned when a breaker rejects a call without
	// executing it. It is never retried.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrOperationCancelled is returned when Cancel removes an operation
	// that still had attempts pending.
	ErrOperationCancelled = errors.New("retry operation cancelled")

	// ErrOperationExists is returned when an operation id is already active.
	ErrOperationExists = errors.New("retry operation already active")
)

// NonRetryableError wraps an error that must be surfaced immediately
// instead of following the retry schedule.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable marks err as not worth retrying.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err must bypass the retry schedule.
// Breaker rejections count: retrying against an open breaker only extends
// the outage.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nre *NonRetryableError
	if errors.As(err, &nre) {
		return true
	}
	return errors.Is(err, ErrCircuitOpen)
}

// ExhaustedError is returned when every attempt of a retry operation failed.
type ExhaustedError struct {
	OperationID string
	Attempts    int
	LastErr     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %s exhausted after %d attempts: %v", e.OperationID, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsExhausted reports whether err is a retry exhaustion.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
