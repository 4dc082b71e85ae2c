package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a required submission field is missing.
	ErrValidation = errors.New("jobs: missing required parameter")

	// ErrDuplicateInProgress is returned when the code is already queued or running.
	ErrDuplicateInProgress = errors.New("jobs: task already exists and is in progress")

	// ErrQueueFull is returned when a bounded admission queue has no room.
	ErrQueueFull = errors.New("jobs: admission queue is full")

	// ErrClosed is returned by Submit after the service has been stopped.
	ErrClosed = errors.New("jobs: service stopped")
)

// ValidationError names the offending field. Reason is empty when the
// field is missing and describes the problem otherwise.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid parameter %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("missing required parameter %q", e.Field)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DuplicateError reports the state of the job that blocked a resubmission:
// "queued" while it waits for a slot, otherwise its registry status.
type DuplicateError struct {
	Code  string
	State string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("task %s already exists and is %s", e.Code, e.State)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateInProgress }
