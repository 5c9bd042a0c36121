package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change is not allowed from the job's current state
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobClaimed is returned when another live runner holds the job
	ErrJobClaimed = errors.New("job is claimed by another runner")

	// ErrInvalidConfig is returned when job config JSON cannot be parsed for its job type
	ErrInvalidConfig = errors.New("invalid job config")

	// ErrUnknownJobType is returned when no runner is registered for a job type
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrDuplicate marks a natural-key conflict. Writers return it and upserters swallow it.
	ErrDuplicate = errors.New("duplicate natural key")

	// ErrThresholdExceeded is returned when failed items exceed the configured max_errors
	ErrThresholdExceeded = errors.New("error threshold exceeded")

	// ErrCanceled is returned when an operator cancelled the job
	ErrCanceled = errors.New("job cancelled by operator")

	// ErrCounterOverflow is returned when processed+failed would exceed total_items
	ErrCounterOverflow = errors.New("progress counters exceed total items")

	// ErrInvalidPayload is returned when a queue message is malformed
	ErrInvalidPayload = errors.New("invalid job payload")
)

// FetchError is a transient failure fetching one page or item from an external source
type FetchError struct {
	Source string
	Key    string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Source, e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err is, or wraps, a FetchError
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
