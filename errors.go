package lookuppool

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIdentifier is returned for identifiers that are not 8 or 9 digits.
	ErrInvalidIdentifier = errors.New("invalid identifier: must be 8 or 9 digits")
	// ErrCancelled is the driver's signal that the requester cancelled the job.
	// It is an outcome, not a failure.
	ErrCancelled = errors.New("lookup cancelled")
	// ErrStoreCorrupt is returned by backends whose stored data cannot be decoded.
	ErrStoreCorrupt = errors.New("history store corrupt")
	// ErrQueueClosed is returned by Enqueue and Dequeue after Close.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQueueBusy is returned when the queue is above the soft load threshold.
	ErrQueueBusy = errors.New("queue is under high load")
	// ErrRateLimited is returned when a requester submits too often.
	ErrRateLimited = errors.New("too many submissions")
	// ErrNoPreviousLookup is returned by Repeat when there is nothing to repeat.
	ErrNoPreviousLookup = errors.New("no previous lookup to repeat")
	// ErrWorkerStarted is returned by a second Worker.Start.
	ErrWorkerStarted = errors.New("worker already started")
	// ErrWorkerStopped is returned by Worker.Start after Stop.
	ErrWorkerStopped = errors.New("worker stopped")
)

// DriverError reports a step of the drive that could not be completed.
type DriverError struct {
	Step string
	Err  error
}

func (e *DriverError) Error() string {
	if e.Err == nil {
		return e.Step
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// NewDriverError wraps err as a failure of the named step.
func NewDriverError(step string, err error) *DriverError {
	return &DriverError{Step: step, Err: err}
}

// DeliveryError reports a failed transmission of an artifact.
type DeliveryError struct {
	Requester RequesterID
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver result to %s: %v", e.Requester, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ValidateIdentifier rejects anything but 8 or 9 ASCII digits.
func ValidateIdentifier(identifier string) error {
	if len(identifier) < 8 || len(identifier) > 9 {
		return ErrInvalidIdentifier
	}
	for i := 0; i < len(identifier); i++ {
		if identifier[i] < '0' || identifier[i] > '9' {
			return ErrInvalidIdentifier
		}
	}
	return nil
}
