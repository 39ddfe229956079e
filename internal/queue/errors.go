package queue

import "errors"

var (
	// ErrNotFound is returned when no entry has the requested id.
	ErrNotFound = errors.New("queue entry not found")

	// ErrAlreadyCompleted is returned by Retry on a completed entry.
	ErrAlreadyCompleted = errors.New("queue entry already completed")

	// ErrInvalidTransition is returned when an entry is not in the state
	// the requested transition starts from.
	ErrInvalidTransition = errors.New("invalid queue entry transition")
)
