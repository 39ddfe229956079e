package engine

import (
	"errors"
	"fmt"
)

// ErrDrainInProgress is returned by Drain when another pass is running.
var ErrDrainInProgress = errors.New("drain already in progress")

// Error is a coded engine error.
//
// Storage faults are returned from Drain and abort the pass. The remaining
// codes describe why an entry was marked failed; their text is recorded as
// the entry's last_error.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// EntryID is the queue entry involved, zero if none.
	EntryID int64

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeStorage indicates the local store failed. Fatal for the pass.
	ErrCodeStorage ErrorCode = "STORAGE"

	// ErrCodeReconcile indicates identifier reconciliation failed and was
	// rolled back.
	ErrCodeReconcile ErrorCode = "RECONCILE"

	// ErrCodeMissingServerID indicates a create for a provisional identifier
	// was acknowledged without a server identifier.
	ErrCodeMissingServerID ErrorCode = "MISSING_SERVER_ID"

	// ErrCodeBadOutcome indicates the gateway returned an unknown outcome.
	ErrCodeBadOutcome ErrorCode = "BAD_OUTCOME"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.EntryID != 0 {
		return fmt.Sprintf("%s: entry %d: %v", e.Code, e.EntryID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsStorageError returns true if err is an engine storage fault.
func IsStorageError(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// IsReconcileError returns true if err is a reconciliation failure.
func IsReconcileError(err error) bool {
	return hasCode(err, ErrCodeReconcile)
}

// IsMissingServerIDError returns true if err reports a create acknowledged
// without a server identifier.
func IsMissingServerIDError(err error) bool {
	return hasCode(err, ErrCodeMissingServerID)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

func storageFault(entryID int64, err error) *Error {
	return &Error{Code: ErrCodeStorage, EntryID: entryID, Err: err}
}
