package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("not found")

// Kind classifies store failures.
type Kind int

const (
	// KindStorage is a failure of the database itself. Callers must treat
	// it as fatal for the current operation and never swallow it.
	KindStorage Kind = iota

	// KindConflict is a write rejected by a constraint, e.g. a second
	// driver profile for the same user.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindConflict:
		return "conflict"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is a classified store failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStorage reports whether err is a storage fault.
func IsStorage(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindStorage
}

// IsConflict reports whether err is a constraint conflict.
func IsConflict(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindConflict
}

// storageError classifies a raw database error. Constraint violations become
// KindConflict; cancellation and ErrNotFound pass through wrapped; everything
// else is KindStorage.
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
		return &Error{Kind: KindConflict, Op: op, Err: err}
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// Wrap classifies err the way the store does. Sibling packages running raw
// statements through a Tx use it so their failures carry the same kinds.
func Wrap(op string, err error) error {
	return storageError(op, err)
}
