// Package reconcile replaces a provisional identifier with the one the
// remote system assigned.
//
// Reconciliation is a single transaction over the closed reference set in
// model.References: the entity row, every queue entry for the entity, every
// stored reference to it, and every queued payload carrying such a
// reference are rewritten together, and an alias row records the change.
// Any failure rolls all of it back.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/courier/internal/clock"
	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/queue"
	"github.com/roach88/courier/internal/store"
)

// ErrIdentityTaken is returned when the server-assigned id already names a
// different local entity.
var ErrIdentityTaken = errors.New("identity already taken")

// Error is a failed reconciliation. Nothing it would have written was kept.
type Error struct {
	EntityType model.EntityType
	OldID      string
	NewID      string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconcile %s %s -> %s: %v", e.EntityType, e.OldID, e.NewID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsReconcileError reports whether err is a reconciliation failure.
func IsReconcileError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// Result summarizes what a reconciliation rewrote.
type Result struct {
	// EntityMoved is false when the entity no longer exists locally
	// (it was deleted while its create was queued).
	EntityMoved bool

	// EntriesRekeyed counts queue entries moved to the new id.
	EntriesRekeyed int

	// ReferencesRewritten counts stored rows whose reference column changed.
	ReferencesRewritten int

	// PayloadsRewritten counts queued payloads whose reference field changed.
	PayloadsRewritten int
}

// Reconciler rewrites identifiers in the store and queue.
type Reconciler struct {
	store *store.Store
	queue *queue.Queue
	clock clock.Clock
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the clock used for last_synced_at and alias timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) {
		r.clock = c
	}
}

// New creates a Reconciler.
func New(s *store.Store, q *queue.Queue, opts ...Option) *Reconciler {
	r := &Reconciler{store: s, queue: q, clock: clock.System{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile runs ReconcileTx in its own transaction.
func (r *Reconciler) Reconcile(ctx context.Context, t model.EntityType, oldID, newID string) (Result, error) {
	var res Result
	err := r.store.RunInTx(ctx, func(tx *store.Tx) error {
		var err error
		res, err = r.ReconcileTx(tx, t, oldID, newID)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// ReconcileTx replaces oldID with newID for entity type t inside tx.
// Reconciling an id to itself is a no-op.
//
// On error the caller must roll tx back; the returned error is an *Error.
func (r *Reconciler) ReconcileTx(tx *store.Tx, t model.EntityType, oldID, newID string) (Result, error) {
	fail := func(err error) (Result, error) {
		return Result{}, &Error{EntityType: t, OldID: oldID, NewID: newID, Err: err}
	}

	if _, err := model.ParseEntityType(string(t)); err != nil {
		return fail(err)
	}
	if newID == "" {
		return fail(errors.New("empty server id"))
	}
	if oldID == newID {
		return Result{}, nil
	}

	var res Result
	now := r.clock.Now()

	taken, err := tx.Exists(t, newID)
	if err != nil {
		return fail(err)
	}
	if taken {
		return fail(ErrIdentityTaken)
	}

	moved, err := r.moveEntity(tx, t, oldID, newID)
	if err != nil {
		return fail(err)
	}
	res.EntityMoved = moved
	if moved {
		if err := tx.SetLastSynced(t, newID, now); err != nil {
			return fail(err)
		}
	}

	if res.EntriesRekeyed, err = r.queue.Rekey(tx, t, oldID, newID); err != nil {
		return fail(err)
	}

	if res.ReferencesRewritten, err = rewriteStoredReferences(tx, t, oldID, newID); err != nil {
		return fail(err)
	}

	if res.PayloadsRewritten, err = r.queue.RewriteReferences(tx, t, oldID, newID); err != nil {
		return fail(err)
	}

	if err := tx.PutAlias(t, oldID, newID, now); err != nil {
		return fail(err)
	}
	return res, nil
}

// moveEntity renames the primary key. Child rows with ON UPDATE CASCADE
// follow automatically.
func (r *Reconciler) moveEntity(tx *store.Tx, t model.EntityType, oldID, newID string) (bool, error) {
	exists, err := tx.Exists(t, oldID)
	if err != nil || !exists {
		return false, err
	}
	if _, err := tx.Exec(`UPDATE `+t.Table()+` SET id = ? WHERE id = ?`, newID, oldID); err != nil {
		return false, fmt.Errorf("move entity: %w", err)
	}
	tx.Touch(model.Key{Type: t, ID: oldID})
	tx.Touch(model.Key{Type: t, ID: newID})
	return true, nil
}

// rewriteStoredReferences updates every column in model.References that
// points at the retired id, touching the owning entities so watchers see
// the new reference.
func rewriteStoredReferences(tx *store.Tx, target model.EntityType, oldID, newID string) (int, error) {
	total := 0
	for _, ref := range model.ReferencesTo(target) {
		if ref.Owner != "" {
			owners, err := referencingIDs(tx, ref, oldID)
			if err != nil {
				return 0, err
			}
			for _, id := range owners {
				tx.Touch(model.Key{Type: ref.Owner, ID: id})
			}
		}
		// Table and Column come from the closed reference table.
		res, err := tx.Exec(`UPDATE `+ref.Table+` SET `+ref.Column+` = ? WHERE `+ref.Column+` = ?`, newID, oldID)
		if err != nil {
			return 0, fmt.Errorf("rewrite %s.%s: %w", ref.Table, ref.Column, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, store.Wrap("rewrite references", err)
		}
		total += int(n)
	}
	return total, nil
}

func referencingIDs(tx *store.Tx, ref model.Reference, oldID string) ([]string, error) {
	rows, err := tx.Query(`SELECT id FROM `+ref.Table+` WHERE `+ref.Column+` = ?`, oldID)
	if err != nil {
		return nil, fmt.Errorf("find %s.%s references: %w", ref.Table, ref.Column, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.Wrap("scan reference", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("scan reference", err)
	}
	return out, nil
}
