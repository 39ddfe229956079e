// Package repo applies local mutations.
//
// Every mutation writes the entity and appends its sync queue entry in one
// store transaction: either both are durable or neither is. Callers never
// enqueue by hand.
package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/courier/internal/clock"
	"github.com/roach88/courier/internal/ids"
	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/payload"
	"github.com/roach88/courier/internal/queue"
	"github.com/roach88/courier/internal/store"
)

// ErrInvalid is wrapped by every input validation failure.
var ErrInvalid = errors.New("invalid input")

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Repo is the write side of the local store.
type Repo struct {
	store *store.Store
	queue *queue.Queue
	clock clock.Clock
	ids   ids.Generator
}

// Option configures a Repo.
type Option func(*Repo)

// WithClock sets the clock used for created_at and updated_at.
func WithClock(c clock.Clock) Option {
	return func(r *Repo) {
		r.clock = c
	}
}

// WithIDGenerator sets the generator behind provisional identifiers.
func WithIDGenerator(g ids.Generator) Option {
	return func(r *Repo) {
		r.ids = g
	}
}

// New creates a Repo writing to s and q.
func New(s *store.Store, q *queue.Queue, opts ...Option) *Repo {
	r := &Repo{
		store: s,
		queue: q,
		clock: clock.System{},
		ids:   ids.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// newID mints a provisional identifier.
func (r *Repo) newID() string {
	return ids.NewLocal(r.ids)
}

// save upserts e and enqueues op for it inside tx. References to
// reconciled provisional ids are replaced by the server ids first.
func (r *Repo) save(tx *store.Tx, e model.Entity, op model.Operation) error {
	if err := resolveReferences(tx, e); err != nil {
		return fmt.Errorf("%s %s: %w", op, model.KeyOf(e), err)
	}
	if err := tx.Upsert(e); err != nil {
		return err
	}
	body, err := payload.FromEntity(e)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, model.KeyOf(e), err)
	}
	if _, err := r.queue.Enqueue(tx, e.EntityType(), e.EntityID(), op, body); err != nil {
		return err
	}
	return nil
}

func resolveReferences(tx *store.Tx, e model.Entity) error {
	for _, ref := range model.ReferencesFrom(e.EntityType()) {
		field := ref.Field(e)
		if field == nil || *field == "" {
			continue
		}
		cur, err := tx.ResolveAlias(ref.Target, *field)
		if err != nil {
			return err
		}
		*field = cur
	}
	return nil
}

// Delete removes the entity locally and enqueues its remote deletion.
// Returns store.ErrNotFound if it does not exist.
func (r *Repo) Delete(ctx context.Context, t model.EntityType, id string) error {
	if _, err := model.ParseEntityType(string(t)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	body, err := payload.ForDelete(id)
	if err != nil {
		return err
	}
	return r.store.RunInTx(ctx, func(tx *store.Tx) error {
		if err := tx.Delete(t, id); err != nil {
			return err
		}
		_, err := r.queue.Enqueue(tx, t, id, model.OpDelete, body)
		return err
	})
}
