package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/courier/internal/clock"
	"github.com/roach88/courier/internal/ids"
	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/store"
)

// Queue is the durable sync queue.
//
// Thread-safety: Queue is safe for concurrent use; every method runs in a
// store transaction and the store serializes transactions.
type Queue struct {
	store *store.Store
	clock clock.Clock
	keys  ids.Generator
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for entry timestamps.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithKeyGenerator sets the generator for idempotency keys.
func WithKeyGenerator(g ids.Generator) Option {
	return func(q *Queue) {
		q.keys = g
	}
}

// New creates a Queue on top of s.
func New(s *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store: s,
		clock: clock.System{},
		keys:  ids.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the underlying store.
func (q *Queue) Store() *store.Store {
	return q.store
}

// Now returns the queue's current time.
func (q *Queue) Now() time.Time {
	return q.clock.Now()
}

const entryColumns = `id, entity_type, entity_id, operation, payload, idempotency_key, status,
	failure_kind, retry_count, last_error, server_id, created_at, last_attempt_at,
	next_attempt_at, completed_at`

// Enqueue appends a pending entry and returns its id. It must run in the
// same transaction as the entity mutation it records, so the mutation and
// its queue entry commit or roll back together.
func (q *Queue) Enqueue(tx *store.Tx, t model.EntityType, entityID string, op Operation, payload []byte) (int64, error) {
	if _, err := model.ParseEntityType(string(t)); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	if _, err := model.ParseOperation(string(op)); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	if len(payload) == 0 {
		return 0, fmt.Errorf("enqueue: empty payload")
	}

	res, err := tx.Exec(`
		INSERT INTO sync_queue (entity_type, entity_id, operation, payload, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(t), entityID, string(op), string(payload), q.keys.Generate(), store.FormatTime(q.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s: %w", t, entityID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, store.Wrap("enqueue: last insert id", err)
	}
	tx.TouchQueue()
	return id, nil
}

// GetTx returns the entry with the given id inside tx.
func (q *Queue) GetTx(tx *store.Tx, id int64) (*Entry, error) {
	row := tx.QueryRow(`SELECT `+entryColumns+` FROM sync_queue WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, store.Wrap(fmt.Sprintf("get entry %d", id), err)
	}
	return e, nil
}

// Get returns the entry with the given id.
func (q *Queue) Get(ctx context.Context, id int64) (*Entry, error) {
	var e *Entry
	err := q.store.RunInTx(ctx, func(tx *store.Tx) error {
		var err error
		e, err = q.GetTx(tx, id)
		return err
	})
	return e, err
}

// Pending returns all pending entries in id order.
func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	return q.List(ctx, Filter{Status: StatusPending})
}

// List returns entries matching f in id order.
func (q *Queue) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(f.EntityType))
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	query := `SELECT ` + entryColumns + ` FROM sync_queue`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var out []Entry
	err := q.store.RunInTx(ctx, func(tx *store.Tx) error {
		rows, err := tx.Query(query, args...)
		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return store.Wrap("list entries: scan", err)
			}
			out = append(out, *e)
		}
		return store.Wrap("list entries", rows.Err())
	})
	return out, err
}

// Stats counts entries per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := q.store.RunInTx(ctx, func(tx *store.Tx) error {
		rows, err := tx.Query(`
			SELECT status, failure_kind, COUNT(*)
			FROM sync_queue
			GROUP BY status, failure_kind
		`)
		if err != nil {
			return fmt.Errorf("queue stats: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status, kind string
				n            int
			)
			if err := rows.Scan(&status, &kind, &n); err != nil {
				return store.Wrap("queue stats: scan", err)
			}
			switch Status(status) {
			case StatusPending:
				st.Pending += n
			case StatusSyncing:
				st.Syncing += n
			case StatusCompleted:
				st.Completed += n
			case StatusFailed:
				st.Failed += n
				switch FailureKind(kind) {
				case FailureTransient:
					st.FailedTransient += n
				case FailurePermanent:
					st.FailedPermanent += n
				}
			}
		}
		return store.Wrap("queue stats", rows.Err())
	})
	return st, err
}

// PendingCount returns the number of entries not yet completed
// (pending, syncing or failed).
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.store.RunInTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.UnfinishedCount()
		return err
	})
	return n, err
}

// BlockedKeys returns the entity keys that have a failed entry. Later
// entries for those keys must wait until the failed one is resolved.
func (q *Queue) BlockedKeys(ctx context.Context) (map[model.Key]bool, error) {
	blocked := make(map[model.Key]bool)
	err := q.store.RunInTx(ctx, func(tx *store.Tx) error {
		rows, err := tx.Query(`
			SELECT DISTINCT entity_type, entity_id FROM sync_queue WHERE status = 'failed'
		`)
		if err != nil {
			return fmt.Errorf("blocked keys: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var t, id string
			if err := rows.Scan(&t, &id); err != nil {
				return store.Wrap("blocked keys: scan", err)
			}
			blocked[model.Key{Type: model.EntityType(t), ID: id}] = true
		}
		return store.Wrap("blocked keys", rows.Err())
	})
	return blocked, err
}

func scanEntry(s interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e                                   Entry
		entityType, op, payload, status     string
		kind                                string
		created                             string
		lastAttempt, nextAttempt, completed sql.NullString
	)
	err := s.Scan(&e.ID, &entityType, &e.EntityID, &op, &payload, &e.IdempotencyKey, &status,
		&kind, &e.RetryCount, &e.LastError, &e.ServerID, &created, &lastAttempt, &nextAttempt, &completed)
	if err != nil {
		return nil, err
	}
	e.EntityType = model.EntityType(entityType)
	e.Operation = Operation(op)
	e.Payload = []byte(payload)
	e.Status = Status(status)
	e.FailureKind = FailureKind(kind)

	if e.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if e.LastAttemptAt, err = store.ParseNullTime(lastAttempt); err != nil {
		return nil, err
	}
	if e.NextAttemptAt, err = store.ParseNullTime(nextAttempt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = store.ParseNullTime(completed); err != nil {
		return nil, err
	}
	return &e, nil
}

// HasUnfinishedCreate reports whether entity (t, id) still has a create
// entry that has not completed. A payload referencing such an entity would
// send a dangling identifier.
func (q *Queue) HasUnfinishedCreate(ctx context.Context, t model.EntityType, id string) (bool, error) {
	var found bool
	err := q.store.RunInTx(ctx, func(tx *store.Tx) error {
		var one int
		err := tx.QueryRow(`
			SELECT 1 FROM sync_queue
			WHERE entity_type = ? AND entity_id = ? AND operation = 'create' AND status != 'completed'
			LIMIT 1
		`, string(t), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return store.Wrap("unfinished create", err)
		}
		found = true
		return nil
	})
	return found, err
}
