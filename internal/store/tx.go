package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/watch"
)

// Tx is a store transaction. It exposes entity operations plus raw
// statement execution for sibling packages (queue, reconcile), and records
// what it changed so the store can notify watchers after commit.
//
// A Tx is bound to the goroutine running the RunInTx callback and must not
// escape it.
type Tx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *Store

	touched      []model.Key
	touchedSet   map[model.Key]struct{}
	queueChanged bool
}

// RunInTx runs fn in a transaction. The transaction commits if fn returns
// nil and rolls back if fn returns an error or panics.
//
// After a successful commit, snapshots of every touched entity (and the
// outstanding queue size, if the queue changed) are published to the hub.
//
// RunInTx must not be called from inside another RunInTx callback: the
// store holds a single connection and the inner call would wait forever.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			sqlTx.Rollback()
		}
	}()

	tx := &Tx{
		ctx:        ctx,
		tx:         sqlTx,
		store:      s,
		touchedSet: make(map[model.Key]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}

	snaps, pending, err := tx.collectChanges()
	if err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return storageError("commit", err)
	}
	committed = true

	if len(snaps) == 0 && !tx.queueChanged {
		return nil
	}
	seq := s.seq.Add(1)
	for i := range snaps {
		snaps[i].Seq = seq
	}
	s.hub.Publish(snaps...)
	if tx.queueChanged {
		s.hub.PublishPending(seq, pending)
	}
	return nil
}

// Context returns the context the transaction was started with.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// Exec runs a statement inside the transaction. Errors are classified.
func (tx *Tx) Exec(query string, args ...any) (sql.Result, error) {
	res, err := tx.tx.ExecContext(tx.ctx, query, args...)
	if err != nil {
		return nil, storageError("exec", err)
	}
	return res, nil
}

// Query runs a query inside the transaction. Callers close the rows.
func (tx *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	rows, err := tx.tx.QueryContext(tx.ctx, query, args...)
	if err != nil {
		return nil, storageError("query", err)
	}
	return rows, nil
}

// QueryRow runs a single-row query inside the transaction.
func (tx *Tx) QueryRow(query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(tx.ctx, query, args...)
}

// Touch records that the entity identified by key changed.
func (tx *Tx) Touch(key model.Key) {
	if _, ok := tx.touchedSet[key]; ok {
		return
	}
	tx.touchedSet[key] = struct{}{}
	tx.touched = append(tx.touched, key)
}

// TouchQueue records that the sync queue changed.
func (tx *Tx) TouchQueue() {
	tx.queueChanged = true
}

// UnfinishedCount returns the number of queue entries not yet completed.
func (tx *Tx) UnfinishedCount() (int, error) {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM sync_queue WHERE status != 'completed'`).Scan(&n)
	if err != nil {
		return 0, storageError("count unfinished", err)
	}
	return n, nil
}

// collectChanges reads the post-transaction state of everything touched,
// inside the transaction, so the published values match what committed.
func (tx *Tx) collectChanges() ([]watch.Snapshot, int, error) {
	var snaps []watch.Snapshot
	for _, key := range tx.touched {
		e, err := tx.Get(key.Type, key.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			snaps = append(snaps, watch.Snapshot{Key: key, Deleted: true})
		case err != nil:
			return nil, 0, err
		default:
			snaps = append(snaps, watch.Snapshot{Key: key, Entity: e})
		}
	}

	var pending int
	if tx.queueChanged {
		n, err := tx.UnfinishedCount()
		if err != nil {
			return nil, 0, err
		}
		pending = n
	}
	return snaps, pending, nil
}
