package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/courier/internal/store"
)

// MarkSyncing moves a pending entry to syncing and stamps last_attempt_at.
func (q *Queue) MarkSyncing(ctx context.Context, id int64) error {
	return q.store.RunInTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`
			UPDATE sync_queue SET status = 'syncing', last_attempt_at = ?
			WHERE id = ? AND status = 'pending'
		`, store.FormatTime(q.clock.Now()), id)
		if err != nil {
			return fmt.Errorf("mark syncing %d: %w", id, err)
		}
		return q.expectOne(tx, res, "mark syncing", id)
	})
}

// MarkCompletedTx moves a syncing entry to completed. retry_count is kept.
func (q *Queue) MarkCompletedTx(tx *store.Tx, id int64, serverID string) error {
	res, err := tx.Exec(`
		UPDATE sync_queue
		SET status = 'completed', completed_at = ?, server_id = ?,
			failure_kind = '', last_error = '', next_attempt_at = NULL
		WHERE id = ? AND status = 'syncing'
	`, store.FormatTime(q.clock.Now()), serverID, id)
	if err != nil {
		return fmt.Errorf("mark completed %d: %w", id, err)
	}
	if err := q.expectOne(tx, res, "mark completed", id); err != nil {
		return err
	}
	tx.TouchQueue()
	return nil
}

// MarkCompleted runs MarkCompletedTx in its own transaction.
func (q *Queue) MarkCompleted(ctx context.Context, id int64, serverID string) error {
	return q.store.RunInTx(ctx, func(tx *store.Tx) error {
		return q.MarkCompletedTx(tx, id, serverID)
	})
}

// MarkFailedTx moves a syncing entry to failed, increments retry_count and
// records the error. nextAttemptAt is the earliest automatic retry for
// transient failures; nil means no automatic retry.
func (q *Queue) MarkFailedTx(tx *store.Tx, id int64, kind FailureKind, reason string, nextAttemptAt *time.Time) error {
	if kind != FailureTransient && kind != FailurePermanent {
		return fmt.Errorf("mark failed %d: invalid failure kind %q", id, kind)
	}
	res, err := tx.Exec(`
		UPDATE sync_queue
		SET status = 'failed', failure_kind = ?, retry_count = retry_count + 1,
			last_error = ?, last_attempt_at = ?, next_attempt_at = ?
		WHERE id = ? AND status = 'syncing'
	`, string(kind), reason, store.FormatTime(q.clock.Now()), store.NullTime(nextAttemptAt), id)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	if err := q.expectOne(tx, res, "mark failed", id); err != nil {
		return err
	}
	tx.TouchQueue()
	return nil
}

// MarkFailed runs MarkFailedTx in its own transaction.
func (q *Queue) MarkFailed(ctx context.Context, id int64, kind FailureKind, reason string, nextAttemptAt *time.Time) error {
	return q.store.RunInTx(ctx, func(tx *store.Tx) error {
		return q.MarkFailedTx(tx, id, kind, reason, nextAttemptAt)
	})
}

// Retry moves a failed entry back to pending, clearing its error but
// keeping retry_count. Retrying a completed entry returns
// ErrAlreadyCompleted and changes nothing; retrying a pending or syncing
// entry is a no-op.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	return q.store.RunInTx(ctx, func(tx *store.Tx) error {
		e, err := q.GetTx(tx, id)
		if err != nil {
			return err
		}
		switch e.Status {
		case StatusCompleted:
			return fmt.Errorf("retry %d: %w", id, ErrAlreadyCompleted)
		case StatusPending, StatusSyncing:
			return nil
		}
		_, err = tx.Exec(`
			UPDATE sync_queue
			SET status = 'pending', failure_kind = '', last_error = '', next_attempt_at = NULL
			WHERE id = ? AND status = 'failed'
		`, id)
		if err != nil {
			return fmt.Errorf("retry %d: %w", id, err)
		}
		tx.TouchQueue()
		return nil
	})
}

// PurgeCompleted deletes completed entries whose completed_at is older than
// the retention window. Failed entries are never purged.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := store.FormatTime(q.clock.Now().Add(-olderThan))
	var n int64
	err := q.store.RunInTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM sync_queue WHERE status = 'completed' AND completed_at < ?
		`, cutoff)
		if err != nil {
			return fmt.Errorf("purge completed: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return store.Wrap("purge completed", err)
		}
		if n > 0 {
			tx.TouchQueue()
		}
		return nil
	})
	return n, err
}

// RecoverInFlight resets entries left syncing by an interrupted pass to
// pending. Their retry_count is unchanged: the interrupted attempt has no
// known outcome.
func (q *Queue) RecoverInFlight(ctx context.Context) (int64, error) {
	return q.promote(ctx, "recover in-flight", `
		UPDATE sync_queue SET status = 'pending' WHERE status = 'syncing'
	`)
}

// PromoteDue moves transient failures whose next_attempt_at has passed back
// to pending. maxAttempts bounds automatic retries; 0 means unbounded.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time, maxAttempts int) (int64, error) {
	return q.promote(ctx, "promote due", `
		UPDATE sync_queue
		SET status = 'pending', failure_kind = '', next_attempt_at = NULL
		WHERE status = 'failed' AND failure_kind = 'transient'
			AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			AND (? = 0 OR retry_count < ?)
	`, store.FormatTime(now), maxAttempts, maxAttempts)
}

// PromoteTransient moves every transient failure back to pending regardless
// of its schedule. Used when connectivity returns.
func (q *Queue) PromoteTransient(ctx context.Context, maxAttempts int) (int64, error) {
	return q.promote(ctx, "promote transient", `
		UPDATE sync_queue
		SET status = 'pending', failure_kind = '', next_attempt_at = NULL
		WHERE status = 'failed' AND failure_kind = 'transient'
			AND (? = 0 OR retry_count < ?)
	`, maxAttempts, maxAttempts)
}

// NextDue returns the earliest next_attempt_at among transient failures
// still eligible for automatic retry, or nil if there is none.
func (q *Queue) NextDue(ctx context.Context, maxAttempts int) (*time.Time, error) {
	var next *time.Time
	err := q.store.RunInTx(ctx, func(tx *store.Tx) error {
		var raw sql.NullString
		err := tx.QueryRow(`
			SELECT MIN(next_attempt_at) FROM sync_queue
			WHERE status = 'failed' AND failure_kind = 'transient'
				AND (? = 0 OR retry_count < ?)
		`, maxAttempts, maxAttempts).Scan(&raw)
		if err != nil {
			return store.Wrap("next due", err)
		}
		next, err = store.ParseNullTime(raw)
		return err
	})
	return next, err
}

func (q *Queue) promote(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	err := q.store.RunInTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return store.Wrap(op, err)
		}
		if n > 0 {
			tx.TouchQueue()
		}
		return nil
	})
	return n, err
}

// expectOne turns a zero-row transition into ErrNotFound or
// ErrInvalidTransition.
func (q *Queue) expectOne(tx *store.Tx, res interface{ RowsAffected() (int64, error) }, op string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return store.Wrap(op, err)
	}
	if n == 1 {
		return nil
	}
	e, err := q.GetTx(tx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s %d: status %s: %w", op, id, e.Status, ErrInvalidTransition)
}
