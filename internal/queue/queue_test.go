package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/courier/internal/ids"
	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/store"
	"github.com/roach88/courier/internal/testutil"
)

// setupTestQueue creates a queue on a fresh temp-dir store.
func setupTestQueue(t *testing.T) (*Queue, *testutil.FakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := testutil.NewFakeClock()
	q := New(s, WithClock(clk), WithKeyGenerator(ids.NewSequenceGenerator("idem")))
	return q, clk
}

func enqueue(t *testing.T, q *Queue, typ model.EntityType, id string, op Operation, body string) int64 {
	t.Helper()
	var entryID int64
	err := q.Store().RunInTx(context.Background(), func(tx *store.Tx) error {
		var err error
		entryID, err = q.Enqueue(tx, typ, id, op, []byte(body))
		return err
	})
	require.NoError(t, err)
	return entryID
}

// startAttempt moves an entry to syncing the way the engine does.
func startAttempt(t *testing.T, q *Queue, id int64) {
	t.Helper()
	require.NoError(t, q.MarkSyncing(context.Background(), id))
}

func TestEnqueue_AssignsMonotonicIDs(t *testing.T) {
	q, clk := setupTestQueue(t)

	a := enqueue(t, q, model.EntityUser, "local-u1", OpCreate, `{"id":"local-u1"}`)
	b := enqueue(t, q, model.EntityUser, "local-u1", OpUpdate, `{"id":"local-u1"}`)
	assert.Greater(t, b, a)

	e, err := q.Get(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, "idem-1", e.IdempotencyKey)
	assert.Equal(t, clk.Now(), e.CreatedAt)
	assert.Equal(t, 0, e.RetryCount)
	assert.JSONEq(t, `{"id":"local-u1"}`, string(e.Payload))
}

func TestEnqueue_RollsBackWithCaller(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	err := q.Store().RunInTx(ctx, func(tx *store.Tx) error {
		if _, err := q.Enqueue(tx, model.EntityUser, "u", OpCreate, []byte(`{"id":"u"}`)); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	q, _ := setupTestQueue(t)
	err := q.Store().RunInTx(context.Background(), func(tx *store.Tx) error {
		_, err := q.Enqueue(tx, "vehicle", "v1", OpCreate, []byte(`{}`))
		assert.Error(t, err)
		_, err = q.Enqueue(tx, model.EntityUser, "u1", "upsert", []byte(`{}`))
		assert.Error(t, err)
		_, err = q.Enqueue(tx, model.EntityUser, "u1", OpCreate, nil)
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestPending_OrderedByID(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	entryIDs := []int64{
		enqueue(t, q, model.EntityOrder, "o1", OpCreate, `{"id":"o1"}`),
		enqueue(t, q, model.EntityUser, "u1", OpCreate, `{"id":"u1"}`),
		enqueue(t, q, model.EntityOrder, "o1", OpUpdate, `{"id":"o1"}`),
	}
	startAttempt(t, q, entryIDs[1])

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, entryIDs[0], pending[0].ID)
	assert.Equal(t, entryIDs[2], pending[1].ID)
}

func TestLifecycle_CompletedKeepsRetryCount(t *testing.T) {
	q, clk := setupTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, model.EntityOrder, "ord-1", OpUpdate, `{"id":"ord-1"}`)

	for i := 0; i < 3; i++ {
		startAttempt(t, q, id)
		next := clk.Now().Add(time.Minute)
		require.NoError(t, q.MarkFailed(ctx, id, FailureTransient, "timeout", &next))
		clk.Advance(time.Minute)
		n, err := q.PromoteDue(ctx, clk.Now(), 0)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
	}

	startAttempt(t, q, id)
	require.NoError(t, q.MarkCompleted(ctx, id, ""))

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Equal(t, 3, e.RetryCount)
	assert.Empty(t, e.LastError)
	require.NotNil(t, e.CompletedAt)
	assert.Equal(t, clk.Now(), *e.CompletedAt)
}

func TestMarkFailed_RecordsError(t *testing.T) {
	q, clk := setupTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, model.EntityUser, "u1", OpCreate, `{"id":"u1"}`)

	startAttempt(t, q, id)
	require.NoError(t, q.MarkFailed(ctx, id, FailurePermanent, "422: email invalid", nil))

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, FailurePermanent, e.FailureKind)
	assert.Equal(t, 1, e.RetryCount)
	assert.Equal(t, "422: email invalid", e.LastError)
	assert.Nil(t, e.NextAttemptAt)
	require.NotNil(t, e.LastAttemptAt)
	assert.Equal(t, clk.Now(), *e.LastAttemptAt)

	err = q.MarkFailed(ctx, id, "", "x", nil)
	assert.Error(t, err)
}

func TestTransitions_RequireSyncing(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, model.EntityUser, "u1", OpCreate, `{"id":"u1"}`)

	err := q.MarkCompleted(ctx, id, "usr-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = q.MarkFailed(ctx, id, FailureTransient, "x", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	startAttempt(t, q, id)
	err = q.MarkSyncing(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = q.MarkSyncing(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetry(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, model.EntityUser, "u1", OpCreate, `{"id":"u1"}`)

	// Pending: no-op.
	require.NoError(t, q.Retry(ctx, id))

	startAttempt(t, q, id)
	// Syncing: no-op.
	require.NoError(t, q.Retry(ctx, id))

	require.NoError(t, q.MarkFailed(ctx, id, FailurePermanent, "rejected", nil))
	require.NoError(t, q.Retry(ctx, id))

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, FailureNone, e.FailureKind)
	assert.Empty(t, e.LastError)
	assert.Equal(t, 1, e.RetryCount, "retry keeps the attempt history")

	err = q.Retry(ctx, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetry_CompletedRejected(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, model.EntityUser, "u1", OpCreate, `{"id":"u1"}`)
	startAttempt(t, q, id)
	require.NoError(t, q.MarkCompleted(ctx, id, "usr-1"))

	before, err := q.Get(ctx, id)
	require.NoError(t, err)

	err = q.Retry(ctx, id)
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	after, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after, "retry of a completed entry changes nothing")
}

func TestPurgeCompleted(t *testing.T) {
	q, clk := setupTestQueue(t)
	ctx := context.Background()

	old := enqueue(t, q, model.EntityUser, "u1", OpCreate, `{"id":"u1"}`)
	startAttempt(t, q, old)
	require.NoError(t, q.MarkCompleted(ctx, old, "usr-1"))

	failed := enqueue(t, q, model.EntityUser, "u2", OpCreate, `{"id":"u2"}`)
	startAttempt(t, q, failed)
	require.NoError(t, q.MarkFailed(ctx, failed, FailurePermanent, "no", nil))

	clk.Advance(48 * time.Hour)

	recent := enqueue(t, q, model.EntityUser, "u3", OpCreate, `{"id":"u3"}`)
	startAttempt(t, q, recent)
	require.NoError(t, q.MarkCompleted(ctx, recent, "usr-3"))

	n, err := q.PurgeCompleted(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = q.Get(ctx, old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Get(ctx, failed)
	assert.NoError(t, err, "failed entries are retained")
	_, err = q.Get(ctx, recent)
	assert.NoError(t, err)
}

func TestRecoverInFlight(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()
	id := enqueue(t, q, model.EntityDriver, "d1", OpCreate, `{"id":"d1"}`)
	startAttempt(t, q, id)

	n, err := q.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 0, e.RetryCount)
}

func TestPromoteDue_RespectsScheduleAndLimit(t *testing.T) {
	q, clk := setupTestQueue(t)
	ctx := context.Background()

	soon := enqueue(t, q, model.EntityUser, "u1", OpCreate, `{"id":"u1"}`)
	later := enqueue(t, q, model.EntityUser, "u2", OpCreate, `{"id":"u2"}`)
	perm := enqueue(t, q, model.EntityUser, "u3", OpCreate, `{"id":"u3"}`)

	for _, id := range []int64{soon, later, perm} {
		startAttempt(t, q, id)
	}
	t1 := clk.Now().Add(5 * time.Second)
	t2 := clk.Now().Add(time.Hour)
	require.NoError(t, q.MarkFailed(ctx, soon, FailureTransient, "503", &t1))
	require.NoError(t, q.MarkFailed(ctx, later, FailureTransient, "503", &t2))
	require.NoError(t, q.MarkFailed(ctx, perm, FailurePermanent, "400", nil))

	next, err := q.NextDue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, t1, *next)

	// At the limit: retry_count (1) is not below maxAttempts (1).
	n, err := q.PromoteDue(ctx, clk.Now().Add(2*time.Hour), 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(10 * time.Second)
	n, err = q.PromoteDue(ctx, clk.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err := q.Get(ctx, soon)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, "503", e.LastError, "promotion keeps the last error for diagnostics")

	n, err = q.PromoteTransient(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	e, err = q.Get(ctx, perm)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status, "permanent failures are never promoted")
}

func TestStatsAndBlockedKeys(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, model.EntityUser, "u1", OpCreate, `{"id":"u1"}`)
	b := enqueue(t, q, model.EntityUser, "u2", OpCreate, `{"id":"u2"}`)
	c := enqueue(t, q, model.EntityUser, "u3", OpCreate, `{"id":"u3"}`)
	enqueue(t, q, model.EntityUser, "u4", OpCreate, `{"id":"u4"}`)

	startAttempt(t, q, a)
	require.NoError(t, q.MarkCompleted(ctx, a, "usr-1"))
	startAttempt(t, q, b)
	require.NoError(t, q.MarkFailed(ctx, b, FailureTransient, "503", nil))
	startAttempt(t, q, c)
	require.NoError(t, q.MarkFailed(ctx, c, FailurePermanent, "409", nil))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Completed: 1, Failed: 2, FailedTransient: 1, FailedPermanent: 1}, st)
	assert.Equal(t, 3, st.Unfinished())

	n, err := q.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	blocked, err := q.BlockedKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.Key]bool{
		{Type: model.EntityUser, ID: "u2"}: true,
		{Type: model.EntityUser, ID: "u3"}: true,
	}, blocked)
}

func TestList_Filter(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	enqueue(t, q, model.EntityUser, "u1", OpCreate, `{"id":"u1"}`)
	enqueue(t, q, model.EntityOrder, "o1", OpCreate, `{"id":"o1"}`)
	enqueue(t, q, model.EntityOrder, "o1", OpUpdate, `{"id":"o1"}`)
	enqueue(t, q, model.EntityOrder, "o2", OpCreate, `{"id":"o2"}`)

	all, err := q.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	orders, err := q.List(ctx, Filter{EntityType: model.EntityOrder, EntityID: "o1"})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, OpCreate, orders[0].Operation)

	limited, err := q.List(ctx, Filter{Limit: 1, Status: StatusPending})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestHasUnfinishedCreate(t *testing.T) {
	q, _ := setupTestQueue(t)
	ctx := context.Background()

	id := enqueue(t, q, model.EntityDriver, "local-abc", OpCreate, `{"id":"local-abc"}`)
	found, err := q.HasUnfinishedCreate(ctx, model.EntityDriver, "local-abc")
	require.NoError(t, err)
	assert.True(t, found)

	startAttempt(t, q, id)
	require.NoError(t, q.MarkCompleted(ctx, id, "local-abc"))

	found, err = q.HasUnfinishedCreate(ctx, model.EntityDriver, "local-abc")
	require.NoError(t, err)
	assert.False(t, found)
}
