package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/courier/internal/model"
)

func TestWatch_SeedsCurrentState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, testUser("usr-1")))

	ch, cancel, err := s.Watch(ctx, model.Key{Type: model.EntityUser, ID: "usr-1"})
	require.NoError(t, err)
	defer cancel()

	snap := receiveSnapshot(t, ch)
	assert.Equal(t, "usr-1", snap.Entity.EntityID())

	u := testUser("usr-1")
	u.Name = "Grace"
	require.NoError(t, s.Upsert(ctx, u))

	snap = receiveSnapshot(t, ch)
	assert.Equal(t, "Grace", snap.Entity.(*model.User).Name)
}

func TestWatch_MissingEntitySeedsDeleted(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ch, cancel, err := s.Watch(ctx, model.Key{Type: model.EntityOrder, ID: "nope"})
	require.NoError(t, err)
	defer cancel()

	snap := receiveSnapshot(t, ch)
	assert.True(t, snap.Deleted)
}

func TestWatchPending(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	ch, cancel, err := s.WatchPending(ctx)
	require.NoError(t, err)
	defer cancel()

	select {
	case n := <-ch:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("no seed value")
	}

	err = s.RunInTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sync_queue (entity_type, entity_id, operation, payload, idempotency_key, created_at)
			VALUES ('user', 'usr-1', 'create', '{}', 'k1', ?)
		`, FormatTime(testTime))
		tx.TouchQueue()
		return err
	})
	require.NoError(t, err)

	select {
	case n := <-ch:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("no pending update")
	}
}
