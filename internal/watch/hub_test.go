package watch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/courier/internal/model"
)

var driverKey = model.Key{Type: model.EntityDriver, ID: "drv-1"}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestHub_PublishDeliversToKey(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(driverKey)
	defer cancel()

	other, cancelOther := h.Subscribe(model.Key{Type: model.EntityDriver, ID: "drv-2"})
	defer cancelOther()

	h.Publish(Snapshot{Key: driverKey, Entity: &model.Driver{ID: "drv-1"}, Seq: 1})

	snap := receive(t, ch)
	assert.Equal(t, "drv-1", snap.Entity.EntityID())
	assert.Empty(t, other)
}

func TestHub_LatestValueWins(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(driverKey)
	defer cancel()

	for i := uint64(1); i <= 5; i++ {
		h.Publish(Snapshot{Key: driverKey, Entity: &model.Driver{ID: "drv-1", LicenseNumber: string(rune('a' + i))}, Seq: i})
	}

	snap := receive(t, ch)
	assert.Equal(t, uint64(5), snap.Seq)
	assert.Empty(t, ch, "older values must have been replaced")
}

func TestHub_StaleSeedDropped(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(driverKey)
	defer cancel()

	h.Publish(Snapshot{Key: driverKey, Deleted: true, Seq: 7})
	h.Seed(ch, Snapshot{Key: driverKey, Entity: &model.Driver{ID: "drv-1"}, Seq: 6})

	snap := receive(t, ch)
	assert.True(t, snap.Deleted)
	assert.Empty(t, ch)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(driverKey)
	require.Equal(t, 1, h.Subscribers(driverKey))

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers(driverKey))

	// Publishing after cancel must not panic on the closed channel.
	h.Publish(Snapshot{Key: driverKey, Seq: 1})
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe(driverKey)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 1000; i++ {
			h.Publish(Snapshot{Key: driverKey, Seq: i})
		}
		close(done)
	}()
	receive(t, done)
}

func TestHub_Pending(t *testing.T) {
	h := NewHub()
	ch, cancel := h.SubscribePending()
	defer cancel()

	h.SeedPending(ch, 1, 3)
	assert.Equal(t, 3, receive(t, ch))

	h.PublishPending(2, 2)
	h.PublishPending(3, 1)
	assert.Equal(t, 1, receive(t, ch))

	h.SeedPending(ch, 2, 9)
	assert.Empty(t, ch)
}

func TestHub_ConcurrentSubscribers(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel := h.Subscribe(driverKey)
			defer cancel()
			h.Publish(Snapshot{Key: driverKey, Seq: 1})
			_, ok := <-ch
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Subscribers(driverKey))
}
