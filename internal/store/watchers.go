package store

import (
	"context"
	"errors"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/watch"
)

// Watch subscribes to committed changes of one entity. The channel first
// receives the current state (Deleted if the entity does not exist) and then
// every later committed change, latest value wins.
//
// The cancel function releases the subscription and closes the channel.
func (s *Store) Watch(ctx context.Context, key model.Key) (<-chan watch.Snapshot, func(), error) {
	ch, cancel := s.hub.Subscribe(key)

	seq := s.seq.Load()
	snap := watch.Snapshot{Key: key, Seq: seq}
	e, err := s.Get(ctx, key.Type, key.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		snap.Deleted = true
	case err != nil:
		cancel()
		return nil, nil, err
	default:
		snap.Entity = e
	}
	s.hub.Seed(ch, snap)
	return ch, cancel, nil
}

// WatchPending subscribes to the number of queue entries not yet completed.
// The channel first receives the current count.
func (s *Store) WatchPending(ctx context.Context) (<-chan int, func(), error) {
	ch, cancel := s.hub.SubscribePending()

	seq := s.seq.Load()
	var n int
	err := s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.UnfinishedCount()
		return err
	})
	if err != nil {
		cancel()
		return nil, nil, err
	}
	s.hub.SeedPending(ch, seq, n)
	return ch, cancel, nil
}
