// Package watch fans committed entity changes out to observers.
//
// Delivery is latest-value-wins: every subscription has a one-slot buffer
// and a newer value replaces an unread older one. Publishing never blocks,
// so a slow observer can never stall the writer that committed the change.
//
// Values carry the commit sequence number assigned by the store. A value
// older than one already delivered to a subscription is dropped, which lets
// a subscriber be seeded with the current state without racing concurrent
// commits.
package watch

import (
	"sync"

	"github.com/roach88/courier/internal/model"
)

// Snapshot is the committed state of one entity.
// Entity is nil when Deleted is true.
type Snapshot struct {
	Key     model.Key
	Entity  model.Entity
	Deleted bool
	Seq     uint64
}

// Hub routes snapshots to subscribers by entity key and tracks subscribers
// of the outstanding queue size.
//
// Thread-safety: Hub is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	entity  map[model.Key]map[chan Snapshot]*entitySub
	pending map[chan int]*pendingSub
}

type entitySub struct {
	ch      chan Snapshot
	lastSeq uint64
}

type pendingSub struct {
	ch      chan int
	lastSeq uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		entity:  make(map[model.Key]map[chan Snapshot]*entitySub),
		pending: make(map[chan int]*pendingSub),
	}
}

// Subscribe registers interest in one entity. The returned cancel function
// unregisters and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(key model.Key) (<-chan Snapshot, func()) {
	sub := &entitySub{ch: make(chan Snapshot, 1)}

	h.mu.Lock()
	subs := h.entity[key]
	if subs == nil {
		subs = make(map[chan Snapshot]*entitySub)
		h.entity[key] = subs
	}
	subs[sub.ch] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.entity[key], sub.ch)
			if len(h.entity[key]) == 0 {
				delete(h.entity, key)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Seed delivers snap to a single subscription of snap.Key, identified by
// its channel. Used to hand a new subscriber the current state.
func (h *Hub) Seed(ch <-chan Snapshot, snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, sub := range h.entity[snap.Key] {
		if (<-chan Snapshot)(c) == ch {
			offerSnapshot(sub, snap)
			return
		}
	}
}

// Publish delivers each snapshot to the subscribers of its key.
func (h *Hub) Publish(snaps ...Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, snap := range snaps {
		for _, sub := range h.entity[snap.Key] {
			offerSnapshot(sub, snap)
		}
	}
}

// SubscribePending registers interest in the number of unfinished queue
// entries.
func (h *Hub) SubscribePending() (<-chan int, func()) {
	sub := &pendingSub{ch: make(chan int, 1)}

	h.mu.Lock()
	h.pending[sub.ch] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.pending, sub.ch)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// SeedPending delivers count to a single pending-count subscription.
func (h *Hub) SeedPending(ch <-chan int, seq uint64, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c, sub := range h.pending {
		if (<-chan int)(c) == ch {
			offerPending(sub, seq, count)
			return
		}
	}
}

// PublishPending delivers the outstanding queue size to all subscribers.
func (h *Hub) PublishPending(seq uint64, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.pending {
		offerPending(sub, seq, count)
	}
}

// Subscribers returns the number of live entity subscriptions for key.
func (h *Hub) Subscribers(key model.Key) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entity[key])
}

// offerSnapshot must be called with h.mu held. Only the hub sends on
// subscription channels, so after draining the slot the send cannot block.
func offerSnapshot(sub *entitySub, snap Snapshot) {
	if snap.Seq < sub.lastSeq {
		return
	}
	sub.lastSeq = snap.Seq
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- snap
}

func offerPending(sub *pendingSub, seq uint64, count int) {
	if seq < sub.lastSeq {
		return
	}
	sub.lastSeq = seq
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- count
}
