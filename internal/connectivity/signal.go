// Package connectivity reports whether the remote system is reachable.
//
// A Signal delivers the current State on subscription and every change
// after it. Delivery is latest-value-wins: a subscriber that falls behind
// sees the most recent state, never a backlog.
//
// Implementations:
//   - Manual: state set by the caller (tests, CLI flags, platform hooks)
//   - Prober: polls a probe function, e.g. HTTPProbe against a health URL
//   - Socket: holds a websocket to a realtime endpoint; connected = online,
//     and every server message can nudge the engine to re-sync
package connectivity

import (
	"context"
	"sync"
)

// State is the reachability of the remote system.
type State struct {
	Online bool

	// Connects counts transitions to online since the signal was created.
	// A subscriber that missed an offline state in between still sees the
	// reconnect as a new count.
	Connects uint64
}

func (s State) String() string {
	if s.Online {
		return "online"
	}
	return "offline"
}

// Signal publishes connectivity changes.
type Signal interface {
	// Subscribe returns a channel that first receives the current state
	// (once known) and then every change. The channel is closed when ctx
	// is done.
	Subscribe(ctx context.Context) <-chan State
}

// broadcaster holds the current state and fans changes out to subscribers.
// Embedded by every Signal implementation.
type broadcaster struct {
	mu    sync.Mutex
	state State
	known bool
	subs  map[chan State]struct{}
}

func (b *broadcaster) Subscribe(ctx context.Context) <-chan State {
	ch := make(chan State, 1)

	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan State]struct{})
	}
	b.subs[ch] = struct{}{}
	if b.known {
		ch <- b.state
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

// set records the reachability in s and notifies subscribers if it
// differs from the current state. Connects is maintained here; the value
// passed in is ignored. Returns true if the state changed.
func (b *broadcaster) set(s State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.known && b.state.Online == s.Online {
		return false
	}
	s.Connects = b.state.Connects
	if s.Online {
		s.Connects++
	}
	b.state = s
	b.known = true
	for ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
	return true
}

// current returns the last state and whether one has been recorded.
func (b *broadcaster) current() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.known
}

// Manual is a Signal whose state is set explicitly.
type Manual struct {
	broadcaster
}

// NewManual creates a Manual signal with an initial state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.set(State{Online: online})
	return m
}

// SetOnline changes the state.
func (m *Manual) SetOnline(online bool) {
	m.set(State{Online: online})
}

// Online reports the current state.
func (m *Manual) Online() bool {
	s, _ := m.current()
	return s.Online
}
