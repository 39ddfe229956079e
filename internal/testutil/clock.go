package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the start time of a new FakeClock.
var DefaultEpoch = time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced wall clock for tests.
//
// Time only moves when Advance or Set is called, so timestamps written to
// the store and backoff schedules are reproducible across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at DefaultEpoch.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: DefaultEpoch}
}

// NewFakeClockAt creates a clock frozen at t.
func NewFakeClockAt(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

// Now returns the frozen time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
// Negative durations are ignored; the clock never goes backwards.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Set jumps the clock to t if t is not before the current time.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t.UTC()
	}
}

// Reset moves the clock back to DefaultEpoch.
//
// Used for test reuse.
func (c *FakeClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = DefaultEpoch
}
