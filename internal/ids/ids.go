// Package ids mints and classifies entity identifiers.
//
// Identifiers minted on the device carry the "local-" prefix until the remote
// system assigns a permanent one. Anything without the prefix is treated as
// server-assigned.
package ids

import (
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// LocalPrefix marks a provisional identifier minted on the device.
const LocalPrefix = "local-"

// IsLocal reports whether id is a provisional, locally-minted identifier.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// Generator produces unique strings. Used for local ids and idempotency keys.
type Generator interface {
	Generate() string
}

// NewLocal mints a provisional entity identifier from g.
func NewLocal(g Generator) string {
	return LocalPrefix + g.Generate()
}

// UUIDv7Generator generates time-sortable UUIDv7 strings.
//
// UUIDv7 embeds a timestamp in the most significant bits, so local ids sort
// by creation time, which keeps queue dumps readable.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined values for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu     sync.Mutex
	values []string
	idx    int
}

// NewFixedGenerator creates a generator that returns values in order.
//
// Example:
//
//	gen := NewFixedGenerator("abc", "def")
//	NewLocal(gen) // "local-abc"
//	gen.Generate() // "def"
//	gen.Generate() // panic: all values exhausted
func NewFixedGenerator(values ...string) *FixedGenerator {
	return &FixedGenerator{values: values}
}

// Generate returns the next predetermined value.
//
// Panics if all values have been consumed, which means the test minted more
// identifiers than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.values) {
		panic("FixedGenerator: all values exhausted")
	}
	v := g.values[g.idx]
	g.idx++
	return v
}

// SequenceGenerator returns prefix-1, prefix-2, ... without ever running out.
// Used by the scenario harness where the number of ids is not known upfront.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator numbering values after prefix.
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next value in the sequence.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.prefix + "-" + strconv.Itoa(g.n)
}
