// Package idgen generates ULID-class identifiers: 26-char, lexicographically
// sortable, time-ordered. Used for billing_entry_id, WAL and event-stream
// segment ids, event ids, and credit-note ids.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"gateway/internal/clock"
)

// Generator produces monotonic ULIDs seeded from an injected Clock, the
// same way the teacher injects time.Time rather than calling time.Now()
// directly in risk/manager.go and strategy/flow_tracker.go.
type Generator struct {
	mu      sync.Mutex
	clock   clock.Clock
	entropy *ulid.MonotonicEntropy
}

// New creates a Generator backed by clk.
func New(clk clock.Clock) *Generator {
	return &Generator{
		clock:   clk,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// New26 returns a new 26-character ULID-class id.
func (g *Generator) New26() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(g.clock.Now()), g.entropy)
	return id.String()
}

// NewWithSuffix returns a ULID with an appended random suffix, used for
// credit-note ids that must stay unique under concurrent issuance even
// if the monotonic entropy source is shared across goroutines.
func (g *Generator) NewWithSuffix(prefix string) string {
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("%s-%s-%x", prefix, g.New26(), suffix)
}
