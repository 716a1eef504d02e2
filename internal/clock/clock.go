package clock

import (
	"strconv"
	"sync"
)

// Lamport is a Lamport logical clock. It is safe for concurrent use: the
// receive loop observes messages while callers of Put originate them.
type Lamport struct {
	mu sync.Mutex
	ts int64
}

// New creates a clock starting at zero.
func New() *Lamport {
	return &Lamport{}
}

// Tick advances the clock for a locally originated event and returns the new
// timestamp.
func (c *Lamport) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	return c.ts
}

// Observe advances the clock to max(received, current) + 1 and returns the
// new value.
func (c *Lamport) Observe(received int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.ts {
		c.ts = received
	}
	c.ts++
	return c.ts
}

// Value returns the current value without advancing it.
func (c *Lamport) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// String returns the current value in decimal.
func (c *Lamport) String() string {
	return strconv.FormatInt(c.Value(), 10)
}

// Before reports whether the event (tsA, originA) precedes (tsB, originB) in
// the total order: lower timestamp first, ties broken by origin.
func Before(tsA int64, originA string, tsB int64, originB string) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return originA < originB
}
