package clock

import (
	"math/rand"
	"testing"
)

// TestLamport_Property_Monotonic tests that the clock never decreases under any
// interleaving of ticks and observations
func TestLamport_Property_Monotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	c := New()
	last := c.Value()

	for i := 0; i < 1000; i++ {
		var now int64
		if rng.Intn(2) == 0 {
			now = c.Tick()
		} else {
			now = c.Observe(rng.Int63n(2000))
		}
		if now <= last {
			t.Fatalf("Clock did not strictly increase: %d after %d (step %d)", now, last, i)
		}
		last = now
	}
}

// TestLamport_Property_ObserveExceedsReceived tests that after observing a
// timestamp the clock is strictly greater than it
func TestLamport_Property_ObserveExceedsReceived(t *testing.T) {
	c := New()
	for _, received := range []int64{0, 5, 3, 100, 99, 100} {
		if got := c.Observe(received); got <= received {
			t.Errorf("Observe(%d) = %d, want > %d", received, got, received)
		}
	}
}

// TestLamport_Property_HappenedBefore tests the clock condition: if a sends
// to b, the send timestamp is smaller than every later event at b
func TestLamport_Property_HappenedBefore(t *testing.T) {
	a, b := New(), New()
	for i := 0; i < 10; i++ {
		b.Tick()
	}
	for i := 0; i < 20; i++ {
		a.Tick()
	}

	sent := a.Tick()
	recv := b.Observe(sent)
	if recv <= sent {
		t.Errorf("Receive event %d should follow send event %d", recv, sent)
	}
	if next := b.Tick(); next <= sent {
		t.Errorf("Later event %d at receiver should follow send event %d", next, sent)
	}
}
