package ring

import (
	"fmt"
	"sync"
)

// Status is the membership state of a peer.
type Status int

const (
	Unjoined Status = iota
	Active
	Leaving
	Left
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Unjoined:
		return "UNJOINED"
	case Active:
		return "ACTIVE"
	case Leaving:
		return "LEAVING"
	case Left:
		return "LEFT"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is a point-in-time copy of a peer's ring position.
type Snapshot struct {
	Self   Address
	Next   Address
	Prev   Address
	Status Status
}

// State holds the three addresses that define a peer's position in the ring.
// Writes come from the owning peer's receive loop (and from join/leave before
// and after that loop runs); every other goroutine only reads.
type State struct {
	mu     sync.RWMutex
	self   Address
	next   Address
	prev   Address
	status Status
}

// NewState creates an unjoined ring position.
func NewState() *State {
	return &State{status: Unjoined}
}

// Found makes self a ring of size one.
func (s *State) Found(self Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self, s.next, s.prev = self, self, self
	s.status = Active
}

// Init records self and the successor chosen before a join completes.
func (s *State) Init(self, next Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = self
	s.next = next
}

// Self returns this peer's address.
func (s *State) Self() Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Next returns the successor's address.
func (s *State) Next() Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

// Prev returns the predecessor's address.
func (s *State) Prev() Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prev
}

// SetNext overwrites the successor and returns the previous value.
func (s *State) SetNext(addr Address) Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.next
	s.next = addr
	return old
}

// SetPrev overwrites the predecessor and returns the previous value.
func (s *State) SetPrev(addr Address) Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.prev
	s.prev = addr
	return old
}

// Status returns the membership state.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Transition moves from one status to another. It fails if the current
// status is not from.
func (s *State) Transition(from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != from {
		return fmt.Errorf("cannot move to %s: peer is %s, not %s", to, s.status, from)
	}
	s.status = to
	return nil
}

// SetStatus sets the membership state unconditionally.
func (s *State) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Snapshot returns a consistent copy of all fields.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Self: s.self, Next: s.next, Prev: s.prev, Status: s.status}
}

// CheckCycle verifies that the given peers form exactly one cycle: following
// next from any peer visits every peer once and returns to the start, and
// prev is the inverse of next.
func CheckCycle(peers []Snapshot) error {
	if len(peers) == 0 {
		return nil
	}

	byAddr := make(map[Address]Snapshot, len(peers))
	for _, p := range peers {
		if _, dup := byAddr[p.Self]; dup {
			return fmt.Errorf("duplicate peer %s", p.Self)
		}
		byAddr[p.Self] = p
	}

	for _, p := range peers {
		succ, ok := byAddr[p.Next]
		if !ok {
			return fmt.Errorf("%s: next %s is not a live peer", p.Self, p.Next)
		}
		if succ.Prev != p.Self {
			return fmt.Errorf("%s: next is %s but its prev is %s", p.Self, p.Next, succ.Prev)
		}
	}

	start := peers[0].Self
	visited := make(map[Address]bool, len(peers))
	cur := start
	for i := 0; i < len(peers); i++ {
		if visited[cur] {
			return fmt.Errorf("cycle through %s skips %d peers", start, len(peers)-len(visited))
		}
		visited[cur] = true
		cur = byAddr[cur].Next
	}
	if cur != start {
		return fmt.Errorf("walk from %s did not return after %d hops (ended at %s)", start, len(peers), cur)
	}
	return nil
}
