package order

import (
	"container/heap"

	"mcastqueue/internal/clock"
	"mcastqueue/internal/wire"
)

// less orders copies by timestamp, then origin, with the ack copy of a
// message before its data copy.
func less(a, b *wire.Message) bool {
	if a.Timestamp != b.Timestamp || a.Origin != b.Origin {
		return clock.Before(a.Timestamp, a.Origin.String(), b.Timestamp, b.Origin.String())
	}
	return a.Ack && !b.Ack
}

type candidateHeap []*wire.Message

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidateHeap) Push(x any) {
	*h = append(*h, x.(*wire.Message))
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}

// secondMin returns the second smallest entry. In a binary heap it is the
// smaller of the root's two children.
func (h candidateHeap) secondMin() *wire.Message {
	switch len(h) {
	case 0, 1:
		return nil
	case 2:
		return h[1]
	default:
		if less(h[2], h[1]) {
			return h[2]
		}
		return h[1]
	}
}

// popPair removes the two smallest entries if they are the data and ack
// copies of one message, and returns the data copy.
func (h *candidateHeap) popPair() (*wire.Message, bool) {
	if h.Len() < 2 {
		return nil, false
	}
	a, b := (*h)[0], h.secondMin()
	if !a.SameEvent(b) || a.Ack == b.Ack {
		return nil, false
	}
	x := heap.Pop(h).(*wire.Message)
	y := heap.Pop(h).(*wire.Message)
	if x.Ack {
		return y, true
	}
	return x, true
}
