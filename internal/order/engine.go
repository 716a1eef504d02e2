package order

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"mcastqueue/internal/clock"
	"mcastqueue/internal/ring"
	"mcastqueue/internal/telemetry"
	"mcastqueue/internal/wire"
)

var (
	// ErrNotData is returned by Handle for messages that are not DATA.
	ErrNotData = errors.New("not a data message")
	// ErrUnexpectedAck is returned by Handle for an ack copy reaching a peer
	// whose guarantee has no ack lap.
	ErrUnexpectedAck = errors.New("ack copy without an ack lap")
)

type eventKey struct {
	origin ring.Address
	ts     int64
}

// Engine holds the delivery state of one peer.
type Engine struct {
	self      ring.Address
	guarantee wire.Guarantee
	clock     *clock.Lamport
	logger    *zap.Logger
	label     string

	mu         sync.Mutex
	candidates candidateHeap
	// seen holds the events whose data copy is in candidates.
	seen    map[eventKey]bool
	ready   [][]byte
	closed  bool
	err     error
	changed chan struct{}
}

// New creates an Engine for the peer at self.
func New(self ring.Address, g wire.Guarantee, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		self:      self,
		guarantee: g,
		clock:     clock.New(),
		logger:    logger,
		label:     g.String(),
		seen:      make(map[eventKey]bool),
		changed:   make(chan struct{}),
	}
}

// Guarantee returns the guarantee the engine delivers with.
func (e *Engine) Guarantee() wire.Guarantee { return e.guarantee }

// Clock returns the current Lamport clock value.
func (e *Engine) Clock() int64 { return e.clock.Value() }

// Observe advances the clock past ts without recording an event. Joiners
// use it to catch up with the clock of the member that let them in.
func (e *Engine) Observe(ts int64) int64 { return e.clock.Observe(ts) }

func (e *Engine) twoLaps() bool {
	return e.guarantee == wire.Causal || e.guarantee == wire.Total
}

// Originate stamps payload with the next clock value and returns the data
// copy to send downstream.
func (e *Engine) Originate(payload []byte) *wire.Message {
	return wire.NewData(e.self, e.clock.Tick(), payload)
}

// Handle records a DATA message observed on the ring and returns what must
// be forwarded downstream, or nil if the message ends here.
func (e *Engine) Handle(m *wire.Message) (*wire.Message, error) {
	if m == nil || m.Type != wire.Data {
		return nil, ErrNotData
	}
	e.clock.Observe(m.Timestamp)
	own := m.Origin == e.self

	if !e.twoLaps() {
		if m.Ack {
			return nil, fmt.Errorf("%w: %v under %s", ErrUnexpectedAck, m, e.guarantee)
		}
		e.mu.Lock()
		e.ready = append(e.ready, m.Payload)
		e.broadcastLocked()
		e.mu.Unlock()
		if own {
			return nil, nil
		}
		return m, nil
	}

	key := eventKey{origin: m.Origin, ts: m.Timestamp}
	e.mu.Lock()
	if m.Ack && !e.seen[key] {
		e.mu.Unlock()
		e.logger.Debug("relaying ack for a message observed before joining", zap.Stringer("msg", m))
		if own {
			return nil, nil
		}
		return m, nil
	}
	if !m.Ack && e.seen[key] {
		e.mu.Unlock()
		e.logger.Warn("duplicate data copy, ignoring", zap.Stringer("msg", m))
		return nil, nil
	}
	if !m.Ack {
		e.seen[key] = true
	}
	heap.Push(&e.candidates, m)
	telemetry.DeliveryCandidates.WithLabelValues(e.label).Set(float64(e.candidates.Len()))
	e.broadcastLocked()
	e.mu.Unlock()

	switch {
	case own && !m.Ack:
		return m.AckCopy(), nil
	case own:
		return nil, nil
	default:
		return m, nil
	}
}

// Poll blocks until a payload is deliverable.
func (e *Engine) Poll() ([]byte, error) {
	return e.PollContext(context.Background())
}

// PollContext blocks until a payload is deliverable or ctx is done. Once the
// engine is closed it keeps returning deliverable payloads and then the
// close error, or io.EOF for a clean close.
func (e *Engine) PollContext(ctx context.Context) ([]byte, error) {
	for {
		e.mu.Lock()
		if payload, ok := e.nextLocked(); ok {
			e.mu.Unlock()
			telemetry.PayloadsDelivered.WithLabelValues(e.label).Inc()
			return payload, nil
		}
		if e.closed {
			err := e.err
			e.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (e *Engine) nextLocked() ([]byte, bool) {
	if len(e.ready) > 0 {
		p := e.ready[0]
		e.ready[0] = nil
		e.ready = e.ready[1:]
		return p, true
	}
	data, ok := e.candidates.popPair()
	if !ok {
		return nil, false
	}
	delete(e.seen, eventKey{origin: data.Origin, ts: data.Timestamp})
	telemetry.DeliveryCandidates.WithLabelValues(e.label).Set(float64(e.candidates.Len()))
	return data.Payload, true
}

// Len returns the number of copies waiting in the container.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.candidates.Len() + len(e.ready)
}

// Close ends the stream. Pollers drain what is deliverable and then get err,
// or io.EOF if err is nil. Only the first call has an effect.
func (e *Engine) Close(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.err = err
	e.broadcastLocked()
}

func (e *Engine) broadcastLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}
