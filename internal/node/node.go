package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcastqueue/internal/order"
	"mcastqueue/internal/ring"
	"mcastqueue/internal/telemetry"
	"mcastqueue/internal/transport"
	"mcastqueue/internal/wire"
)

var (
	// ErrNotActive is returned by operations that need a joined peer.
	ErrNotActive = errors.New("peer is not an active group member")
	// ErrAlreadyJoined is returned by CreateGroup and JoinGroup on a peer
	// that is past UNJOINED.
	ErrAlreadyJoined = errors.New("peer has already joined a group")
	// ErrProtocolViolation is returned when a peer receives a message that
	// is not valid in its current state.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrGuaranteeMismatch is returned by JoinGroup when the group runs with
	// a different delivery guarantee.
	ErrGuaranteeMismatch = errors.New("delivery guarantee mismatch")
)

// Node is one peer of a multicast group.
type Node struct {
	opts   Options
	logger *zap.Logger

	ring     *ring.State
	sender   *transport.Sender
	receiver *transport.Receiver

	mu     sync.RWMutex
	engine *order.Engine

	// seqMu makes stamping and enqueueing a message atomic with respect to
	// forwarding, so an originated message never overtakes one this peer
	// observed before stamping it.
	seqMu sync.Mutex

	lifecycle sync.Mutex
	loopDone  chan struct{}
}

// NewNode creates an unjoined peer.
func NewNode(opts Options) *Node {
	opts = opts.withDefaults()
	return &Node{
		opts:   opts,
		logger: opts.Logger,
		ring:   ring.NewState(),
	}
}

// CreateGroup founds a new group with this peer as its only member.
func (n *Node) CreateGroup(port int, g wire.Guarantee) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if n.ring.Status() != ring.Unjoined {
		return ErrAlreadyJoined
	}

	receiver := transport.NewReceiver(n.opts.transport(n.logger))
	if err := receiver.Listen(port); err != nil {
		return err
	}
	self := n.opts.address(receiver.Port())
	n.logger = n.opts.Logger.With(zap.Stringer("peer", self))

	n.receiver = receiver
	n.sender = transport.NewSender(n.opts.transport(n.logger))
	n.setEngine(order.New(self, g, n.logger))
	n.ring.Found(self)
	if err := n.sender.SetReceiver(self); err != nil {
		n.abort()
		return err
	}

	n.logger.Info("created group", zap.Stringer("guarantee", g))
	telemetry.MembershipEvents.WithLabelValues("create").Inc()
	n.start()
	n.notify(ring.Active)
	return nil
}

// JoinGroup inserts this peer into the group that known belongs to, between
// known and its current predecessor. Concurrent joins against the same known
// peer are not supported.
func (n *Node) JoinGroup(ctx context.Context, known ring.Address, g wire.Guarantee) error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if n.ring.Status() != ring.Unjoined {
		return ErrAlreadyJoined
	}
	if known.IsZero() {
		return fmt.Errorf("%w: empty known peer", transport.ErrInvalidArgument)
	}

	port := n.opts.ListenPort
	switch port {
	case 0:
		port = known.Port
	case EphemeralPort:
		port = 0
	}
	receiver := transport.NewReceiver(n.opts.transport(n.logger))
	if err := receiver.Listen(port); err != nil {
		return err
	}
	self := n.opts.address(receiver.Port())
	n.logger = n.opts.Logger.With(zap.Stringer("peer", self))
	n.receiver = receiver
	n.sender = transport.NewSender(n.opts.transport(n.logger))
	n.ring.Init(self, known)

	clock, backlog, err := n.join(ctx, self, known, g)
	if err != nil {
		n.abort()
		return err
	}

	e := order.New(self, g, n.logger)
	e.Observe(clock)
	n.setEngine(e)
	n.ring.SetStatus(ring.Active)
	snap := n.ring.Snapshot()
	n.logger.Info("joined group",
		zap.Stringer("next", snap.Next),
		zap.Stringer("prev", snap.Prev),
		zap.Stringer("guarantee", g),
		zap.Int64("clock", e.Clock()),
		zap.Int("backlog", len(backlog)))
	telemetry.MembershipEvents.WithLabelValues("join").Inc()
	n.start(backlog...)
	n.notify(ring.Active)
	return nil
}

// join runs the splice handshake. It returns the highest clock reported by
// the two new neighbors and whatever the predecessor forwarded before its
// SET_NEXT_ANSWER, which must be dispatched before anything else.
func (n *Node) join(ctx context.Context, self, known ring.Address, g wire.Guarantee) (int64, []*wire.Message, error) {
	if err := n.sender.SetReceiver(known); err != nil {
		return 0, nil, err
	}
	if err := n.sender.Put(wire.NewControl(wire.GetPrev, self, self)); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.opts.JoinTimeout)
	defer cancel()
	answer, err := n.receiver.PollContext(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("waiting for predecessor of %s: %w", known, err)
	}
	if answer.Type != wire.GetPrevAnswer {
		return 0, nil, fmt.Errorf("%w: got %s while joining", ErrProtocolViolation, answer.Type)
	}
	if answer.Guarantee != g {
		return 0, nil, fmt.Errorf("%w: group runs %s, joiner asked for %s", ErrGuaranteeMismatch, answer.Guarantee, g)
	}
	prev := answer.Target
	if prev.IsZero() {
		return 0, nil, fmt.Errorf("%w: empty predecessor in %s", ErrProtocolViolation, answer.Type)
	}
	n.ring.SetPrev(prev)

	if err := transport.SendOnce(n.opts.transport(n.logger), prev, wire.NewControl(wire.SetNext, self, self)); err != nil {
		return 0, nil, fmt.Errorf("splicing after %s: %w", prev, err)
	}
	if err := n.sender.Put(wire.NewControl(wire.SetPrev, self, self)); err != nil {
		return 0, nil, err
	}

	// Frames the predecessor already had queued reach us ahead of its answer.
	clock := answer.Clock
	var backlog []*wire.Message
	for {
		m, err := n.receiver.PollContext(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("waiting for %s to splice us in: %w", prev, err)
		}
		switch m.Type {
		case wire.SetNextAnswer:
			return max(clock, m.Clock), backlog, nil
		case wire.GetPrevAnswer:
			return 0, nil, fmt.Errorf("%w: second %s while joining", ErrProtocolViolation, m.Type)
		default:
			backlog = append(backlog, m)
		}
	}
}

// LeaveGroup splices this peer out of the ring and shuts it down. Messages
// already received are still relayed before the Sender drains. Callers should
// wait for WaitForPendingSends first so their own messages go out.
func (n *Node) LeaveGroup() error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if err := n.ring.Transition(ring.Active, ring.Leaving); err != nil {
		return fmt.Errorf("%w: %v", ErrNotActive, err)
	}
	n.notify(ring.Leaving)

	snap := n.ring.Snapshot()
	if snap.Next != snap.Self {
		if err := n.sender.Put(wire.NewControl(wire.SetPrev, snap.Self, snap.Prev)); err != nil {
			n.logger.Warn("could not queue SET_PREV for successor", zap.Error(err))
		}
		if err := transport.SendOnce(n.opts.transport(n.logger), snap.Prev, wire.NewControl(wire.SetNext, snap.Self, snap.Next)); err != nil {
			n.logger.Warn("could not tell predecessor to skip this peer", zap.Stringer("prev", snap.Prev), zap.Error(err))
		}
	}

	n.receiver.Shutdown()
	<-n.loopDone
	if dropped := n.sender.Shutdown(); dropped > 0 {
		n.logger.Warn("left group with undelivered frames", zap.Int("frames", dropped))
	}

	n.ring.SetStatus(ring.Left)
	n.logger.Info("left group")
	telemetry.MembershipEvents.WithLabelValues("leave").Inc()
	n.notify(ring.Left)
	return nil
}

// Close stops the peer without splicing it out, as if it had crashed. The
// rest of the ring is left pointing at it.
func (n *Node) Close() {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()
	if n.ring.Status() == ring.Left {
		return
	}
	n.abort()
	n.logger.Info("closed without leaving")
	n.notify(ring.Left)
}

func (n *Node) abort() {
	if n.receiver != nil {
		n.receiver.Shutdown()
	}
	if n.loopDone != nil {
		<-n.loopDone
	}
	if n.sender != nil {
		n.sender.Shutdown()
	}
	if e := n.eng(); e != nil {
		e.Close(nil)
	}
	n.ring.SetStatus(ring.Left)
}

// Put multicasts payload to the group, including this peer. It does not
// wait for the network.
func (n *Node) Put(payload []byte) error {
	if n.ring.Status() != ring.Active {
		return ErrNotActive
	}
	e := n.eng()

	n.seqMu.Lock()
	defer n.seqMu.Unlock()
	return n.sender.Put(e.Originate(payload))
}

// Poll blocks until a payload is deliverable and returns it. After the peer
// has left and everything deliverable was returned, Poll returns io.EOF.
func (n *Node) Poll() ([]byte, error) {
	return n.PollContext(context.Background())
}

// PollContext is Poll bounded by ctx.
func (n *Node) PollContext(ctx context.Context) ([]byte, error) {
	e := n.eng()
	if e == nil {
		return nil, ErrNotActive
	}
	return e.PollContext(ctx)
}

// AreTherePendingSends reports whether the Sender still holds frames that
// were not written to the successor.
func (n *Node) AreTherePendingSends() bool {
	return n.sender != nil && !n.sender.IsEmpty()
}

// WaitForPendingSends blocks until AreTherePendingSends is false or ctx is
// done.
func (n *Node) WaitForPendingSends(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for n.AreTherePendingSends() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// State returns the membership state.
func (n *Node) State() ring.Status { return n.ring.Status() }

// Ring returns this peer's position in the ring.
func (n *Node) Ring() ring.Snapshot { return n.ring.Snapshot() }

// Addr returns the address other peers reach this one at.
func (n *Node) Addr() ring.Address { return n.ring.Self() }

// Clock returns the Lamport clock, or 0 before joining.
func (n *Node) Clock() int64 {
	if e := n.eng(); e != nil {
		return e.Clock()
	}
	return 0
}

func (n *Node) eng() *order.Engine {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.engine
}

func (n *Node) setEngine(e *order.Engine) {
	n.mu.Lock()
	n.engine = e
	n.mu.Unlock()
}

func (n *Node) notify(s ring.Status) {
	if n.opts.OnStatus != nil {
		n.opts.OnStatus(s)
	}
}

func (n *Node) start(backlog ...*wire.Message) {
	n.loopDone = make(chan struct{})
	go n.run(n.eng(), n.loopDone, backlog)
}

func (n *Node) run(e *order.Engine, done chan struct{}, backlog []*wire.Message) {
	defer close(done)
	for _, m := range backlog {
		if err := n.dispatch(e, m); err != nil {
			n.logger.Error("stopping receive loop", zap.Stringer("msg", m), zap.Error(err))
			e.Close(err)
			return
		}
	}
	for {
		m, err := n.receiver.Poll()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				n.logger.Error("receive loop stopped", zap.Error(err))
			}
			e.Close(nil)
			return
		}
		if err := n.dispatch(e, m); err != nil {
			n.logger.Error("stopping receive loop", zap.Stringer("msg", m), zap.Error(err))
			e.Close(err)
			return
		}
	}
}

func (n *Node) dispatch(e *order.Engine, m *wire.Message) error {
	switch m.Type {
	case wire.Data:
		n.seqMu.Lock()
		defer n.seqMu.Unlock()
		fwd, err := e.Handle(m)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		if fwd != nil {
			n.logger.Debug("relaying", zap.Stringer("msg", fwd))
			return n.sender.Put(fwd)
		}
		return nil

	case wire.GetPrev:
		telemetry.MembershipEvents.WithLabelValues(m.Type.String()).Inc()
		snap := n.ring.Snapshot()
		answer := wire.NewControl(wire.GetPrevAnswer, snap.Self, snap.Prev)
		answer.Guarantee = e.Guarantee()
		answer.Clock = e.Clock()
		if err := transport.SendOnce(n.opts.transport(n.logger), m.Target, answer); err != nil {
			n.logger.Warn("could not answer joiner", zap.Stringer("joiner", m.Target), zap.Error(err))
		}
		return nil

	case wire.SetPrev:
		telemetry.MembershipEvents.WithLabelValues(m.Type.String()).Inc()
		old := n.ring.SetPrev(m.Target)
		n.logger.Info("predecessor changed", zap.Stringer("from", old), zap.Stringer("to", m.Target))
		return nil

	case wire.SetNext:
		telemetry.MembershipEvents.WithLabelValues(m.Type.String()).Inc()
		old := n.ring.SetNext(m.Target)
		n.logger.Info("successor changed", zap.Stringer("from", old), zap.Stringer("to", m.Target))
		if err := n.sender.SetReceiver(m.Target); err != nil {
			return err
		}
		if m.Origin != m.Target {
			return nil
		}
		// A joiner announcing itself. Everything sent to the old successor
		// was stamped or observed below the clock reported here.
		n.seqMu.Lock()
		defer n.seqMu.Unlock()
		answer := wire.NewControl(wire.SetNextAnswer, n.ring.Self(), m.Target)
		answer.Clock = e.Clock()
		return n.sender.Put(answer)

	default:
		return fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, m.Type)
	}
}
