package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcastqueue/internal/ring"
	"mcastqueue/internal/telemetry"
	"mcastqueue/internal/wire"
)

// Sender delivers messages to one downstream peer in the order they were put.
// The downstream peer can be changed at any time with SetReceiver; frames not
// yet written follow the new binding.
type Sender struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	pending  [][]byte
	target   ring.Address
	closed   bool
	dropped  int
	wake     chan struct{}
	draining chan struct{}

	// bindMu serializes SetReceiver and Shutdown.
	bindMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates an unbound Sender. Messages put before the first
// SetReceiver are held until then.
func NewSender(opts Options) *Sender {
	opts = opts.withDefaults()
	return &Sender{
		opts:     opts,
		logger:   opts.Logger,
		wake:     make(chan struct{}, 1),
		draining: make(chan struct{}),
	}
}

// Put encodes m and appends it to the outbound queue. It never blocks on the
// network.
func (s *Sender) Put(m *wire.Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	frame, err := s.opts.Codec.Encode(m)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.pending = append(s.pending, frame)
	s.mu.Unlock()
	telemetry.PendingFrames.Inc()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// SetReceiver binds the Sender to target, replacing any previous binding.
// The previous worker is stopped before the new one starts, so no frame is
// written twice or out of order.
func (s *Sender) SetReceiver(target ring.Address) error {
	if target.IsZero() {
		return fmt.Errorf("%w: empty receiver address", ErrInvalidArgument)
	}
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Lock()
	s.target = target
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, target)
	return nil
}

// Receiver returns the current downstream address.
func (s *Sender) Receiver() ring.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// IsEmpty reports whether every message put so far has been written or
// dropped.
func (s *Sender) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0
}

// Shutdown drains the queue and stops the worker. Draining is best effort:
// each remaining frame gets one attempt and the first failure abandons the
// rest. It returns the number of abandoned frames.
func (s *Sender) Shutdown() int {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	close(s.draining)
	s.mu.Unlock()

	if s.cancel == nil {
		if n := s.dropAll(); n > 0 {
			s.logger.Warn("sender shut down before being bound, dropping frames", zap.Int("frames", n))
		}
	} else {
		s.wg.Wait()
		s.cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Sender) run(ctx context.Context, target ring.Address) {
	defer s.wg.Done()
	logger := s.logger.With(zap.Stringer("downstream", target))

	for {
		if ctx.Err() != nil {
			return
		}
		frame, ok := s.head()
		draining := s.isDraining()
		if !ok {
			if draining {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.draining:
			case <-s.wake:
			}
			continue
		}

		err := s.push(ctx, target, frame)
		if err == nil {
			s.pop()
			telemetry.FramesSent.Inc()
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if draining {
			n := s.dropAll()
			logger.Warn("could not drain sender, dropping frames", zap.Int("frames", n), zap.Error(err))
			return
		}

		telemetry.SendRetries.Inc()
		logger.Warn("send failed, will retry", zap.Duration("backoff", s.opts.RetryBackoff), zap.Error(err))
		timer := time.NewTimer(s.opts.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.draining:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Sender) push(ctx context.Context, target ring.Address, frame []byte) error {
	d := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			s.logger.Debug("close after send", zap.Error(cerr))
		}
	}()
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

func (s *Sender) head() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	return s.pending[0], true
}

func (s *Sender) pop() {
	s.mu.Lock()
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.mu.Unlock()
	telemetry.PendingFrames.Dec()
}

func (s *Sender) dropAll() int {
	s.mu.Lock()
	n := len(s.pending)
	s.pending = nil
	s.dropped += n
	s.mu.Unlock()
	telemetry.PendingFrames.Sub(float64(n))
	telemetry.FramesDropped.Add(float64(n))
	return n
}

func (s *Sender) isDraining() bool {
	select {
	case <-s.draining:
		return true
	default:
		return false
	}
}

// SendOnce writes a single message to target through a throwaway Sender. It
// is used for replies that must not go through the ring's own Sender.
func SendOnce(opts Options, target ring.Address, m *wire.Message) error {
	s := NewSender(opts)
	if err := s.Put(m); err != nil {
		return err
	}
	if err := s.SetReceiver(target); err != nil {
		s.Shutdown()
		return err
	}
	if s.Shutdown() > 0 {
		return fmt.Errorf("%w: %s to %s", ErrUndelivered, m.Type, target)
	}
	return nil
}
