package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcastqueue/internal/telemetry"
	"mcastqueue/internal/wire"
)

// Receiver accepts frames from upstream peers and queues the decoded
// messages in arrival order.
type Receiver struct {
	opts   Options
	logger *zap.Logger

	ln *net.TCPListener

	mu      sync.Mutex
	queue   []*wire.Message
	closed  bool
	changed chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReceiver creates a Receiver that is not yet listening.
func NewReceiver(opts Options) *Receiver {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		opts:    opts,
		logger:  opts.Logger,
		changed: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds port on all interfaces and starts the accept worker. Port 0
// picks a free port; Addr reports the one chosen.
func (r *Receiver) Listen(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidArgument, port)
	}
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("%w: port %d: %w", ErrBind, port, err)
	}
	r.ln = ln
	r.logger.Debug("listening", zap.Stringer("addr", ln.Addr()))

	r.wg.Add(1)
	go r.acceptLoop()
	return nil
}

// Port returns the bound port, or 0 before Listen.
func (r *Receiver) Port() int {
	if r.ln == nil {
		return 0
	}
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *Receiver) acceptLoop() {
	defer r.wg.Done()
	for {
		if r.ctx.Err() != nil {
			return
		}
		if err := r.ln.SetDeadline(time.Now().Add(r.opts.AcceptTimeout)); err != nil {
			r.logger.Error("set accept deadline", zap.Error(err))
			return
		}
		conn, err := r.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if r.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		r.handle(conn)
	}
}

func (r *Receiver) handle(conn net.Conn) {
	defer conn.Close()
	logger := r.logger.With(zap.Stringer("remote", conn.RemoteAddr()))

	if err := conn.SetReadDeadline(time.Now().Add(r.opts.ReadTimeout)); err != nil {
		logger.Warn("set read deadline", zap.Error(err))
		return
	}
	frame, err := io.ReadAll(io.LimitReader(conn, MaxFrameSize+1))
	if err != nil {
		telemetry.DecodeErrors.Inc()
		logger.Error("read frame", zap.Error(err))
		return
	}
	if len(frame) > MaxFrameSize {
		telemetry.DecodeErrors.Inc()
		logger.Error("frame too large, discarding", zap.Int("limit", MaxFrameSize))
		return
	}
	m, err := r.opts.Codec.Decode(frame)
	if err != nil {
		telemetry.DecodeErrors.Inc()
		logger.Error("decode frame, discarding", zap.Int("bytes", len(frame)), zap.Error(err))
		return
	}
	telemetry.FramesReceived.Inc()

	r.mu.Lock()
	r.queue = append(r.queue, m)
	r.broadcastLocked()
	r.mu.Unlock()
}

func (r *Receiver) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Poll blocks until a message is available. It returns io.EOF once the
// Receiver has been shut down and every queued message was polled.
func (r *Receiver) Poll() (*wire.Message, error) {
	return r.PollContext(context.Background())
}

// PollContext is Poll bounded by ctx.
func (r *Receiver) PollContext(ctx context.Context) (*wire.Message, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			m := r.queue[0]
			r.queue[0] = nil
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return m, nil
		}
		if r.closed {
			r.mu.Unlock()
			return nil, io.EOF
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Shutdown stops accepting connections. The worker notices at its next
// accept deadline. Messages already queued stay pollable.
func (r *Receiver) Shutdown() {
	r.cancel()
	r.wg.Wait()
	if r.ln != nil {
		if err := r.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.logger.Debug("close listener", zap.Error(err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.broadcastLocked()
	}
}
