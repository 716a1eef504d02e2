package it

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcastqueue/internal/node"
	"mcastqueue/internal/ring"
	"mcastqueue/internal/wire"
)

// Cluster is a group of in-process peers on the loopback interface.
type Cluster struct {
	logDir string
	mu     sync.Mutex
	peers  []*Peer
}

// Peer is one member of the test cluster and everything it has delivered.
type Peer struct {
	ID   string
	Node *node.Node

	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	delivered []string
	err       error
}

// NewCluster creates an empty cluster writing one log file per peer to
// logDir.
func NewCluster(logDir string) (*Cluster, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &Cluster{logDir: logDir}, nil
}

func (c *Cluster) newPeer(id string) (*Peer, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{filepath.Join(c.logDir, id+".log")}
	cfg.ErrorOutputPaths = cfg.OutputPaths
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger for %s: %w", id, err)
	}
	logger = logger.Named(id)

	n := node.NewNode(node.Options{
		Host:          "127.0.0.1",
		ListenPort:    node.EphemeralPort,
		Logger:        logger,
		AcceptTimeout: 50 * time.Millisecond,
		DialTimeout:   500 * time.Millisecond,
		RetryBackoff:  20 * time.Millisecond,
		JoinTimeout:   5 * time.Second,
	})
	return &Peer{ID: id, Node: n, logger: logger}, nil
}

// collect delivers into p.delivered until the peer's stream ends.
func (p *Peer) collect() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		err := node.Subscribe[[]byte](ctx, p.Node, func(payload []byte) error {
			p.mu.Lock()
			p.delivered = append(p.delivered, string(payload))
			p.mu.Unlock()
			return nil
		})
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
	}()
}

// Found starts a new group with a single peer.
func (c *Cluster) Found(id string, g wire.Guarantee) (*Peer, error) {
	p, err := c.newPeer(id)
	if err != nil {
		return nil, err
	}
	if err := p.Node.CreateGroup(0, g); err != nil {
		return nil, fmt.Errorf("failed to found group on %s: %w", id, err)
	}
	p.collect()

	c.mu.Lock()
	c.peers = append(c.peers, p)
	c.mu.Unlock()
	return p, nil
}

// Join adds a peer to the group through the peer named via.
func (c *Cluster) Join(ctx context.Context, id, via string, g wire.Guarantee) (*Peer, error) {
	known := c.GetPeer(via)
	if known == nil {
		return nil, fmt.Errorf("peer %s not found", via)
	}
	p, err := c.newPeer(id)
	if err != nil {
		return nil, err
	}
	if err := p.Node.JoinGroup(ctx, known.Node.Addr(), g); err != nil {
		return nil, fmt.Errorf("failed to join %s through %s: %w", id, via, err)
	}
	p.collect()

	c.mu.Lock()
	c.peers = append(c.peers, p)
	c.mu.Unlock()
	return p, nil
}

// StartCluster founds a group on the first id and joins the rest one by one,
// waiting for the ring to settle after each join.
func (c *Cluster) StartCluster(ctx context.Context, g wire.Guarantee, ids ...string) error {
	for i, id := range ids {
		var err error
		if i == 0 {
			_, err = c.Found(id, g)
		} else {
			_, err = c.Join(ctx, id, ids[0], g)
		}
		if err != nil {
			c.Stop()
			return err
		}
		if err := c.WaitForRing(ctx); err != nil {
			c.Stop()
			return err
		}
	}
	return nil
}

// GetPeer returns a peer by ID.
func (c *Cluster) GetPeer(id string) *Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.peers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Leave makes a peer leave the group after its pending sends drain.
func (c *Cluster) Leave(ctx context.Context, id string) error {
	p := c.GetPeer(id)
	if p == nil {
		return fmt.Errorf("peer %s not found", id)
	}
	if err := p.Node.WaitForPendingSends(ctx); err != nil {
		return fmt.Errorf("waiting for %s to drain: %w", id, err)
	}
	if err := p.Node.LeaveGroup(); err != nil {
		return fmt.Errorf("failed to leave with %s: %w", id, err)
	}
	<-p.done
	return nil
}

// CheckRing verifies that the active peers form one consistent cycle.
func (c *Cluster) CheckRing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var snaps []ring.Snapshot
	for _, p := range c.peers {
		if s := p.Node.Ring(); s.Status == ring.Active {
			snaps = append(snaps, s)
		}
	}
	return ring.CheckCycle(snaps)
}

// WaitForRing polls CheckRing until it passes or ctx is done.
func (c *Cluster) WaitForRing(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := c.CheckRing()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ring never settled: %w", err)
		case <-ticker.C:
		}
	}
}

// Stop closes every peer without leaving.
func (c *Cluster) Stop() {
	c.mu.Lock()
	peers := c.peers
	c.peers = nil
	c.mu.Unlock()

	for _, p := range peers {
		p.Node.Close()
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
		_ = p.logger.Sync()
	}
}

// Delivered returns a copy of what the peer has delivered so far.
func (p *Peer) Delivered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.delivered...)
}

// Err returns the error that ended the peer's stream, if any.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
