// Package discovery keeps a directory of active peers in etcd so a new peer
// can find a group member to join through.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"mcastqueue/internal/ring"
)

const (
	DefaultPrefix = "/mcastqueue/peers"
	DefaultTTL    = 10
)

// ErrNoPeers is returned by Lookup when no other peer is registered.
var ErrNoPeers = errors.New("no registered peers")

// KV is the part of the etcd client the directory reads and writes with.
type KV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

// Lease is the part of the etcd client used to expire registrations.
type Lease interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Directory registers this peer and looks up others under a key prefix.
type Directory struct {
	kv     KV
	lease  Lease
	prefix string
	ttl    int64
	logger *zap.Logger

	mu      sync.Mutex
	key     string
	leaseID clientv3.LeaseID
	stop    context.CancelFunc
}

// New creates a Directory. A *clientv3.Client serves as both kv and lease.
func New(kv KV, lease Lease, prefix string, ttl int64, logger *zap.Logger) *Directory {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		kv:     kv,
		lease:  lease,
		prefix: strings.TrimSuffix(prefix, "/") + "/",
		ttl:    ttl,
		logger: logger,
	}
}

// Register publishes self under a lease that is kept alive until Deregister.
// If the process dies the entry expires after the TTL.
func (d *Directory) Register(ctx context.Context, self ring.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return fmt.Errorf("already registered as %s", d.key)
	}

	lease, err := d.lease.Grant(ctx, d.ttl)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	key := d.prefix + self.String()
	if _, err := d.kv.Put(ctx, key, self.String(), clientv3.WithLease(lease.ID)); err != nil {
		if _, rerr := d.lease.Revoke(ctx, lease.ID); rerr != nil {
			d.logger.Warn("revoke unused lease", zap.Error(rerr))
		}
		return fmt.Errorf("register %s: %w", key, err)
	}

	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := d.lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		return fmt.Errorf("keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		d.logger.Debug("lease keep-alive ended", zap.String("key", key))
	}()

	d.key, d.leaseID, d.stop = key, lease.ID, stop
	d.logger.Info("registered in directory", zap.String("key", key), zap.Int64("ttl", d.ttl))
	return nil
}

// Deregister removes the entry and releases the lease.
func (d *Directory) Deregister(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return nil
	}
	d.stop()
	d.stop = nil

	var errs []error
	if _, err := d.kv.Delete(ctx, d.key); err != nil {
		errs = append(errs, fmt.Errorf("delete %s: %w", d.key, err))
	}
	if _, err := d.lease.Revoke(ctx, d.leaseID); err != nil {
		errs = append(errs, fmt.Errorf("revoke lease: %w", err))
	}
	d.logger.Info("deregistered from directory", zap.String("key", d.key))
	return errors.Join(errs...)
}

// Members returns every registered peer, sorted by address.
func (d *Directory) Members(ctx context.Context) ([]ring.Address, error) {
	resp, err := d.kv.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", d.prefix, err)
	}
	peers := make([]ring.Address, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		addr, err := ring.ParseAddress(string(kv.Value))
		if err != nil {
			d.logger.Warn("ignoring malformed directory entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		peers = append(peers, addr)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Less(peers[j]) })
	return peers, nil
}

// Lookup returns a registered peer other than exclude.
func (d *Directory) Lookup(ctx context.Context, exclude ring.Address) (ring.Address, error) {
	peers, err := d.Members(ctx)
	if err != nil {
		return ring.Address{}, err
	}
	for _, p := range peers {
		if p != exclude {
			return p, nil
		}
	}
	return ring.Address{}, ErrNoPeers
}
