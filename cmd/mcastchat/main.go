// Command mcastchat is a console chat over a totally ordered multicast
// group. Every line typed is multicast to the group and every delivered line
// is printed, so all members see the conversation in the same order.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mcastqueue/internal/admin"
	"mcastqueue/internal/config"
	"mcastqueue/internal/discovery"
	"mcastqueue/internal/node"
	"mcastqueue/internal/ring"
	"mcastqueue/internal/telemetry"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcastchat:", err)
		os.Exit(1)
	}
}

func parseConfig(args []string) (config.Config, error) {
	cfg := config.Default()
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("mcastchat", flag.ContinueOnError)
	fs.StringVar(&cfg.Name, "name", cfg.Name, "name shown in front of your lines")
	fs.StringVar(&cfg.Host, "host", cfg.Host, "address other peers reach this one at (default: first non-loopback IPv4)")
	fs.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "port to listen on")
	fs.StringVar(&cfg.KnownPeer, "peer", cfg.KnownPeer, "host:port of a group member to join through (empty founds a group)")
	guarantee := fs.String("guarantee", cfg.Guarantee.String(), "delivery guarantee: NONE, FIFO, CAUSAL or TOTAL")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "frame compression: none, lz4 or flate")
	fs.DurationVar(&cfg.JoinTimeout, "join-timeout", cfg.JoinTimeout, "how long to wait for the group to answer a join")
	fs.DurationVar(&cfg.LeaveGrace, "leave-grace", cfg.LeaveGrace, "how long quit waits for pending sends")
	fs.StringVar(&cfg.AdminAddr, "admin", cfg.AdminAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus /metrics listen address (empty disables)")
	endpoints := fs.String("etcd", strings.Join(cfg.EtcdEndpoints, ","), "comma-separated etcd endpoints for peer discovery (empty disables)")
	fs.StringVar(&cfg.EtcdPrefix, "etcd-prefix", cfg.EtcdPrefix, "etcd key prefix for the peer directory")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	g, err := config.ParseGuarantee(*guarantee)
	if err != nil {
		return cfg, err
	}
	cfg.Guarantee = g
	if cfg.EtcdEndpoints, err = config.ParseEndpoints(*endpoints); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func run() error {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Admin endpoints
	opts, err := cfg.NodeOptions(logger)
	if err != nil {
		return err
	}
	if cfg.AdminAddr != "" || cfg.MetricsAddr != "" {
		srv := admin.NewServer(logger)
		defer srv.Stop()
		if cfg.AdminAddr != "" {
			if err := srv.Start(cfg.AdminAddr); err != nil {
				return err
			}
		}
		if cfg.MetricsAddr != "" {
			if err := srv.StartMetrics(cfg.MetricsAddr); err != nil {
				return err
			}
		}
		opts.OnStatus = srv.SetStatus
	}

	// 2. Peer directory
	var dir *discovery.Directory
	if len(cfg.EtcdEndpoints) > 0 {
		logger.Info("creating etcd client", zap.Strings("endpoints", cfg.EtcdEndpoints))
		cli, err := discovery.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		dir = discovery.New(cli, cli, cfg.EtcdPrefix, cfg.EtcdTTL, logger)
	}

	// 3. Create or join the group
	n := node.NewNode(opts)
	known := ring.Address{}
	if cfg.KnownPeer != "" {
		if known, err = config.ParsePeerAddr(cfg.KnownPeer); err != nil {
			return err
		}
	} else if dir != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		known, err = dir.Lookup(lookupCtx, ring.Address{})
		cancel()
		if err != nil && !errors.Is(err, discovery.ErrNoPeers) {
			return err
		}
	}
	if known.IsZero() {
		if err := n.CreateGroup(cfg.ListenPort, cfg.Guarantee); err != nil {
			return err
		}
		fmt.Printf("created %s group at %s\n", cfg.Guarantee, n.Addr())
	} else {
		if err := n.JoinGroup(ctx, known, cfg.Guarantee); err != nil {
			return err
		}
		fmt.Printf("joined %s group through %s as %s\n", cfg.Guarantee, known, n.Addr())
	}

	// 4. Register this peer
	if dir != nil {
		if err := dir.Register(ctx, n.Addr()); err != nil {
			logger.Warn("could not register in directory", zap.Error(err))
		}
	}

	// 5. Print what the group delivers
	printed := make(chan error, 1)
	go func() {
		printed <- node.Subscribe[[]byte](context.Background(), n, func(line []byte) error {
			fmt.Println(string(line))
			return nil
		})
	}()

	// 6. Multicast what the user types until quit
	lines := make(chan string)
	go readLines(os.Stdin, lines)
	chat(ctx, n, cfg.Name, lines, logger)

	fmt.Println("leaving...")
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.LeaveGrace)
	defer cancel()
	if err := n.WaitForPendingSends(graceCtx); err != nil {
		logger.Warn("leaving with pending sends", zap.Error(err))
	}
	if dir != nil {
		if err := dir.Deregister(graceCtx); err != nil {
			logger.Warn("could not deregister", zap.Error(err))
		}
	}
	if err := n.LeaveGroup(); err != nil {
		return err
	}
	return <-printed
}

type putter interface {
	Put(payload []byte) error
}

// chat multicasts each line as "<name>: <line>" until quit, announcing the
// peer to the group before and after.
func chat(ctx context.Context, q putter, name string, lines <-chan string, logger *zap.Logger) {
	put := func(text string) {
		if err := q.Put([]byte(text)); err != nil {
			logger.Warn("put failed", zap.Error(err))
		}
	}

	put(name + " joined the ring")
	defer put(name + " left the ring")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "quit" {
				return
			}
			put(name + ": " + line)
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}
