package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mcastqueue/internal/node"
	"mcastqueue/internal/ring"
	"mcastqueue/internal/transport"
	"mcastqueue/internal/wire"
)

const DefaultPort = 7000

// Config holds the peer configuration.
type Config struct {
	// Name prefixes chat lines.
	Name       string
	Host       string
	ListenPort int
	// KnownPeer is "host:port" of a group member. Empty founds a new group
	// unless the etcd directory has a member.
	KnownPeer   string
	Guarantee   wire.Guarantee
	Compression string

	AcceptTimeout time.Duration
	DialTimeout   time.Duration
	RetryBackoff  time.Duration
	JoinTimeout   time.Duration
	// LeaveGrace bounds how long quitting waits for pending sends.
	LeaveGrace time.Duration

	AdminAddr   string
	MetricsAddr string

	EtcdEndpoints []string
	EtcdPrefix    string
	EtcdTTL       int64

	LogLevel string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Name:          "anonymous",
		ListenPort:    DefaultPort,
		Guarantee:     wire.Total,
		Compression:   "none",
		AcceptTimeout: transport.DefaultAcceptTimeout,
		DialTimeout:   transport.DefaultDialTimeout,
		RetryBackoff:  transport.DefaultRetryBackoff,
		JoinTimeout:   node.DefaultJoinTimeout,
		LeaveGrace:    5 * time.Second,
		EtcdPrefix:    "/mcastqueue/peers",
		EtcdTTL:       10,
		LogLevel:      "info",
	}
}

// Validate checks the configuration for values the peer cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen port %d out of range", c.ListenPort))
	}
	if c.KnownPeer != "" {
		if _, err := ParsePeerAddr(c.KnownPeer); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := wire.NewCodec(c.Compression); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]time.Duration{
		"accept timeout": c.AcceptTimeout,
		"dial timeout":   c.DialTimeout,
		"retry backoff":  c.RetryBackoff,
		"join timeout":   c.JoinTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if len(c.EtcdEndpoints) > 0 && c.EtcdTTL <= 0 {
		errs = append(errs, fmt.Errorf("etcd TTL must be positive, got %d", c.EtcdTTL))
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	return errors.Join(errs...)
}

// NodeOptions builds the options of the peer this configuration describes.
func (c Config) NodeOptions(logger *zap.Logger) (node.Options, error) {
	codec, err := wire.NewCodec(c.Compression)
	if err != nil {
		return node.Options{}, err
	}
	return node.Options{
		Host:          c.Host,
		ListenPort:    c.ListenPort,
		Codec:         codec,
		Logger:        logger,
		AcceptTimeout: c.AcceptTimeout,
		DialTimeout:   c.DialTimeout,
		RetryBackoff:  c.RetryBackoff,
		JoinTimeout:   c.JoinTimeout,
	}, nil
}

// ParseGuarantee parses a delivery guarantee name.
func ParseGuarantee(s string) (wire.Guarantee, error) {
	return wire.ParseGuarantee(s)
}

// ParsePeerAddr parses "host:port".
func ParsePeerAddr(s string) (ring.Address, error) {
	if strings.TrimSpace(s) == "" {
		return ring.Address{}, errors.New("peer address cannot be empty")
	}
	return ring.ParseAddress(s)
}

// ParseEndpoints parses a comma-separated list of endpoints in the format:
// "host1:2379,http://host2:2379"
func ParseEndpoints(s string) ([]string, error) {
	if s == "" {
		return []string{}, nil
	}

	parts := strings.Split(s, ",")
	endpoints := make([]string, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.ContainsAny(part, " \t") {
			return nil, fmt.Errorf("invalid endpoint: %q", part)
		}
		hostPort := part
		if i := strings.Index(hostPort, "://"); i >= 0 {
			hostPort = hostPort[i+3:]
		}
		if !strings.Contains(hostPort, ":") {
			return nil, fmt.Errorf("invalid endpoint: %s (expected host:port)", part)
		}
		endpoints = append(endpoints, part)
	}

	return endpoints, nil
}

// ApplyEnv overrides fields from MCAST_* environment variables. lookup is
// normally os.LookupEnv.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("MCAST_NAME", &c.Name)
	str("MCAST_HOST", &c.Host)
	str("MCAST_PEER", &c.KnownPeer)
	str("MCAST_COMPRESSION", &c.Compression)
	str("MCAST_ADMIN_ADDR", &c.AdminAddr)
	str("MCAST_METRICS_ADDR", &c.MetricsAddr)
	str("MCAST_ETCD_PREFIX", &c.EtcdPrefix)
	str("MCAST_LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("MCAST_PORT"); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MCAST_PORT: %w", err)
		}
		c.ListenPort = port
	}
	if v, ok := lookup("MCAST_GUARANTEE"); ok {
		g, err := ParseGuarantee(v)
		if err != nil {
			return fmt.Errorf("MCAST_GUARANTEE: %w", err)
		}
		c.Guarantee = g
	}
	if v, ok := lookup("MCAST_ETCD_ENDPOINTS"); ok {
		eps, err := ParseEndpoints(v)
		if err != nil {
			return fmt.Errorf("MCAST_ETCD_ENDPOINTS: %w", err)
		}
		c.EtcdEndpoints = eps
	}
	if v, ok := lookup("MCAST_JOIN_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MCAST_JOIN_TIMEOUT: %w", err)
		}
		c.JoinTimeout = d
	}
	return nil
}
