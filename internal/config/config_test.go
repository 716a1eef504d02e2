package config

import (
	"strings"
	"testing"
	"time"

	"mcastqueue/internal/wire"
)

func TestParseEndpoints(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []string{},
		},
		{
			name:  "single endpoint",
			input: "127.0.0.1:2379",
			want:  []string{"127.0.0.1:2379"},
		},
		{
			name:  "multiple endpoints with scheme",
			input: "http://etcd-0:2379,http://etcd-1:2379,etcd-2:2379",
			want:  []string{"http://etcd-0:2379", "http://etcd-1:2379", "etcd-2:2379"},
		},
		{
			name:  "with spaces and empty items",
			input: " etcd-0:2379 , ,etcd-1:2379 ",
			want:  []string{"etcd-0:2379", "etcd-1:2379"},
		},
		{
			name:    "invalid format - no port",
			input:   "etcd-0",
			wantErr: true,
		},
		{
			name:    "invalid format - scheme without port",
			input:   "http://etcd-0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoints(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseEndpoints() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if len(got) != len(tt.want) {
					t.Errorf("ParseEndpoints() length = %d, want %d", len(got), len(tt.want))
					return
				}
				for i := range got {
					if got[i] != tt.want[i] {
						t.Errorf("ParseEndpoints()[%d] = %v, want %v", i, got[i], tt.want[i])
					}
				}
			}
		})
	}
}

func TestParsePeerAddr(t *testing.T) {
	addr, err := ParsePeerAddr("10.1.2.3:7000")
	if err != nil {
		t.Fatalf("ParsePeerAddr() error = %v", err)
	}
	if addr.Host != "10.1.2.3" || addr.Port != 7000 {
		t.Errorf("ParsePeerAddr() = %+v", addr)
	}
	for _, bad := range []string{"", "   ", "10.1.2.3", "10.1.2.3:0", "host:http"} {
		if _, err := ParsePeerAddr(bad); err == nil {
			t.Errorf("ParsePeerAddr(%q) succeeded", bad)
		}
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Guarantee != wire.Total {
		t.Errorf("default guarantee = %v", cfg.Guarantee)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.ListenPort = 70000
	cfg.KnownPeer = "nope"
	cfg.Compression = "zstd"
	cfg.JoinTimeout = 0
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() succeeded")
	}
	for _, want := range []string{"listen port", "nope", "zstd", "join timeout", "log level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q does not mention %q", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MCAST_NAME":           "alice",
		"MCAST_PORT":           "7100",
		"MCAST_PEER":           "10.0.0.1:7000",
		"MCAST_GUARANTEE":      "fifo",
		"MCAST_COMPRESSION":    "lz4",
		"MCAST_ETCD_ENDPOINTS": "etcd-0:2379,etcd-1:2379",
		"MCAST_JOIN_TIMEOUT":   "3s",
	}
	cfg := Default()
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	if err := ApplyEnv(&cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Name != "alice" || cfg.ListenPort != 7100 || cfg.KnownPeer != "10.0.0.1:7000" {
		t.Errorf("ApplyEnv() = %+v", cfg)
	}
	if cfg.Guarantee != wire.FIFO || cfg.Compression != "lz4" || cfg.JoinTimeout != 3*time.Second {
		t.Errorf("ApplyEnv() = %+v", cfg)
	}
	if len(cfg.EtcdEndpoints) != 2 {
		t.Errorf("EtcdEndpoints = %v", cfg.EtcdEndpoints)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	opts, err := cfg.NodeOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Codec.Name() != "lz4" || opts.ListenPort != 7100 {
		t.Errorf("NodeOptions() = %+v", opts)
	}

	env = map[string]string{"MCAST_GUARANTEE": "sometimes"}
	if err := ApplyEnv(&cfg, lookup); err == nil {
		t.Error("ApplyEnv() accepted an unknown guarantee")
	}
}
