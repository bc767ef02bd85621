package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stratum-rpc/codec"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stratum.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":3333" || cfg.Server.Framing != codec.CodecTypeLine || cfg.Server.Workers != 4 {
		t.Fatalf("unexpected defaults %+v", cfg.Server)
	}
	if cfg.Server.AdvertiseAddr() != ":3333" {
		t.Fatalf("advertise defaults to listen, got %q", cfg.Server.AdvertiseAddr())
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
listen = "0.0.0.0:4444"
advertise = "10.0.0.5:4444"
framing = "length"
read_timeout = "30s"
max_message_size = 65536
workers = 16
request_timeout = "2s"
rate_limit = 50.0
rate_burst = 10
metrics_addr = ":9100"

[client]
framing = "chunk"
chunk_size = 1024
balancer = "consistent_hash"
routing_key = "worker-1"
retries = 3

[registry]
endpoints = [" etcd-1:2379 ", "", "etcd-2:2379"]
ttl = 30

[log]
level = "debug"
development = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	s := cfg.Server
	if s.Listen != "0.0.0.0:4444" || s.AdvertiseAddr() != "10.0.0.5:4444" {
		t.Fatalf("unexpected addresses %+v", s)
	}
	if s.Framing != codec.CodecTypeLength || s.Codec.ReadTimeout != 30*time.Second || s.Codec.MaxMessageSize != 65536 {
		t.Fatalf("unexpected server codec %v %+v", s.Framing, s.Codec)
	}
	// Keys left out keep their defaults.
	if s.Codec.ChunkSize != 4096 || s.QueueSize != 64 || s.ShutdownTimeout != 5*time.Second {
		t.Fatalf("defaults lost %+v", s)
	}
	if s.Workers != 16 || s.RequestTimeout != 2*time.Second || s.RateLimit != 50 || s.RateBurst != 10 || s.MetricsAddr != ":9100" {
		t.Fatalf("unexpected server settings %+v", s)
	}

	c := cfg.Client
	if c.Framing != codec.CodecTypeChunk || c.Codec.ChunkSize != 1024 || c.Balancer != "consistent_hash" || c.RoutingKey != "worker-1" || c.Retries != 3 {
		t.Fatalf("unexpected client settings %+v", c)
	}
	if c.Addr != "127.0.0.1:3333" {
		t.Fatalf("client addr default lost: %q", c.Addr)
	}

	r := cfg.Registry
	if len(r.Endpoints) != 2 || r.Endpoints[0] != "etcd-1:2379" || r.Endpoints[1] != "etcd-2:2379" || r.TTL != 30 {
		t.Fatalf("unexpected registry %+v", r)
	}
	if r.Prefix != "/stratum-rpc/" {
		t.Fatalf("prefix default lost: %q", r.Prefix)
	}

	if cfg.Log.Level != "debug" || !cfg.Log.Development {
		t.Fatalf("unexpected log %+v", cfg.Log)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad toml", "[server\n", "load config"},
		{"unknown key", "[server]\nlisten_addr = \":1\"\n", "unknown key server.listen_addr"},
		{"bad duration", "[server]\nread_timeout = \"soon\"\n", "server.read_timeout"},
		{"bad framing", "[client]\nframing = \"xml\"\n", "client.framing"},
		{"bad balancer", "[client]\nbalancer = \"random\"\n", "client.balancer"},
		{"bad workers", "[server]\nworkers = 0\n", "server.workers"},
		{"bad level", "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"burst without limit", "[server]\nrate_limit = 5.0\nrate_burst = 0\n", "server.rate_burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expect an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expect an error for a missing file")
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Server.Listen = ""
	cfg.Client.PoolSize = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expect an error")
	}
	for _, want := range []string{"server.listen", "client.pool_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "stratum.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.MetricsAddr != ":9100" || cfg.Server.RequestTimeout != 10*time.Second || len(cfg.Registry.Endpoints) != 0 {
		t.Fatalf("unexpected sample config %+v", cfg)
	}
}
