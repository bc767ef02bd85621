// Package config loads the TOML configuration shared by the stratum-server and
// stratum-client commands. Keys missing from the file keep their defaults.
//
//	[server]
//	listen = ":3333"
//	framing = "line"        # line | length | chunk
//	read_timeout = "5s"
//
//	[registry]
//	endpoints = ["localhost:2379"]
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"stratum-rpc/codec"
	"stratum-rpc/loadbalance"
)

type Config struct {
	Server   ServerConfig
	Client   ClientConfig
	Registry RegistryConfig
	Log      LogConfig
}

type ServerConfig struct {
	Listen          string
	Advertise       string // Address put in the registry; defaults to Listen
	Service         string
	Framing         codec.CodecType
	Codec           codec.Options
	Workers         int
	QueueSize       int
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration // 0 disables
	ShutdownTimeout time.Duration
	RateLimit       float64 // Requests per second; 0 disables
	RateBurst       int
	MetricsAddr     string // Empty disables the /metrics listener
}

type ClientConfig struct {
	Addr        string // Fixed server; empty means discover Service through the registry
	Service     string
	Framing     codec.CodecType
	Codec       codec.Options
	Balancer    string
	RoutingKey  string
	PoolSize    int
	Retries     int
	RetryDelay  time.Duration
	CallTimeout time.Duration
}

type RegistryConfig struct {
	Endpoints   []string // Empty disables the registry
	Prefix      string
	TTL         int64 // Seconds
	DialTimeout time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":3333",
			Service:         "stratum",
			Framing:         codec.CodecTypeLine,
			Codec:           codec.DefaultOptions(),
			Workers:         4,
			QueueSize:       64,
			ShutdownTimeout: 5 * time.Second,
			RateBurst:       1,
		},
		Client: ClientConfig{
			Addr:        "127.0.0.1:3333",
			Service:     "stratum",
			Framing:     codec.CodecTypeLine,
			Codec:       codec.DefaultOptions(),
			Balancer:    "round_robin",
			PoolSize:    4,
			RetryDelay:  100 * time.Millisecond,
			CallTimeout: 5 * time.Second,
		},
		Registry: RegistryConfig{
			Prefix:      "/stratum-rpc/",
			TTL:         10,
			DialTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

type fileConfig struct {
	Server   fileServer   `toml:"server"`
	Client   fileClient   `toml:"client"`
	Registry fileRegistry `toml:"registry"`
	Log      fileLog      `toml:"log"`
}

type fileCodec struct {
	Framing        string `toml:"framing"`
	ChunkSize      int    `toml:"chunk_size"`
	ReadTimeout    string `toml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
	MaxMessageSize int    `toml:"max_message_size"`
}

type fileServer struct {
	fileCodec
	Listen          string  `toml:"listen"`
	Advertise       string  `toml:"advertise"`
	Service         string  `toml:"service"`
	Workers         int     `toml:"workers"`
	QueueSize       int     `toml:"queue_size"`
	IdleTimeout     string  `toml:"idle_timeout"`
	RequestTimeout  string  `toml:"request_timeout"`
	ShutdownTimeout string  `toml:"shutdown_timeout"`
	RateLimit       float64 `toml:"rate_limit"`
	RateBurst       int     `toml:"rate_burst"`
	MetricsAddr     string  `toml:"metrics_addr"`
}

type fileClient struct {
	fileCodec
	Addr        string `toml:"addr"`
	Service     string `toml:"service"`
	Balancer    string `toml:"balancer"`
	RoutingKey  string `toml:"routing_key"`
	PoolSize    int    `toml:"pool_size"`
	Retries     int    `toml:"retries"`
	RetryDelay  string `toml:"retry_delay"`
	CallTimeout string `toml:"call_timeout"`
}

type fileRegistry struct {
	Endpoints   []string `toml:"endpoints"`
	Prefix      string   `toml:"prefix"`
	TTL         int64    `toml:"ttl"`
	DialTimeout string   `toml:"dial_timeout"`
}

type fileLog struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Load reads path over Default and validates the result. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %s", undecoded[0])
	}

	l := loader{meta: meta}

	s := &cfg.Server
	l.codec("server", raw.Server.fileCodec, &s.Framing, &s.Codec)
	l.str(&s.Listen, raw.Server.Listen, "server", "listen")
	l.str(&s.Advertise, raw.Server.Advertise, "server", "advertise")
	l.str(&s.Service, raw.Server.Service, "server", "service")
	l.int(&s.Workers, raw.Server.Workers, "server", "workers")
	l.int(&s.QueueSize, raw.Server.QueueSize, "server", "queue_size")
	l.duration(&s.IdleTimeout, raw.Server.IdleTimeout, "server", "idle_timeout")
	l.duration(&s.RequestTimeout, raw.Server.RequestTimeout, "server", "request_timeout")
	l.duration(&s.ShutdownTimeout, raw.Server.ShutdownTimeout, "server", "shutdown_timeout")
	if meta.IsDefined("server", "rate_limit") {
		s.RateLimit = raw.Server.RateLimit
	}
	l.int(&s.RateBurst, raw.Server.RateBurst, "server", "rate_burst")
	l.str(&s.MetricsAddr, raw.Server.MetricsAddr, "server", "metrics_addr")

	c := &cfg.Client
	l.codec("client", raw.Client.fileCodec, &c.Framing, &c.Codec)
	l.str(&c.Addr, raw.Client.Addr, "client", "addr")
	l.str(&c.Service, raw.Client.Service, "client", "service")
	l.str(&c.Balancer, raw.Client.Balancer, "client", "balancer")
	l.str(&c.RoutingKey, raw.Client.RoutingKey, "client", "routing_key")
	l.int(&c.PoolSize, raw.Client.PoolSize, "client", "pool_size")
	l.int(&c.Retries, raw.Client.Retries, "client", "retries")
	l.duration(&c.RetryDelay, raw.Client.RetryDelay, "client", "retry_delay")
	l.duration(&c.CallTimeout, raw.Client.CallTimeout, "client", "call_timeout")

	r := &cfg.Registry
	if meta.IsDefined("registry", "endpoints") {
		r.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	l.str(&r.Prefix, raw.Registry.Prefix, "registry", "prefix")
	if meta.IsDefined("registry", "ttl") {
		r.TTL = raw.Registry.TTL
	}
	l.duration(&r.DialTimeout, raw.Registry.DialTimeout, "registry", "dial_timeout")

	l.str(&cfg.Log.Level, raw.Log.Level, "log", "level")
	if meta.IsDefined("log", "development") {
		cfg.Log.Development = raw.Log.Development
	}

	if l.err != nil {
		return Config{}, fmt.Errorf("load config: %w", l.err)
	}
	return cfg, cfg.Validate()
}

// loader copies defined keys over defaults and collects parse errors.
type loader struct {
	meta toml.MetaData
	err  error
}

func (l *loader) str(dst *string, v string, key ...string) {
	if l.meta.IsDefined(key...) {
		*dst = strings.TrimSpace(v)
	}
}

func (l *loader) int(dst *int, v int, key ...string) {
	if l.meta.IsDefined(key...) {
		*dst = v
	}
}

func (l *loader) duration(dst *time.Duration, v string, key ...string) {
	if !l.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		l.err = multierr.Append(l.err, fmt.Errorf("parse %s: %w", strings.Join(key, "."), err))
		return
	}
	*dst = d
}

func (l *loader) codec(section string, raw fileCodec, framing *codec.CodecType, opts *codec.Options) {
	if l.meta.IsDefined(section, "framing") {
		t, err := codec.ParseCodecType(raw.Framing)
		if err != nil {
			l.err = multierr.Append(l.err, fmt.Errorf("parse %s.framing: %w", section, err))
		} else {
			*framing = t
		}
	}
	l.int(&opts.ChunkSize, raw.ChunkSize, section, "chunk_size")
	l.int(&opts.MaxMessageSize, raw.MaxMessageSize, section, "max_message_size")
	l.duration(&opts.ReadTimeout, raw.ReadTimeout, section, "read_timeout")
	l.duration(&opts.WriteTimeout, raw.WriteTimeout, section, "write_timeout")
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	check := func(ok bool, msg string) {
		if !ok {
			err = multierr.Append(err, errors.New(msg))
		}
	}

	check(c.Server.Listen != "", "server.listen is required")
	check(c.Server.Workers > 0, "server.workers must be positive")
	check(c.Server.QueueSize >= 0, "server.queue_size must not be negative")
	check(c.Server.Codec.ChunkSize >= 0, "server.chunk_size must not be negative")
	check(c.Server.Codec.ReadTimeout >= 0, "server.read_timeout must not be negative")
	check(c.Server.RateLimit >= 0, "server.rate_limit must not be negative")
	check(c.Server.RateLimit == 0 || c.Server.RateBurst > 0, "server.rate_burst must be positive when rate_limit is set")
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	check(c.Client.Addr != "" || len(c.Registry.Endpoints) > 0, "client.addr or registry.endpoints is required")
	check(c.Client.PoolSize > 0, "client.pool_size must be positive")
	check(c.Client.Retries >= 0, "client.retries must not be negative")
	if _, berr := loadbalance.New(c.Client.Balancer); berr != nil {
		check(false, "client.balancer: "+berr.Error())
	}

	check(len(c.Registry.Endpoints) == 0 || c.Registry.TTL > 0, "registry.ttl must be positive")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		check(false, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return err
}

// AdvertiseAddr is the address announced in the registry.
func (s ServerConfig) AdvertiseAddr() string {
	if s.Advertise != "" {
		return s.Advertise
	}
	return s.Listen
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
