// Package config loads the relay's YAML configuration and applies
// CHATRELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/chatrelay/internal/ratelimit"
	"github.com/szaher/chatrelay/internal/secrets"
	"github.com/szaher/chatrelay/internal/telemetry"
)

// Rate-limit store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreEtcd   = "etcd"
)

// Config is the complete relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Worker    WorkerConfig    `yaml:"worker"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ChatPath          string        `yaml:"chat_path"`
	AllowOrigin       string        `yaml:"allow_origin"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	Metrics           bool          `yaml:"metrics"`
}

// RateLimitConfig configures admission control.
type RateLimitConfig struct {
	Limit        int           `yaml:"limit"`
	Window       time.Duration `yaml:"window"`
	Store        string        `yaml:"store"`
	Dir          string        `yaml:"dir"`
	OnStoreError string        `yaml:"on_store_error"`
	Etcd         EtcdConfig    `yaml:"etcd"`
}

// EtcdConfig configures the etcd rate-limit store.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
}

// WorkerConfig configures the worker process.
type WorkerConfig struct {
	Script             string            `yaml:"script"`
	Interpreters       []string          `yaml:"interpreters"`
	DefaultInterpreter string            `yaml:"default_interpreter"`
	APIKeyEnv          string            `yaml:"api_key_env"`
	APIKeyRef          string            `yaml:"api_key_ref"`
	Timeout            time.Duration     `yaml:"timeout"`
	KillGrace          time.Duration     `yaml:"kill_grace"`
	MaxOutputBytes     int64             `yaml:"max_output_bytes"`
	InheritEnv         bool              `yaml:"inherit_env"`
	Env                map[string]string `yaml:"env"`
}

// AuditConfig selects the audit sinks. The file sink is always on.
type AuditConfig struct {
	File        string `yaml:"file"`
	SQLitePath  string `yaml:"sqlite_path"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

// LogConfig configures operator logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ChatPath:          "/api/chat",
			AllowOrigin:       "*",
			MaxBodyBytes:      64 << 10,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			Metrics:           true,
		},
		RateLimit: RateLimitConfig{
			Limit:        10,
			Window:       60 * time.Second,
			Store:        StoreFile,
			OnStoreError: string(ratelimit.FailOpen),
			Etcd: EtcdConfig{
				DialTimeout: 5 * time.Second,
				Prefix:      "chatrelay/ratelimit/",
			},
		},
		Worker: WorkerConfig{
			Script:             "backend_python/chat.py",
			Interpreters:       []string{"python", "python3"},
			DefaultInterpreter: "python",
			APIKeyEnv:          "OPENAI_API_KEY",
			APIKeyRef:          "env(OPENAI_API_KEY)",
			Timeout:            60 * time.Second,
			KillGrace:          2 * time.Second,
			MaxOutputBytes:     1 << 20,
			InheritEnv:         true,
		},
		Audit: AuditConfig{
			File:        "logs/requests.log",
			NATSSubject: "chatrelay.audit",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays CHATRELAY_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("CHATRELAY_ADDR", &c.Server.Addr)
	str("CHATRELAY_CHAT_PATH", &c.Server.ChatPath)
	str("CHATRELAY_ALLOW_ORIGIN", &c.Server.AllowOrigin)
	boolean("CHATRELAY_TRUST_PROXY_HEADERS", &c.Server.TrustProxyHeaders)

	if v, ok := lookup("CHATRELAY_RATE_LIMIT"); ok {
		p := ratelimit.ParsePolicy(v, ratelimit.Policy{Limit: c.RateLimit.Limit, Window: c.RateLimit.Window})
		c.RateLimit.Limit, c.RateLimit.Window = p.Limit, p.Window
	}
	str("CHATRELAY_RATE_LIMIT_STORE", &c.RateLimit.Store)
	str("CHATRELAY_RATE_LIMIT_DIR", &c.RateLimit.Dir)
	str("CHATRELAY_RATE_LIMIT_ON_STORE_ERROR", &c.RateLimit.OnStoreError)
	if v, ok := lookup("CHATRELAY_ETCD_ENDPOINTS"); ok && v != "" {
		c.RateLimit.Etcd.Endpoints = splitList(v)
	}

	str("CHATRELAY_WORKER_SCRIPT", &c.Worker.Script)
	str("CHATRELAY_API_KEY_REF", &c.Worker.APIKeyRef)
	dur("CHATRELAY_WORKER_TIMEOUT", &c.Worker.Timeout)

	str("CHATRELAY_AUDIT_FILE", &c.Audit.File)
	str("CHATRELAY_AUDIT_SQLITE", &c.Audit.SQLitePath)
	str("CHATRELAY_NATS_URL", &c.Audit.NATSURL)

	str("CHATRELAY_LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.ChatPath, "/") {
		add("server.chat_path must start with /: %q", c.Server.ChatPath)
	}
	if c.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes must be positive")
	}

	if c.RateLimit.Limit <= 0 {
		add("rate_limit.limit must be positive")
	}
	if c.RateLimit.Window < time.Second {
		add("rate_limit.window must be at least 1s, got %s", c.RateLimit.Window)
	}
	switch c.RateLimit.Store {
	case StoreMemory, StoreFile:
	case StoreEtcd:
		if len(c.RateLimit.Etcd.Endpoints) == 0 {
			add("rate_limit.etcd.endpoints is required for the etcd store")
		}
	default:
		add("rate_limit.store must be memory, file or etcd, got %q", c.RateLimit.Store)
	}
	if _, err := ratelimit.ParseFailurePolicy(c.RateLimit.OnStoreError); err != nil {
		add("rate_limit.on_store_error: %w", err)
	}

	if c.Worker.Script == "" {
		add("worker.script is required")
	}
	if c.Worker.Timeout < 0 {
		add("worker.timeout must not be negative")
	}
	if c.Worker.APIKeyEnv == "" {
		add("worker.api_key_env is required")
	}
	if _, _, err := secrets.ParseRef(c.Worker.APIKeyRef); err != nil {
		add("worker.api_key_ref: %w", err)
	}

	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the rate-limit policy.
func (c *Config) Policy() ratelimit.Policy {
	return ratelimit.Policy{Limit: c.RateLimit.Limit, Window: c.RateLimit.Window}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
