// Package runtime assembles the relay from configuration and manages its
// lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/szaher/chatrelay/internal/audit"
	"github.com/szaher/chatrelay/internal/config"
	"github.com/szaher/chatrelay/internal/ratelimit"
	"github.com/szaher/chatrelay/internal/relay"
	"github.com/szaher/chatrelay/internal/secrets"
	"github.com/szaher/chatrelay/internal/server"
	"github.com/szaher/chatrelay/internal/telemetry"
	"github.com/szaher/chatrelay/internal/worker"
)

// Logging bundles the operator logger with its runtime-adjustable level and
// the redaction filter the credential is registered with.
type Logging struct {
	Logger   *slog.Logger
	Level    *slog.LevelVar
	Redactor *secrets.RedactFilter
}

// NewLogging creates a redacting JSON logger writing to w.
func NewLogging(w io.Writer, level string) (*Logging, error) {
	lvl, err := telemetry.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := &Logging{Level: new(slog.LevelVar)}
	l.Level.Set(lvl)
	l.Logger = telemetry.NewLogger(w, l.Level, func(h slog.Handler) slog.Handler {
		l.Redactor = secrets.NewRedactFilter(h)
		return l.Redactor
	})
	return l, nil
}

// complete fills in whatever a hand-built Logging left out. A logger without
// a redactor is wrapped so the credential can still be registered.
func (l *Logging) complete() *Logging {
	c := *l
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Level == nil {
		c.Level = new(slog.LevelVar)
	}
	if c.Redactor == nil {
		c.Redactor = secrets.NewRedactFilter(c.Logger.Handler())
		c.Logger = slog.New(c.Redactor)
	}
	return &c
}

// Runtime owns every long-lived component of the relay.
type Runtime struct {
	config     *config.Config
	configPath string
	logging    *Logging
	server     *server.Server
	limiter    *ratelimit.Limiter
	audit      *audit.Logger
	worker     *worker.ProcessClient
	metrics    *telemetry.Metrics

	closeOnce sync.Once
}

// Options configures the runtime.
type Options struct {
	// ConfigPath enables hot reload of the file it names.
	ConfigPath string
	Logging    *Logging
	Version    string
	// Store overrides the configured rate-limit store.
	Store ratelimit.Store
	// Sink overrides the configured audit sinks.
	Sink audit.Sink
}

// New builds the relay from cfg.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	logging := opts.Logging
	if logging == nil {
		var err error
		if logging, err = NewLogging(nil, cfg.Log.Level); err != nil {
			return nil, err
		}
	} else {
		logging = logging.complete()
	}
	logger := logging.Logger
	metrics := telemetry.NewMetrics()

	store := opts.Store
	if store == nil {
		var err error
		if store, err = NewStore(cfg.RateLimit); err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
	}
	failure, _ := ratelimit.ParseFailurePolicy(cfg.RateLimit.OnStoreError)
	limiter := ratelimit.New(store, cfg.Policy(),
		ratelimit.WithLogger(logger),
		ratelimit.WithFailurePolicy(failure),
		ratelimit.WithStoreErrorHook(metrics.StoreError),
	)

	sink := opts.Sink
	if sink == nil {
		var err error
		if sink, err = NewSink(cfg.Audit); err != nil {
			limiter.Close()
			return nil, fmt.Errorf("audit sink: %w", err)
		}
	}
	auditLog := audit.NewLogger(sink,
		audit.WithLogger(logger),
		audit.WithErrorHook(metrics.AuditError),
	)

	client := worker.NewProcessClient(WorkerConfig(cfg.Worker), worker.WithLogger(logger))

	svc := relay.NewService(limiter, client, auditLog,
		relay.WithResolver(secrets.NewMux(), cfg.Worker.APIKeyRef),
		relay.WithScriptName(filepath.Base(cfg.Worker.Script)),
		relay.WithSecretHook(logging.Redactor.AddSecret),
		relay.WithMetrics(metrics),
		relay.WithLogger(logger),
	)

	serverOpts := []server.ServerOption{
		server.WithLogger(logger),
		server.WithChatPath(cfg.Server.ChatPath),
		server.WithAllowOrigin(cfg.Server.AllowOrigin),
		server.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		server.WithTrustProxyHeaders(cfg.Server.TrustProxyHeaders),
		server.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
	}
	if opts.Version != "" {
		serverOpts = append(serverOpts, server.WithVersion(opts.Version))
	}
	if cfg.Server.Metrics {
		serverOpts = append(serverOpts, server.WithMetricsHandler(metrics.Handler()))
	}

	return &Runtime{
		config:     cfg,
		configPath: opts.ConfigPath,
		logging:    logging,
		server:     server.NewServer(svc, serverOpts...),
		limiter:    limiter,
		audit:      auditLog,
		worker:     client,
		metrics:    metrics,
	}, nil
}

// WorkerConfig maps the worker section of the config onto the process client.
func WorkerConfig(c config.WorkerConfig) worker.Config {
	return worker.Config{
		Script:             c.Script,
		Interpreters:       c.Interpreters,
		DefaultInterpreter: c.DefaultInterpreter,
		APIKeyEnv:          c.APIKeyEnv,
		Timeout:            c.Timeout,
		KillGrace:          c.KillGrace,
		MaxOutputBytes:     c.MaxOutputBytes,
		InheritEnv:         c.InheritEnv,
		Env:                c.Env,
	}
}

// NewStore opens the configured rate-limit store.
func NewStore(c config.RateLimitConfig) (ratelimit.Store, error) {
	switch c.Store {
	case config.StoreMemory:
		return ratelimit.NewMemoryStore(), nil
	case config.StoreEtcd:
		kv, err := ratelimit.DialEtcd(c.Etcd.Endpoints, c.Etcd.DialTimeout)
		if err != nil {
			return nil, err
		}
		return ratelimit.NewEtcdStore(kv, ratelimit.WithKeyPrefix(c.Etcd.Prefix)), nil
	default:
		return ratelimit.NewFileStore(c.Dir)
	}
}

// NewSink opens the file sink plus any optional sinks that are configured.
func NewSink(c config.AuditConfig) (audit.Sink, error) {
	file, err := audit.OpenFile(c.File)
	if err != nil {
		return nil, err
	}
	sinks := audit.Multi{file}

	if c.SQLitePath != "" {
		db, err := audit.OpenSQLite(c.SQLitePath)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, db)
	}
	if c.NATSURL != "" {
		pub, err := audit.DialNATS(c.NATSURL, c.NATSSubject)
		if err != nil {
			sinks.Close()
			return nil, err
		}
		sinks = append(sinks, pub)
	}
	return sinks, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (rt *Runtime) Handler() http.Handler {
	return rt.server.Handler()
}

// Worker returns the worker client.
func (rt *Runtime) Worker() *worker.ProcessClient {
	return rt.worker
}

// Start serves on the configured address until Shutdown. When a config path
// was given, file changes are applied while serving.
func (rt *Runtime) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", rt.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", rt.config.Server.Addr, err)
	}
	return rt.Serve(ctx, ln)
}

// Serve serves on ln until Shutdown.
func (rt *Runtime) Serve(ctx context.Context, ln net.Listener) error {
	if rt.configPath != "" {
		go func() {
			if err := config.Watch(ctx, rt.configPath, rt.logging.Logger, rt.Reload); err != nil {
				rt.logging.Logger.Warn("config hot reload disabled", "error", err)
			}
		}()
	}
	return rt.server.Serve(ln)
}

// Reload applies the hot-reloadable parts of cfg: the rate-limit policy and
// the log level. Everything else needs a restart.
func (rt *Runtime) Reload(cfg *config.Config) {
	rt.limiter.SetPolicy(cfg.Policy())
	if lvl, err := telemetry.ParseLevel(cfg.Log.Level); err == nil {
		rt.logging.Level.Set(lvl)
	}
	rt.logging.Logger.Info("runtime reloaded", "limit", cfg.RateLimit.Limit, "window", cfg.RateLimit.Window.String(), "log_level", cfg.Log.Level)
}

// Shutdown drains in-flight requests, then closes the store and sinks.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.logging.Logger.Info("shutting down chat relay")

	var errs []error
	if err := rt.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	rt.closeOnce.Do(func() {
		if err := rt.limiter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rate limit store: %w", err))
		}
		if err := rt.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit sinks: %w", err))
		}
	})
	return errors.Join(errs...)
}
