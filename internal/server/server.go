// Package server exposes the chat relay over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/szaher/chatrelay/internal/relay"
	"github.com/szaher/chatrelay/internal/telemetry"
)

// Handler runs the chat pipeline for one request.
type Handler interface {
	Handle(ctx context.Context, req relay.Request) relay.Response
}

// Server is the relay's HTTP server.
type Server struct {
	relay     Handler
	mux       *http.ServeMux
	mu        sync.Mutex
	server    *http.Server
	logger    *slog.Logger
	metrics   http.Handler
	startTime time.Time
	version   string

	chatPath          string
	allowOrigin       string
	maxBodyBytes      int64
	trustProxyHeaders bool
	readHeaderTimeout time.Duration
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithChatPath sets the path of the chat endpoint.
func WithChatPath(path string) ServerOption {
	return func(s *Server) { s.chatPath = path }
}

// WithAllowOrigin sets the Access-Control-Allow-Origin value.
func WithAllowOrigin(origin string) ServerOption {
	return func(s *Server) { s.allowOrigin = origin }
}

// WithMaxBodyBytes caps how much of a request body is read.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithTrustProxyHeaders makes the first X-Forwarded-For entry the client
// identity.
func WithTrustProxyHeaders(trust bool) ServerOption {
	return func(s *Server) { s.trustProxyHeaders = trust }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithReadHeaderTimeout bounds how long a client may take to send headers.
func WithReadHeaderTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.readHeaderTimeout = d }
}

// NewServer creates the HTTP server around the relay pipeline.
func NewServer(h Handler, opts ...ServerOption) *Server {
	s := &Server{
		relay:             h,
		logger:            slog.Default(),
		startTime:         time.Now(),
		version:           "dev",
		chatPath:          "/api/chat",
		allowOrigin:       "*",
		maxBodyBytes:      64 << 10,
		readHeaderTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	mux.HandleFunc(s.chatPath, s.handleChat)

	s.mux = mux
	return s
}

// Handler returns the HTTP handler for use with httptest or custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.readHeaderTimeout,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("chat relay listening", "addr", ln.Addr().String(), "chat_path", s.chatPath)
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": s.version,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	requestID := telemetry.NewRequestID()
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", s.allowOrigin)
	h.Set("X-Request-ID", requestID)

	if r.Method == http.MethodOptions {
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// A body cut off at the limit fails JSON validation downstream.
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes))
	if err != nil {
		s.logger.Debug("reading request body", "error", err)
	}

	ctx := telemetry.WithRequestID(r.Context(), requestID)
	resp := s.relay.Handle(ctx, relay.Request{
		Method:    r.Method,
		Body:      body,
		Client:    s.clientIdentity(r),
		RequestID: requestID,
	})

	for k, v := range resp.Headers {
		h.Set(k, v)
	}
	writeJSON(w, resp.Status, resp.Body)
}

// clientIdentity returns the caller's address without port.
func (s *Server) clientIdentity(r *http.Request) string {
	if s.trustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
