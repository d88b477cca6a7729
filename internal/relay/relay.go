// Package relay runs the chat request pipeline: admission, validation,
// credential lookup, worker invocation, response assembly and auditing.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/szaher/chatrelay/internal/audit"
	"github.com/szaher/chatrelay/internal/chat"
	"github.com/szaher/chatrelay/internal/ratelimit"
	"github.com/szaher/chatrelay/internal/secrets"
	"github.com/szaher/chatrelay/internal/telemetry"
	"github.com/szaher/chatrelay/internal/worker"
)

// DefaultAPIKeyRef is the credential reference used when none is configured.
const DefaultAPIKeyRef = "env(OPENAI_API_KEY)"

// Limiter admits or rejects a client.
type Limiter interface {
	Check(ctx context.Context, identity string) (ratelimit.Decision, error)
}

// Recorder receives exactly one audit entry per request.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry)
}

// Request is the transport-independent view of an incoming chat request.
type Request struct {
	Method    string
	Body      []byte
	Client    string
	RequestID string
}

// Response is what the transport should write back.
type Response struct {
	Status  int
	Body    any
	Headers map[string]string
	// AuditStatus is the status recorded for this request.
	AuditStatus audit.Status
}

// Service runs the pipeline.
type Service struct {
	limiter    Limiter
	worker     worker.Client
	recorder   Recorder
	resolver   secrets.Resolver
	keyRef     string
	scriptName string
	onSecret   func(string)
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithResolver sets how the credential reference is resolved.
func WithResolver(r secrets.Resolver, ref string) Option {
	return func(s *Service) {
		s.resolver = r
		if ref != "" {
			s.keyRef = ref
		}
	}
}

// WithScriptName sets the script name reported when the worker is missing.
func WithScriptName(name string) Option {
	return func(s *Service) { s.scriptName = name }
}

// WithSecretHook is called with every resolved credential, typically to
// register it for log redaction.
func WithSecretHook(fn func(string)) Option {
	return func(s *Service) { s.onSecret = fn }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates the pipeline.
func NewService(limiter Limiter, client worker.Client, recorder Recorder, opts ...Option) *Service {
	s := &Service{
		limiter:    limiter,
		worker:     client,
		recorder:   recorder,
		resolver:   secrets.NewEnvResolver(),
		keyRef:     DefaultAPIKeyRef,
		scriptName: "chat.py",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle processes one request. It always returns a response and always
// records exactly one audit entry.
func (s *Service) Handle(ctx context.Context, req Request) Response {
	start := time.Now()
	logger := telemetry.RequestLogger(s.logger, ctx, req.Client)

	resp, entry := s.handle(ctx, req, logger)

	entry.RequestID = req.RequestID
	entry.IP = req.Client
	entry.Status = resp.AuditStatus
	s.recorder.Record(ctx, entry)
	if s.metrics != nil {
		s.metrics.RecordRequest(string(resp.AuditStatus))
	}

	logger.Info("chat request",
		"status", resp.AuditStatus,
		"http_status", resp.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp
}

func (s *Service) handle(ctx context.Context, req Request, logger *slog.Logger) (Response, audit.Entry) {
	decision, err := s.limiter.Check(ctx, req.Client)
	if err != nil {
		logger.Debug("rate limit decided by failure policy", "allowed", decision.Allowed, "error", err)
	}
	if !decision.Allowed {
		resp := reject(http.StatusTooManyRequests, audit.StatusRateLimited, msgRateLimited)
		if decision.RetryAfter > 0 {
			secs := int(math.Ceil(decision.RetryAfter.Seconds()))
			resp.Headers = map[string]string{"Retry-After": strconv.Itoa(secs)}
		}
		return resp, audit.Entry{}
	}

	if req.Method != http.MethodPost {
		return reject(http.StatusMethodNotAllowed, audit.StatusMethodNotAllowed, msgMethodNotAllowed), audit.Entry{}
	}

	chatReq, verr := chat.Validate(req.Body)
	if verr != nil {
		return reject(http.StatusBadRequest, audit.Status(verr.Code), verr.Message), audit.Entry{Message: verr.Preview}
	}

	payload, err := chatReq.Payload()
	if err != nil {
		logger.Error("encoding worker payload", "error", err)
		return reject(http.StatusInternalServerError, audit.StatusProcessStartFailed, msgLaunchFailure), audit.Entry{Message: chatReq.Message}
	}
	entry := audit.Entry{Message: string(payload)}

	apiKey, err := s.resolver.Resolve(ctx, s.keyRef)
	if err != nil {
		logger.Error("credential unavailable", "ref", s.keyRef, "error", err)
		return reject(http.StatusInternalServerError, audit.StatusNoAPIKey, msgNoAPIKey), entry
	}
	if s.onSecret != nil {
		s.onSecret(apiKey)
	}

	if err := s.worker.Ready(); err != nil {
		logger.Error("worker not ready", "error", err)
		return reject(http.StatusInternalServerError, audit.StatusNoWorkerScript,
			fmt.Sprintf("%s not found on server", s.scriptName)), entry
	}

	var done func(string, time.Duration)
	if s.metrics != nil {
		done = s.metrics.WorkerStarted()
	}
	out := s.worker.Invoke(ctx, chatReq, apiKey)
	if done != nil {
		done(string(out.Kind), out.Duration)
	}
	if out.Err != nil {
		logger.Warn("worker failed", "outcome", out.Kind, "error", out.Err)
	}

	status, body := Assemble(out)
	auditStatus, extra := outcomeStatus(out)
	entry.Extra = extra
	return Response{Status: status, Body: body, AuditStatus: auditStatus}, entry
}

func reject(status int, auditStatus audit.Status, message string) Response {
	return Response{
		Status:      status,
		Body:        ErrorBody{Error: message},
		AuditStatus: auditStatus,
	}
}
