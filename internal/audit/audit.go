// Package audit records one structured entry per chat request.
//
// Recording is best effort: sink failures are logged and counted but never
// reach the request pipeline.
package audit

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"
)

// Status is the fixed vocabulary describing how a request ended.
type Status string

const (
	StatusSuccess                Status = "success"
	StatusRateLimited            Status = "rate_limited"
	StatusMethodNotAllowed       Status = "method_not_allowed"
	StatusInvalidJSON            Status = "invalid_json"
	StatusMissingMessage         Status = "missing_message"
	StatusMessageTooLong         Status = "message_too_long"
	StatusNoAPIKey               Status = "no_api_key"
	StatusNoWorkerScript         Status = "no_chat_py"
	StatusProcessStartFailed     Status = "process_start_failed"
	StatusInvalidProcessResponse Status = "invalid_process_response"
	StatusProcessError           Status = "process_error"
	StatusWorkerTimeout          Status = "worker_timeout"
	StatusClientCanceled         Status = "client_canceled"
)

// MaxMessagePreview is the number of characters of the request kept in an
// entry.
const MaxMessagePreview = 200

// Entry is one audit record.
type Entry struct {
	TS        int64          `json:"ts"`
	RequestID string         `json:"request_id,omitempty"`
	IP        string         `json:"ip"`
	Message   string         `json:"message"`
	Status    Status         `json:"status"`
	Extra     map[string]any `json:"extra"`
}

// Sink persists entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Logger normalizes entries and hands them to a sink.
type Logger struct {
	sink    Sink
	logger  *slog.Logger
	onError func()
	now     func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the operator logger used to report sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

// WithErrorHook is called once per failed Record.
func WithErrorHook(fn func()) Option {
	return func(l *Logger) { l.onError = fn }
}

// WithClock overrides the time source for entries without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates a Logger writing to sink.
func NewLogger(sink Sink, opts ...Option) *Logger {
	l := &Logger{
		sink:   sink,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record writes e. It never fails from the caller's point of view.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.TS == 0 {
		e.TS = l.now().Unix()
	}
	e.Message = Truncate(e.Message, MaxMessagePreview)
	if e.Extra == nil {
		e.Extra = map[string]any{}
	}

	// The request context may already be done; the entry must still land.
	if err := l.sink.Write(context.WithoutCancel(ctx), e); err != nil {
		l.logger.Warn("audit write failed", "status", e.Status, "request_id", e.RequestID, "error", err)
		if l.onError != nil {
			l.onError()
		}
	}
}

// Close closes the sink.
func (l *Logger) Close() error {
	return l.sink.Close()
}

// Truncate returns the first n characters of s.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
