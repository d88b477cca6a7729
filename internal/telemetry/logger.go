package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// NewLogger creates a structured JSON logger whose level follows level, so a
// config reload can change verbosity without rebuilding the logger. wrap, if
// non-nil, decorates the JSON handler (for redaction).
func NewLogger(w io.Writer, level *slog.LevelVar, wrap func(slog.Handler) slog.Handler) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	if wrap != nil {
		handler = wrap(handler)
	}
	return slog.New(handler)
}

// ParseLevel maps debug, info, warn and error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewRequestID returns a fresh, time-sortable request ID.
func NewRequestID() string {
	return ulid.Make().String()
}

// WithRequestID stores id in ctx. An empty id is replaced by a new one.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewRequestID()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID retrieves the request ID from context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger returns a logger with request-scoped fields.
func RequestLogger(logger *slog.Logger, ctx context.Context, client string) *slog.Logger {
	attrs := []any{
		slog.String("client", client),
	}
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	return logger.With(attrs...)
}
