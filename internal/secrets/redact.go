package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces every occurrence of a registered secret.
const Placeholder = "[REDACTED]"

// set is the registry shared by a filter and every handler derived from it.
type set struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

func (s *set) snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	return out
}

// RedactFilter is a slog.Handler that scrubs registered secret values from
// messages and string attributes, including attributes nested in groups.
type RedactFilter struct {
	inner   slog.Handler
	secrets *set
}

// NewRedactFilter wraps inner.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner:   inner,
		secrets: &set{values: make(map[string]struct{})},
	}
}

// AddSecret registers a value to scrub. Empty values are ignored.
func (f *RedactFilter) AddSecret(value string) {
	if value == "" {
		return
	}
	f.secrets.mu.Lock()
	defer f.secrets.mu.Unlock()
	f.secrets.values[value] = struct{}{}
}

// Enabled delegates to the inner handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle scrubs the record and passes it on.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	secrets := f.secrets.snapshot()
	if len(secrets) == 0 {
		return f.inner.Handle(ctx, record)
	}

	out := slog.NewRecord(record.Time, record.Level, scrub(record.Message, secrets), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return f.inner.Handle(ctx, out)
}

// WithAttrs scrubs the bound attributes now and shares the registry.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	secrets := f.secrets.snapshot()
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = redactAttr(a, secrets)
	}
	return &RedactFilter{inner: f.inner.WithAttrs(scrubbed), secrets: f.secrets}
}

// WithGroup shares the registry with the derived handler.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), secrets: f.secrets}
}

// RedactString scrubs s.
func (f *RedactFilter) RedactString(s string) string {
	return scrub(s, f.secrets.snapshot())
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(v.String(), secrets))
	case slog.KindGroup:
		group := v.Group()
		out := make([]any, len(group))
		for i, ga := range group {
			out[i] = redactAttr(ga, secrets)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, scrub(err.Error(), secrets))
		}
	}
	return a
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	return s
}
