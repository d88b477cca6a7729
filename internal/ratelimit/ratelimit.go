// Package ratelimit implements per-client sliding-window admission control.
//
// Each client identity owns a window of admission timestamps. A request is
// admitted when fewer than Limit timestamps fall inside the trailing Window.
// Persistence is delegated to a Store so the same limiter can run against
// process memory, the local filesystem, or etcd.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrStoreUnavailable wraps any failure of the backing store.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Policy is the sliding-window admission policy.
type Policy struct {
	Limit  int
	Window time.Duration
}

// DefaultPolicy returns 10 admissions per 60 seconds.
func DefaultPolicy() Policy {
	return Policy{Limit: 10, Window: 60 * time.Second}
}

// PolicyFromEnv reads the policy from CHATRELAY_RATE_LIMIT.
// Format: "limit:window_seconds" (e.g., "10:60").
func PolicyFromEnv() Policy {
	return ParsePolicy(os.Getenv("CHATRELAY_RATE_LIMIT"), DefaultPolicy())
}

// ParsePolicy overlays a "limit:window_seconds" value on base. Missing or
// invalid parts keep the base value.
func ParsePolicy(val string, base Policy) Policy {
	p := base
	if val == "" {
		return p
	}

	parts := strings.SplitN(val, ":", 2)
	if limit, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil && limit > 0 {
		p.Limit = limit
	}
	if len(parts) > 1 {
		if secs, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil && secs > 0 {
			p.Window = time.Duration(secs) * time.Second
		}
	}
	return p
}

// FailurePolicy decides what happens when the store cannot be reached.
type FailurePolicy string

const (
	// FailOpen admits the request.
	FailOpen FailurePolicy = "open"
	// FailClosed rejects the request.
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy accepts "open" or "closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case FailOpen, "":
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown store failure policy %q (want open or closed)", s)
	}
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	// Remaining is the number of admissions left in the current window.
	Remaining int
	// RetryAfter is how long until the oldest admission leaves the window.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Store persists admission timestamps per key.
type Store interface {
	// Update loads the Unix-second timestamps stored under key and hands them
	// to fn. When fn reports a change, the returned slice replaces the stored
	// one. Updates for the same key never run concurrently.
	Update(ctx context.Context, key string, fn func(stamps []int64) ([]int64, bool)) error

	// Close releases any resources held by the store.
	Close() error
}

// Limiter is a sliding-window rate limiter.
type Limiter struct {
	store Store

	mu     sync.RWMutex
	policy Policy

	onStoreError FailurePolicy
	now          func() time.Time
	logger       *slog.Logger
	errorHook    func()
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used to report store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithFailurePolicy sets the behaviour when the store fails.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(l *Limiter) { l.onStoreError = p }
}

// WithStoreErrorHook registers a callback invoked on every store failure.
func WithStoreErrorHook(fn func()) Option {
	return func(l *Limiter) { l.errorHook = fn }
}

// New creates a limiter over the given store.
func New(store Store, policy Policy, opts ...Option) *Limiter {
	l := &Limiter{
		store:        store,
		policy:       policy,
		onStoreError: FailOpen,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the active policy.
func (l *Limiter) Policy() Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policy
}

// SetPolicy replaces the active policy. Stored windows are reinterpreted
// under the new policy on their next check.
func (l *Limiter) SetPolicy(p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policy = p
}

// Allow reports whether a request from identity is admitted.
func (l *Limiter) Allow(ctx context.Context, identity string) bool {
	d, _ := l.Check(ctx, identity)
	return d.Allowed
}

// Check evaluates and records an admission attempt for identity. On store
// failure the decision follows the configured FailurePolicy and the returned
// error wraps ErrStoreUnavailable.
func (l *Limiter) Check(ctx context.Context, identity string) (Decision, error) {
	policy := l.Policy()
	now := l.now().Unix()
	cutoff := now - int64(policy.Window/time.Second)

	var d Decision
	err := l.store.Update(ctx, Key(identity), func(stamps []int64) ([]int64, bool) {
		kept := make([]int64, 0, len(stamps)+1)
		for _, ts := range stamps {
			if ts > cutoff {
				kept = append(kept, ts)
			}
		}

		if len(kept) >= policy.Limit {
			d = Decision{Allowed: false, RetryAfter: retryAfter(kept, policy.Window, now)}
			return kept, len(kept) != len(stamps)
		}

		kept = append(kept, now)
		d = Decision{Allowed: true, Remaining: policy.Limit - len(kept)}
		return kept, true
	})
	if err != nil {
		if l.errorHook != nil {
			l.errorHook()
		}
		l.logger.Warn("rate limit store failed", "policy", string(l.onStoreError), "error", err)
		return Decision{Allowed: l.onStoreError != FailClosed}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return d, nil
}

// Close closes the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

func retryAfter(kept []int64, window time.Duration, now int64) time.Duration {
	oldest := kept[0]
	for _, ts := range kept[1:] {
		if ts < oldest {
			oldest = ts
		}
	}
	secs := oldest + int64(window/time.Second) - now
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
