// Package worker runs the external chat worker and classifies what it did.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/szaher/chatrelay/internal/chat"
)

// ErrScriptNotFound indicates the worker script is missing on this host.
var ErrScriptNotFound = errors.New("worker script not found")

// Kind tags the variant held by an Outcome.
type Kind string

const (
	KindSuccess       Kind = "success"
	KindWorkerError   Kind = "worker_error"
	KindProtocolError Kind = "protocol_error"
	KindLaunchFailure Kind = "launch_failure"
	KindTimeout       Kind = "timeout"
	KindCanceled      Kind = "canceled"
)

// Outcome is the result of exactly one worker invocation.
type Outcome struct {
	Kind Kind

	// Success.
	Reply string
	Model *string

	// WorkerError.
	Message string

	// ProtocolError.
	RawOutput string

	// Diagnostics, populated whenever the process ran.
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Err is the underlying cause for launch failures, timeouts and
	// cancellations. Never shown to clients.
	Err error
}

// Client invokes the worker. Implementations never panic or return errors:
// every failure is folded into the Outcome.
type Client interface {
	// Ready reports whether the worker can be launched at all.
	Ready() error

	// Invoke runs the worker once for req, passing apiKey out of band.
	Invoke(ctx context.Context, req chat.Request, apiKey string) Outcome
}
