package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/chatrelay/internal/chat"
)

// Config configures a ProcessClient.
type Config struct {
	// Script is the path of the worker program passed to the interpreter.
	Script string
	// Interpreters are tried in order on PATH.
	Interpreters []string
	// DefaultInterpreter is used when no candidate resolves.
	DefaultInterpreter string
	// APIKeyEnv is the environment variable carrying the credential.
	APIKeyEnv string
	// Timeout bounds one invocation. Zero disables it.
	Timeout time.Duration
	// KillGrace bounds how long output pipes are drained after the process
	// is killed.
	KillGrace time.Duration
	// MaxOutputBytes caps captured stdout and stderr each.
	MaxOutputBytes int64
	// InheritEnv passes the relay's environment through to the worker.
	InheritEnv bool
	// Env holds extra variables for the worker.
	Env map[string]string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Script:             "backend_python/chat.py",
		Interpreters:       []string{"python", "python3"},
		DefaultInterpreter: "python",
		APIKeyEnv:          "OPENAI_API_KEY",
		Timeout:            60 * time.Second,
		KillGrace:          2 * time.Second,
		MaxOutputBytes:     1 << 20,
		InheritEnv:         true,
	}
}

// ProcessClient runs one worker process per invocation, feeding the request
// on stdin and reading a single JSON document from stdout.
type ProcessClient struct {
	config     Config
	discoverer *Discoverer
	logger     *slog.Logger
}

// ProcessOption configures a ProcessClient.
type ProcessOption func(*ProcessClient)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProcessOption {
	return func(c *ProcessClient) { c.logger = logger }
}

// WithDiscoverer replaces the interpreter discoverer.
func WithDiscoverer(d *Discoverer) ProcessOption {
	return func(c *ProcessClient) { c.discoverer = d }
}

// NewProcessClient creates a process-backed worker client.
func NewProcessClient(config Config, opts ...ProcessOption) *ProcessClient {
	if config.APIKeyEnv == "" {
		config.APIKeyEnv = "OPENAI_API_KEY"
	}
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = 1 << 20
	}
	// The child runs inside the script's directory, so a relative path would
	// be resolved twice.
	if abs, err := filepath.Abs(config.Script); err == nil {
		config.Script = abs
	}
	c := &ProcessClient{
		config:     config,
		discoverer: NewDiscoverer(config.Interpreters, config.DefaultInterpreter),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Interpreter returns the interpreter that will run the script.
func (c *ProcessClient) Interpreter() string {
	return c.discoverer.Interpreter()
}

// Script returns the absolute script path.
func (c *ProcessClient) Script() string {
	return c.config.Script
}

// Ready checks that the script exists and is a regular file.
func (c *ProcessClient) Ready() error {
	info, err := os.Stat(c.config.Script)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrScriptNotFound, filepath.Base(c.config.Script))
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrScriptNotFound, filepath.Base(c.config.Script))
	}
	return nil
}

// Invoke runs the worker once. It never panics and never retries.
func (c *ProcessClient) Invoke(ctx context.Context, req chat.Request, apiKey string) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: KindLaunchFailure, Err: fmt.Errorf("worker panic: %v", r)}
		}
		out.Duration = time.Since(start)
	}()

	payload, err := req.Payload()
	if err != nil {
		return Outcome{Kind: KindLaunchFailure, Err: fmt.Errorf("marshal request: %w", err)}
	}

	runCtx := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	interpreter := c.Interpreter()
	cmd := exec.CommandContext(runCtx, interpreter, c.config.Script)
	cmd.Dir = filepath.Dir(c.config.Script)
	cmd.Env = c.environ(apiKey)
	cmd.WaitDelay = c.config.KillGrace

	stdout := &cappedBuffer{max: c.config.MaxOutputBytes}
	stderr := &cappedBuffer{max: c.config.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Outcome{Kind: KindLaunchFailure, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return Outcome{Kind: KindLaunchFailure, Err: fmt.Errorf("start %s: %w", interpreter, err)}
	}

	// stdin is fed concurrently with the output copies so a worker that
	// writes before reading cannot stall on a full pipe.
	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		_, err := stdin.Write(payload)
		return err
	})
	waitErr := cmd.Wait()
	if err := g.Wait(); err != nil && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EPIPE) {
		c.logger.Debug("writing worker stdin", "error", err)
	}

	out = Outcome{
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
	}

	if waitErr != nil && runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out.Kind = KindTimeout
			out.Err = fmt.Errorf("worker exceeded %s: %w", c.config.Timeout, runCtx.Err())
		} else {
			out.Kind = KindCanceled
			out.Err = runCtx.Err()
		}
		return out
	}

	if out.Stderr != "" {
		c.logger.Warn("worker wrote to stderr", "stderr", out.Stderr, "exit_code", out.ExitCode)
	}

	parse(stdout.String(), &out)
	return out
}

// parse classifies the worker's stdout into out.
func parse(raw string, out *Outcome) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &doc); err != nil || doc == nil {
		out.Kind = KindProtocolError
		out.RawOutput = raw
		return
	}

	if v, ok := doc["error"]; ok && !isNull(v) {
		out.Kind = KindWorkerError
		out.Message = text(v)
		return
	}

	out.Kind = KindSuccess
	if v, ok := doc["reply"]; ok && !isNull(v) {
		out.Reply = text(v)
	}
	if v, ok := doc["model"]; ok && !isNull(v) {
		m := text(v)
		out.Model = &m
	}
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// text returns a JSON string's value, or the raw JSON of any other value.
func text(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return string(v)
}

func (c *ProcessClient) environ(apiKey string) []string {
	var env []string
	if c.config.InheritEnv {
		prefix := c.config.APIKeyEnv + "="
		for _, kv := range os.Environ() {
			if !strings.HasPrefix(kv, prefix) {
				env = append(env, kv)
			}
		}
	} else {
		env = []string{
			"PATH=" + os.Getenv("PATH"),
			"HOME=" + os.Getenv("HOME"),
		}
	}
	for k, v := range c.config.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return append(env, fmt.Sprintf("%s=%s", c.config.APIKeyEnv, apiKey))
}

// cappedBuffer keeps at most max bytes and silently discards the rest so the
// child never blocks on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - int64(b.buf.Len())
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
