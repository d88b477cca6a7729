package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/szaher/chatrelay/internal/audit"
	"github.com/szaher/chatrelay/internal/config"
	"github.com/szaher/chatrelay/internal/ratelimit"
	"github.com/szaher/chatrelay/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.RateLimit.Store = config.StoreMemory
	cfg.Audit.File = filepath.Join(dir, "logs", "requests.log")
	cfg.Worker.Script = filepath.Join(dir, "chat.py")
	cfg.Worker.APIKeyRef = "env(CHATRELAY_RUNTIME_TEST_KEY)"
	return cfg
}

func newRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	logging, err := NewLogging(io.Discard, "info")
	if err != nil {
		t.Fatal(err)
	}
	rt, err := New(cfg, Options{Logging: logging, Version: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRuntimeEndToEnd(t *testing.T) {
	t.Run("missing credential", func(t *testing.T) {
		cfg := testConfig(t)
		rt := newRuntime(t, cfg)

		rec := post(rt.Handler(), `{"message":"hi"}`)
		if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "OPENAI_API_KEY not set") {
			t.Errorf("got %d %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("missing worker script", func(t *testing.T) {
		t.Setenv("CHATRELAY_RUNTIME_TEST_KEY", "sk-test")
		cfg := testConfig(t)
		rt := newRuntime(t, cfg)

		rec := post(rt.Handler(), `{"message":"hi"}`)
		if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "chat.py not found on server") {
			t.Errorf("got %d %s", rec.Code, rec.Body.String())
		}

		entries, err := audit.ReadFile(cfg.Audit.File, audit.Filter{})
		if err != nil || len(entries) != 1 || entries[0].Status != audit.StatusNoWorkerScript {
			t.Errorf("audit = %+v, %v", entries, err)
		}
	})

	t.Run("shell worker round trip", func(t *testing.T) {
		t.Setenv("CHATRELAY_RUNTIME_TEST_KEY", "sk-test")
		cfg := testConfig(t)
		cfg.Worker.Script = testutil.WorkerScript(t, `{"reply":"hello from worker","model":"test-model"}`)
		cfg.Worker.Interpreters = []string{"sh"}
		cfg.Worker.DefaultInterpreter = "sh"
		rt := newRuntime(t, cfg)

		rec := post(rt.Handler(), `{"message":"hi"}`)
		want := `{"reply":"hello from worker","model":"test-model"}`
		if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != want {
			t.Errorf("got %d %s", rec.Code, rec.Body.String())
		}
	})
}

func TestRuntimeReload(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Limit = 1
	rt := newRuntime(t, cfg)

	post(rt.Handler(), `{"message":"hi"}`)
	if rec := post(rt.Handler(), `{"message":"hi"}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}

	next := testConfig(t)
	next.RateLimit.Limit = 5
	next.Log.Level = "debug"
	rt.Reload(next)

	if rec := post(rt.Handler(), `{"message":"hi"}`); rec.Code == http.StatusTooManyRequests {
		t.Error("request still limited after raising the limit")
	}
	if rt.logging.Level.Level().String() != "DEBUG" {
		t.Errorf("log level = %s, want DEBUG", rt.logging.Level.Level())
	}
}

func TestRuntimeRedactsCredential(t *testing.T) {
	t.Setenv("CHATRELAY_RUNTIME_TEST_KEY", "sk-very-secret")
	var buf bytes.Buffer
	logging, err := NewLogging(&buf, "debug")
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t)
	rt, err := New(cfg, Options{Logging: logging})
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Shutdown(context.Background())

	post(rt.Handler(), `{"message":"hi"}`)
	logging.Logger.Info("leak check", "value", "sk-very-secret")

	if strings.Contains(buf.String(), "sk-very-secret") {
		t.Errorf("credential reached the operator log: %s", buf.String())
	}
}

func TestRuntimePartialLogging(t *testing.T) {
	t.Setenv("CHATRELAY_RUNTIME_TEST_KEY", "sk-hand-built")
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	rt, err := New(testConfig(t), Options{Logging: &Logging{Logger: logger}})
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Shutdown(context.Background())

	// The script is missing, so the request stops right after the
	// credential is registered with the redactor.
	if rec := post(rt.Handler(), `{"message":"hi"}`); rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	rt.logging.Logger.Info("leak check", "value", "sk-hand-built")
	if strings.Contains(buf.String(), "sk-hand-built") {
		t.Errorf("credential reached the operator log: %s", buf.String())
	}
	rt.Reload(testConfig(t))
}

func TestRuntimeServeAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Addr = "127.0.0.1:0"
	rt := newRuntime(t, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Start did not return after Shutdown")
	}
}

func TestNewStore(t *testing.T) {
	mem, err := NewStore(config.RateLimitConfig{Store: config.StoreMemory})
	if _, ok := mem.(*ratelimit.MemoryStore); !ok || err != nil {
		t.Errorf("memory store = %T, %v", mem, err)
	}
	file, err := NewStore(config.RateLimitConfig{Store: config.StoreFile, Dir: t.TempDir()})
	if _, ok := file.(*ratelimit.FileStore); !ok || err != nil {
		t.Errorf("file store = %T, %v", file, err)
	}
}

func TestNewSinkWithSQLite(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSink(config.AuditConfig{
		File:       filepath.Join(dir, "requests.log"),
		SQLitePath: filepath.Join(dir, "audit.db"),
	})
	if err != nil {
		t.Fatalf("NewSink() error = %v", err)
	}
	defer sink.Close()

	multi, ok := sink.(audit.Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("sink = %T with %d members, want file and sqlite", sink, len(multi))
	}
	if err := sink.Write(context.Background(), audit.Entry{TS: 1, Status: audit.StatusSuccess}); err != nil {
		t.Errorf("Write() error = %v", err)
	}
}
