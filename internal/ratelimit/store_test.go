package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("persists comma-separated timestamps", func(t *testing.T) {
		store, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStore() error = %v", err)
		}
		clock := newFakeClock()
		rl := New(store, DefaultPolicy(), WithClock(clock.Now))

		rl.Allow(ctx, "10.1.1.1")
		clock.Advance(2 * time.Second)
		rl.Allow(ctx, "10.1.1.1")

		data, err := os.ReadFile(store.Path(Key("10.1.1.1")))
		if err != nil {
			t.Fatalf("read window file: %v", err)
		}
		want := fmt.Sprintf("%d,%d", clock.Now().Unix()-2, clock.Now().Unix())
		if string(data) != want {
			t.Errorf("file content = %q, want %q", data, want)
		}
	})

	t.Run("survives a new store over the same directory", func(t *testing.T) {
		dir := t.TempDir()
		clock := newFakeClock()

		first, _ := NewFileStore(dir)
		rl := New(first, Policy{Limit: 2, Window: time.Minute}, WithClock(clock.Now))
		rl.Allow(ctx, "c")
		rl.Allow(ctx, "c")

		second, _ := NewFileStore(dir)
		rl2 := New(second, Policy{Limit: 2, Window: time.Minute}, WithClock(clock.Now))
		if rl2.Allow(ctx, "c") {
			t.Error("window should be shared through the directory")
		}
	})

	t.Run("concurrent updates admit exactly the limit", func(t *testing.T) {
		store, _ := NewFileStore(t.TempDir())
		clock := newFakeClock()
		rl := New(store, DefaultPolicy(), WithClock(clock.Now))

		var admitted atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if rl.Allow(ctx, "racer") {
					admitted.Add(1)
				}
			}()
		}
		wg.Wait()

		if got := admitted.Load(); got != 10 {
			t.Errorf("admitted = %d, want 10", got)
		}
	})

	t.Run("cancelled context is rejected", func(t *testing.T) {
		store, _ := NewFileStore(t.TempDir())
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := store.Update(cctx, "k", func(s []int64) ([]int64, bool) { return s, true })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Update() error = %v, want context.Canceled", err)
		}
	})
}

// mockKV is an in-memory implementation of KV for testing.
type mockKV struct {
	mu       sync.Mutex
	data     map[string]string
	revs     map[string]int64
	revision int64

	// conflicts makes the next N swaps fail as if another writer won.
	conflicts int
	getErr    error
	closed    bool
}

func newMockKV() *mockKV {
	return &mockKV{data: make(map[string]string), revs: make(map[string]int64)}
}

func (m *mockKV) Get(_ context.Context, key string) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", 0, m.getErr
	}
	return m.data[key], m.revs[key], nil
}

func (m *mockKV) CompareAndSwap(_ context.Context, key string, revision int64, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conflicts > 0 {
		m.conflicts--
		m.revision++
		m.revs[key] = m.revision
		return false, nil
	}
	if m.revs[key] != revision {
		return false, nil
	}
	if value == "" {
		delete(m.data, key)
		delete(m.revs, key)
		return true, nil
	}
	m.revision++
	m.data[key] = value
	m.revs[key] = m.revision
	return true, nil
}

func (m *mockKV) Close() error {
	m.closed = true
	return nil
}

func TestEtcdStore(t *testing.T) {
	ctx := context.Background()

	t.Run("stores windows under the prefix", func(t *testing.T) {
		kv := newMockKV()
		clock := newFakeClock()
		rl := New(NewEtcdStore(kv, WithKeyPrefix("test/")), DefaultPolicy(), WithClock(clock.Now))

		rl.Allow(ctx, "10.0.0.9")

		got := kv.data["test/"+Key("10.0.0.9")]
		if got != fmt.Sprint(clock.Now().Unix()) {
			t.Errorf("stored value = %q", got)
		}
	})

	t.Run("retries after losing a swap", func(t *testing.T) {
		kv := newMockKV()
		kv.conflicts = 2
		store := NewEtcdStore(kv)

		err := store.Update(ctx, "k", func(s []int64) ([]int64, bool) {
			return append(s, 42), true
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if v := kv.data["chatrelay/ratelimit/k"]; v != "42" {
			t.Errorf("stored value = %q, want 42", v)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		kv := newMockKV()
		kv.conflicts = 100
		store := NewEtcdStore(kv, WithMaxAttempts(3))

		err := store.Update(ctx, "k", func(s []int64) ([]int64, bool) { return []int64{1}, true })
		if !errors.Is(err, ErrContention) {
			t.Errorf("Update() error = %v, want ErrContention", err)
		}
	})

	t.Run("empty window deletes the key", func(t *testing.T) {
		kv := newMockKV()
		kv.data["chatrelay/ratelimit/k"] = "1"
		kv.revision = 1
		kv.revs["chatrelay/ratelimit/k"] = 1
		store := NewEtcdStore(kv)

		err := store.Update(ctx, "k", func([]int64) ([]int64, bool) { return nil, true })
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if _, ok := kv.data["chatrelay/ratelimit/k"]; ok {
			t.Error("key should be deleted")
		}
	})

	t.Run("get failure surfaces as store error", func(t *testing.T) {
		kv := newMockKV()
		kv.getErr = errors.New("connection refused")
		rl := New(NewEtcdStore(kv), DefaultPolicy(), WithFailurePolicy(FailClosed))

		d, err := rl.Check(ctx, "c")
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Errorf("Check() error = %v", err)
		}
		if d.Allowed {
			t.Error("fail closed should reject")
		}
	})

	t.Run("close closes the client", func(t *testing.T) {
		kv := newMockKV()
		_ = NewEtcdStore(kv).Close()
		if !kv.closed {
			t.Error("Close() did not close the client")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("a slow update does not block other keys", func(t *testing.T) {
		store := NewMemoryStore()
		other := "b"
		for i := 0; store.stripes.lock(other) == store.stripes.lock("a"); i++ {
			other = fmt.Sprintf("b%d", i)
		}

		release := make(chan struct{})
		entered := make(chan struct{})
		go func() {
			_ = store.Update(ctx, "a", func(s []int64) ([]int64, bool) {
				close(entered)
				<-release
				return append(s, 1), true
			})
		}()
		<-entered
		defer close(release)

		done := make(chan error, 1)
		go func() {
			done <- store.Update(ctx, other, func(s []int64) ([]int64, bool) {
				return append(s, 2), true
			})
		}()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("update for another key waited on a held key")
		}
	})

	t.Run("empty window removes the key", func(t *testing.T) {
		store := NewMemoryStore()
		_ = store.Update(ctx, "k", func(s []int64) ([]int64, bool) { return []int64{1}, true })
		_ = store.Update(ctx, "k", func([]int64) ([]int64, bool) { return nil, true })
		if store.Len() != 0 {
			t.Errorf("Len() = %d, want 0", store.Len())
		}
	})
}
