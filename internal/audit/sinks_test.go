package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logs", "requests.log")

	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	l := NewLogger(sink)

	l.Record(ctx, Entry{TS: 1, IP: "a", Message: "hi", Status: StatusSuccess, Extra: map[string]any{"model": "gpt-x"}})
	l.Record(ctx, Entry{TS: 2, IP: "b", Status: StatusRateLimited})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	for _, key := range []string{"ts", "ip", "message", "status", "extra"} {
		if _, ok := first[key]; !ok {
			t.Errorf("entry missing %q: %s", key, lines[0])
		}
	}

	if err := sink.Write(ctx, Entry{}); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Write() after Close = %v, want os.ErrClosed", err)
	}
}

func TestFileSinkConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.log")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sink.Write(context.Background(), Entry{Message: strings.Repeat("x", 1000), Status: StatusSuccess})
		}()
	}
	wg.Wait()

	entries, err := ReadFile(path, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 50 {
		t.Errorf("parsed %d entries, want 50 intact lines", len(entries))
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requests.log")
	content := `{"ts":1,"ip":"a","message":"","status":"success","extra":{}}
not json
{"ts":2,"ip":"a","message":"","status":"rate_limited","extra":{}}
{"ts":3,"ip":"b","message":"","status":"success","extra":{}}
{"ts":4,"ip":"c","message":"","status":"success","extra":{}}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []int64
	}{
		{name: "all", filter: Filter{}, want: []int64{1, 2, 3, 4}},
		{name: "status", filter: Filter{Status: StatusSuccess}, want: []int64{1, 3, 4}},
		{name: "tail", filter: Filter{Tail: 2}, want: []int64{3, 4}},
		{name: "status and tail", filter: Filter{Status: StatusSuccess, Tail: 1}, want: []int64{4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := ReadFile(path, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(entries), len(tt.want))
			}
			for i, e := range entries {
				if e.TS != tt.want[i] {
					t.Errorf("entry %d ts = %d, want %d", i, e.TS, tt.want[i])
				}
			}
		})
	}

	entries, err := ReadFile(filepath.Join(t.TempDir(), "missing.log"), Filter{})
	if err != nil || entries != nil {
		t.Errorf("missing file = %v, %v; want nil, nil", entries, err)
	}
}

func TestReadFileLongLines(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "requests.log")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Control characters escape to six bytes each, well past any fixed
	// line buffer.
	raw := strings.Repeat("\x01", 1<<20)
	entries := []Entry{
		{TS: 1, Status: StatusInvalidProcessResponse, Extra: map[string]any{"raw": raw, "stderr": raw}},
		{TS: 2, Status: StatusSuccess, Extra: map[string]any{}},
	}
	for _, e := range entries {
		if err := sink.Write(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	_ = sink.Close()
	// A final line without a trailing newline is still read.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"ts":3,"ip":"","message":"","status":"success","extra":{}}`)
	_ = f.Close()

	got, err := ReadFile(path, Filter{})
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(got) != 3 || got[0].TS != 1 || got[2].TS != 3 {
		t.Fatalf("ReadFile() returned %d entries", len(got))
	}
	if got[0].Extra["raw"] != raw {
		t.Error("long raw output was not read back intact")
	}
}

func TestSQLiteSink(t *testing.T) {
	ctx := context.Background()
	sink, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer sink.Close()

	l := NewLogger(sink)
	l.Record(ctx, Entry{IP: "a", Status: StatusSuccess, Extra: map[string]any{"model": "m"}})
	l.Record(ctx, Entry{IP: "a", Status: StatusProcessError})
	l.Record(ctx, Entry{IP: "b", Status: StatusSuccess})

	total, err := sink.Count(ctx, "")
	if err != nil || total != 3 {
		t.Errorf("Count(all) = %d, %v; want 3", total, err)
	}
	ok, _ := sink.Count(ctx, StatusSuccess)
	if ok != 2 {
		t.Errorf("Count(success) = %d, want 2", ok)
	}
}

// mockPublisher implements Publisher for testing.
type mockPublisher struct {
	subject string
	data    [][]byte
	err     error
	drained bool
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	m.subject = subject
	m.data = append(m.data, data)
	return nil
}

func (m *mockPublisher) Drain() error {
	m.drained = true
	return nil
}

func TestNATSSink(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes JSON on the subject", func(t *testing.T) {
		pub := &mockPublisher{}
		sink := NewNATSSink(pub, "")

		if err := sink.Write(ctx, Entry{TS: 9, Status: StatusWorkerTimeout}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if pub.subject != DefaultSubject {
			t.Errorf("subject = %q, want %q", pub.subject, DefaultSubject)
		}
		var e Entry
		if err := json.Unmarshal(pub.data[0], &e); err != nil || e.Status != StatusWorkerTimeout {
			t.Errorf("published %s (%v)", pub.data[0], err)
		}

		_ = sink.Close()
		if !pub.drained {
			t.Error("Close() should drain the connection")
		}
	})

	t.Run("publish failure is returned", func(t *testing.T) {
		sink := NewNATSSink(&mockPublisher{err: errors.New("nats: connection closed")}, "audit")
		if err := sink.Write(ctx, Entry{}); err == nil {
			t.Error("expected error")
		}
	})
}
