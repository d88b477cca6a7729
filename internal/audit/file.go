package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFile is where the FileSink writes when nothing is configured.
const DefaultFile = "logs/requests.log"

// FileSink appends one JSON object per line to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFile opens path for appending, creating its directory on demand.
func OpenFile(path string) (*FileSink, error) {
	if path == "" {
		path = DefaultFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	return &FileSink{file: f}, nil
}

// Write appends e as a single line.
func (s *FileSink) Write(_ context.Context, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	_, err = s.file.Write(line)
	return err
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Filter selects entries when reading an audit file back.
type Filter struct {
	// Status keeps only entries with this status when set.
	Status Status
	// Tail keeps only the last Tail matching entries when positive.
	Tail int
}

// ReadFile parses an audit file. Lines that are not valid entries are
// skipped.
func ReadFile(path string, filter Filter) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	defer f.Close()

	// Lines are unbounded: a protocol error entry carries the worker's raw
	// stdout and stderr.
	var entries []Entry
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var e Entry
			if json.Unmarshal(line, &e) == nil && (filter.Status == "" || e.Status == filter.Status) {
				entries = append(entries, e)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading audit file: %w", err)
		}
	}

	if filter.Tail > 0 && len(entries) > filter.Tail {
		entries = entries[len(entries)-filter.Tail:]
	}
	return entries, nil
}
