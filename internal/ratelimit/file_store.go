package ratelimit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const fileStorePrefix = "chatrelay_rate_"

// FileStore keeps one small file per key under a directory. Each file holds a
// comma-separated list of timestamps.
//
// Updates are serialised within the process by a striped mutex and across
// processes by an advisory lock on the file.
type FileStore struct {
	dir     string
	stripes stripes
}

// NewFileStore creates a file store rooted at dir, creating it if needed.
// An empty dir means the OS temp directory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create rate limit dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file backing key.
func (s *FileStore) Path(key string) string {
	return filepath.Join(s.dir, fileStorePrefix+key)
}

// Update reads, transforms and rewrites the file for key under lock.
func (s *FileStore) Update(ctx context.Context, key string, fn func([]int64) ([]int64, bool)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := s.stripes.lock(key)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(s.Path(key), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open window file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := lockFile(f); err != nil {
		return fmt.Errorf("lock window file: %w", err)
	}
	defer func() { _ = unlockFile(f) }()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read window file: %w", err)
	}

	next, changed := fn(decodeStamps(string(data)))
	if !changed {
		return nil
	}

	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate window file: %w", err)
	}
	if _, err := f.WriteAt([]byte(encodeStamps(next)), 0); err != nil {
		return fmt.Errorf("write window file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
