package ratelimit

import (
	"context"
	"sync"
)

// MemoryStore keeps windows in process memory. Updates for one key are
// serialised by a striped mutex; the map lock is only held for lookups.
type MemoryStore struct {
	stripes stripes

	mu      sync.RWMutex
	windows map[string][]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string][]int64)}
}

// Update runs fn under the lock for key.
func (s *MemoryStore) Update(_ context.Context, key string, fn func([]int64) ([]int64, bool)) error {
	stripe := s.stripes.lock(key)
	stripe.Lock()
	defer stripe.Unlock()

	s.mu.RLock()
	current := append([]int64(nil), s.windows[key]...)
	s.mu.RUnlock()

	next, changed := fn(current)
	if !changed {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(next) == 0 {
		delete(s.windows, key)
		return nil
	}
	s.windows[key] = next
	return nil
}

// Len returns the number of identities with a non-empty window.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
