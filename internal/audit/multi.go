package audit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Multi writes every entry to all of its sinks concurrently. One failing
// sink does not stop the others.
type Multi []Sink

// Write implements Sink. The returned error joins every sink failure.
func (m Multi) Write(ctx context.Context, e Entry) error {
	if len(m) == 1 {
		return m[0].Write(ctx, e)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, s := range m {
		g.Go(func() error {
			if err := s.Write(ctx, e); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every sink.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
