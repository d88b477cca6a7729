package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// KV is the subset of etcd operations needed by EtcdStore.
// This abstracts the actual etcd client library.
type KV interface {
	// Get returns the value and mod revision of key. A missing key yields
	// an empty value and revision 0.
	Get(ctx context.Context, key string) (string, int64, error)

	// CompareAndSwap writes value if key is still at revision. An empty
	// value deletes the key. It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, revision int64, value string) (bool, error)

	Close() error
}

// EtcdStore keeps windows in etcd so several relay instances share limits.
// Each update is an optimistic read-modify-write guarded by the key's mod
// revision.
type EtcdStore struct {
	kv          KV
	prefix      string
	maxAttempts int
}

// EtcdStoreOption configures an EtcdStore.
type EtcdStoreOption func(*EtcdStore)

// WithKeyPrefix sets the prefix for window keys.
func WithKeyPrefix(prefix string) EtcdStoreOption {
	return func(s *EtcdStore) { s.prefix = prefix }
}

// WithMaxAttempts bounds the number of compare-and-swap retries.
func WithMaxAttempts(n int) EtcdStoreOption {
	return func(s *EtcdStore) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// ErrContention is returned when every compare-and-swap attempt lost a race.
var ErrContention = errors.New("rate limit window contended")

// NewEtcdStore creates an etcd-backed store.
func NewEtcdStore(kv KV, opts ...EtcdStoreOption) *EtcdStore {
	s := &EtcdStore{
		kv:          kv,
		prefix:      "chatrelay/ratelimit/",
		maxAttempts: 8,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update retries the read-modify-write until the swap succeeds.
func (s *EtcdStore) Update(ctx context.Context, key string, fn func([]int64) ([]int64, bool)) error {
	fullKey := s.prefix + key
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		value, rev, err := s.kv.Get(ctx, fullKey)
		if err != nil {
			return fmt.Errorf("etcd get: %w", err)
		}

		next, changed := fn(decodeStamps(value))
		if !changed {
			return nil
		}

		ok, err := s.kv.CompareAndSwap(ctx, fullKey, rev, encodeStamps(next))
		if err != nil {
			return fmt.Errorf("etcd txn: %w", err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrContention, key, s.maxAttempts)
}

// Close closes the etcd client.
func (s *EtcdStore) Close() error {
	return s.kv.Close()
}

// etcdKV adapts a clientv3.Client to KV.
type etcdKV struct {
	client *clientv3.Client
}

// DialEtcd connects to the given endpoints.
func DialEtcd(endpoints []string, dialTimeout time.Duration) (KV, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return &etcdKV{client: client}, nil
}

func (e *etcdKV) Get(ctx context.Context, key string) (string, int64, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", 0, err
	}
	if len(resp.Kvs) == 0 {
		return "", 0, nil
	}
	kv := resp.Kvs[0]
	return string(kv.Value), kv.ModRevision, nil
}

func (e *etcdKV) CompareAndSwap(ctx context.Context, key string, revision int64, value string) (bool, error) {
	op := clientv3.OpPut(key, value)
	if value == "" {
		op = clientv3.OpDelete(key)
	}
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", revision)).
		Then(op).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (e *etcdKV) Close() error {
	return e.client.Close()
}
