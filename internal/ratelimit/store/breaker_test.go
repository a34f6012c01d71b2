package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore always reports the backend as unreachable.
type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, &UnavailableError{Op: "get", Err: errors.New("connection refused")}
}

func (failingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return &UnavailableError{Op: "set", Err: errors.New("connection refused")}
}

func (failingStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return 0, &UnavailableError{Op: "increment", Err: errors.New("connection refused")}
}

func (failingStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return 0, &UnavailableError{Op: "increment_with_expiry", Err: errors.New("connection refused")}
}

func (failingStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	return false, &UnavailableError{Op: "compare_and_swap", Err: errors.New("connection refused")}
}

func (failingStore) Delete(ctx context.Context, key string) error {
	return &UnavailableError{Op: "delete", Err: errors.New("connection refused")}
}

func (failingStore) Exists(ctx context.Context, key string) (bool, error) {
	return false, &UnavailableError{Op: "exists", Err: errors.New("connection refused")}
}

func (failingStore) Close() error { return nil }

func TestBreakerStore_PassThrough(t *testing.T) {
	inner := NewMemoryStore()
	defer inner.Close()

	s := NewBreakerStore(inner, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key", []byte("value"), 0))

	val, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)

	n, err := s.Increment(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	exists, err := s.Exists(ctx, "key")
	require.NoError(t, err)
	assert.True(t, exists)

	swapped, err := s.CompareAndSwap(ctx, "key", []byte("value"), []byte("swapped"), 0)
	require.NoError(t, err)
	assert.True(t, swapped)

	assert.Equal(t, gobreaker.StateClosed, s.State())
}

func TestBreakerStore_KeyNotFoundIsNotAFailure(t *testing.T) {
	inner := NewMemoryStore()
	defer inner.Close()

	config := DefaultBreakerConfig()
	config.MinRequests = 3

	s := NewBreakerStore(inner, config)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := s.Get(ctx, "missing")
		assert.True(t, IsKeyNotFound(err))
	}

	assert.Equal(t, gobreaker.StateClosed, s.State(), "missing keys must not trip the breaker")
}

func TestBreakerStore_TripsOnRepeatedFailure(t *testing.T) {
	config := DefaultBreakerConfig()
	config.MinRequests = 5

	s := NewBreakerStore(failingStore{}, config)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = s.Get(ctx, "key")
	}

	assert.Equal(t, gobreaker.StateOpen, s.State())

	// Open breaker short-circuits without calling the backend
	_, err := s.Get(ctx, "key")
	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreakerStore_RecoversAfterTimeout(t *testing.T) {
	config := DefaultBreakerConfig()
	config.MinRequests = 2
	config.Timeout = 20 * time.Millisecond

	inner := NewMemoryStore()
	defer inner.Close()

	flaky := &switchableStore{inner: failingStore{}}
	s := NewBreakerStore(flaky, config)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = s.Get(ctx, "key")
	}
	require.Equal(t, gobreaker.StateOpen, s.State())

	// Backend recovers; breaker probes after its timeout
	flaky.inner = inner
	require.NoError(t, inner.Set(ctx, "key", []byte("value"), 0))

	time.Sleep(30 * time.Millisecond)

	val, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

// switchableStore delegates to a swappable inner store.
type switchableStore struct {
	inner Store
}

func (s *switchableStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, key)
}

func (s *switchableStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.inner.Set(ctx, key, value, ttl)
}

func (s *switchableStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return s.inner.Increment(ctx, key, delta)
}

func (s *switchableStore) IncrementWithExpiry(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.inner.IncrementWithExpiry(ctx, key, delta, ttl)
}

func (s *switchableStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	return s.inner.CompareAndSwap(ctx, key, old, next, ttl)
}

func (s *switchableStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *switchableStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.inner.Exists(ctx, key)
}

func (s *switchableStore) Close() error { return s.inner.Close() }
