package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	config := DefaultRedisConfig()
	config.Address = mr.Addr()
	config.ConnectionRetries = 1

	s, err := NewRedisStore(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestRedisStore_GetSet(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, IsKeyNotFound(err))

	require.NoError(t, s.Set(ctx, "key", []byte("value"), 0))

	val, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key", []byte("value"), 0))
	assert.True(t, mr.Exists("ratekeeper:key"))
}

func TestRedisStore_Expiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key", []byte("value"), time.Second))

	mr.FastForward(2 * time.Second)

	_, err := s.Get(ctx, "key")
	assert.True(t, IsKeyNotFound(err), "expired key should be absent")
}

func TestRedisStore_Increment(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	val, err := s.Increment(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)

	val, err = s.Increment(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), val)
}

func TestRedisStore_IncrementWithExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	val, err := s.IncrementWithExpiry(ctx, "counter", 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	// Subsequent increments keep the original ttl
	val, err = s.IncrementWithExpiry(ctx, "counter", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	mr.FastForward(2 * time.Second)

	_, err = s.Get(ctx, "counter")
	assert.True(t, IsKeyNotFound(err), "counter should expire with its window")
}

func TestRedisStore_CompareAndSwap(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	// A nil expectation creates the key only when absent
	swapped, err := s.CompareAndSwap(ctx, "key", nil, []byte("v1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CompareAndSwap(ctx, "key", nil, []byte("other"), time.Minute)
	require.NoError(t, err)
	assert.False(t, swapped, "create must fail once the key exists")

	// Swap succeeds only against the current value
	swapped, err = s.CompareAndSwap(ctx, "key", []byte("v1"), []byte("v2"), time.Minute)
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CompareAndSwap(ctx, "key", []byte("v1"), []byte("v3"), time.Minute)
	require.NoError(t, err)
	assert.False(t, swapped, "stale expectation must not overwrite")

	val, err := s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestRedisStore_CompareAndSwapExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	swapped, err := s.CompareAndSwap(ctx, "key", nil, []byte("v1"), time.Second)
	require.NoError(t, err)
	require.True(t, swapped)

	mr.FastForward(2 * time.Second)

	_, err = s.Get(ctx, "key")
	assert.True(t, IsKeyNotFound(err), "swapped value should expire with its ttl")

	// The expired key is absent again, so a create succeeds
	swapped, err = s.CompareAndSwap(ctx, "key", nil, []byte("v2"), time.Second)
	require.NoError(t, err)
	assert.True(t, swapped)
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "key", []byte("value"), 0))
	require.NoError(t, s.Delete(ctx, "key"))

	_, err := s.Get(ctx, "key")
	assert.True(t, IsKeyNotFound(err))

	// Idempotent
	assert.NoError(t, s.Delete(ctx, "key"))
}

func TestRedisStore_Exists(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	exists, err := s.Exists(ctx, "key")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Set(ctx, "key", []byte("value"), 0))

	exists, err = s.Exists(ctx, "key")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRedisStore_UnavailableBackend(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	mr.Close()

	_, err := s.Get(ctx, "key")
	assert.True(t, IsUnavailable(err), "backend failure should map to UnavailableError")

	err = s.Set(ctx, "key", []byte("value"), 0)
	assert.True(t, IsUnavailable(err))

	_, err = s.Increment(ctx, "key", 1)
	assert.True(t, IsUnavailable(err))
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	config := DefaultRedisConfig()
	config.Address = "127.0.0.1:1"
	config.ConnectionRetries = 2
	config.InitialBackoff = time.Millisecond
	config.DialTimeout = 100 * time.Millisecond

	_, err := NewRedisStore(config)
	assert.Error(t, err)
}

func TestRedisStore_CloseIdempotent(t *testing.T) {
	s, _ := newTestRedisStore(t)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
