package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeakyBucketLimiter_ConcurrentAdmission(t *testing.T) {
	limiter := NewLeakyBucketLimiter(newMemoryStore(t), Config{
		Algorithm:   AlgorithmLeakyBucket,
		MaxRequests: 5,
		Window:      time.Minute,
		LeakRate:    0.001, // effectively no drain within the test
	}, nil)

	ctx := context.Background()

	const attempts = 25
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Allow(ctx, "client-1")
			if assert.NoError(t, err) && result.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), admitted.Load(),
		"concurrent checks on one identifier must not overfill the bucket")
}

func TestLeakyBucketLimiter_FillThenThrottle(t *testing.T) {
	limiter := NewLeakyBucketLimiter(newMemoryStore(t), Config{
		Algorithm:   AlgorithmLeakyBucket,
		MaxRequests: 3,
		Window:      time.Minute,
		LeakRate:    0.001, // effectively no drain within the test
	}, nil)

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Allow(ctx, "client-1")
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3-(i+1), result.Remaining)
	}

	result, err := limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, KindThrottled, result.Kind)
	assert.Equal(t, 0, result.Remaining)
	assert.GreaterOrEqual(t, result.RetryAfterSeconds(), 1)
	assert.True(t, result.ResetAt.After(time.Now()))
}

func TestLeakyBucketLimiter_Drain(t *testing.T) {
	// 100 units per second drains one unit in 10ms
	limiter := NewLeakyBucketLimiter(newMemoryStore(t), Config{
		Algorithm:   AlgorithmLeakyBucket,
		MaxRequests: 2,
		Window:      time.Second,
		LeakRate:    100,
	}, nil)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := limiter.Allow(ctx, "client-1")
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	result, err := limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	require.False(t, result.Allowed)

	time.Sleep(30 * time.Millisecond)

	result, err = limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, result.Allowed, "the drained bucket admits again")
}

func TestLeakyBucketLimiter_LeakRateDefault(t *testing.T) {
	// Default drain is MaxRequests/60 per second
	limiter := NewLeakyBucketLimiter(newMemoryStore(t), Config{
		Algorithm:   AlgorithmLeakyBucket,
		MaxRequests: 2,
		Window:      time.Second,
	}, nil)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := limiter.Allow(ctx, "client-1")
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	result, err := limiter.Allow(ctx, "client-1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	// Draining one unit at 2/60 per second takes 30 seconds
	assert.Equal(t, 30, result.RetryAfterSeconds())
}

func TestLeakyBucketLimiter_Weight(t *testing.T) {
	limiter := NewLeakyBucketLimiter(newMemoryStore(t), Config{
		Algorithm:   AlgorithmLeakyBucket,
		MaxRequests: 5,
		Window:      time.Minute,
		LeakRate:    0.001,
	}, nil)

	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "client-1", 4)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)

	result, err = limiter.AllowN(ctx, "client-1", 2)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestLeakyBucketLimiter_Reset(t *testing.T) {
	limiter := NewLeakyBucketLimiter(newMemoryStore(t), Config{
		Algorithm:   AlgorithmLeakyBucket,
		MaxRequests: 2,
		Window:      time.Minute,
		LeakRate:    0.001,
	}, nil)

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := limiter.Allow(ctx, "client-1")
		require.NoError(t, err)
	}

	require.NoError(t, limiter.Reset(ctx, "client-1"))

	result, err := limiter.AllowN(ctx, "client-1", 2)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "a reset bucket starts empty again")
}

func TestLeakyBucketLimiter_Info(t *testing.T) {
	limiter := NewLeakyBucketLimiter(newMemoryStore(t), Config{
		Algorithm:   AlgorithmLeakyBucket,
		MaxRequests: 4,
		Window:      time.Minute,
		LeakRate:    0.001,
	}, nil)

	ctx := context.Background()

	info, err := limiter.Info(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, float64(0), info.Used, "an absent bucket is empty")
	assert.Equal(t, 4, info.Remaining)

	_, err = limiter.AllowN(ctx, "client-1", 3)
	require.NoError(t, err)

	info, err = limiter.Info(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Remaining)
	assert.InDelta(t, 3.0, info.Used, 0.01)
}
