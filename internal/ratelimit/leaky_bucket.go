package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit/store"
)

// LeakyBucketLimiter implements the leaky bucket rate limiting algorithm.
// Each admitted request raises the bucket level by its weight; the level
// drains continuously at the configured leak rate. A request that would
// raise the level above MaxRequests is throttled.
type LeakyBucketLimiter struct {
	store  store.Store
	config Config
	logger *zap.Logger
}

// NewLeakyBucketLimiter creates a new leaky bucket rate limiter.
func NewLeakyBucketLimiter(s store.Store, config Config, logger *zap.Logger) *LeakyBucketLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LeakyBucketLimiter{
		store:  s,
		config: config,
		logger: logger,
	}
}

// Allow implements Limiter.
func (l *LeakyBucketLimiter) Allow(ctx context.Context, identifier string) (*Result, error) {
	return l.AllowN(ctx, identifier, 1)
}

// AllowN implements Limiter. The level update is a compare-and-swap
// against the state read at the start of the attempt; losing the swap race
// to a concurrent check restarts the attempt on fresh state.
func (l *LeakyBucketLimiter) AllowN(ctx context.Context, identifier string, weight int) (*Result, error) {
	if weight <= 0 {
		weight = 1
	}

	key := stateKey(identifier, AlgorithmLeakyBucket)
	maxLevel := float64(l.config.MaxRequests)
	leakRate := l.config.leakRate()

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		now := time.Now()

		raw, current, err := l.currentLevel(ctx, key, now)
		if err != nil {
			return nil, err
		}

		if current+float64(weight) > maxLevel {
			overflow := float64(weight) - (maxLevel - current)
			waitSec := math.Ceil(overflow / leakRate)
			retryAfter := time.Duration(waitSec) * time.Second

			remaining := l.config.MaxRequests - int(math.Floor(current))
			if remaining < 0 {
				remaining = 0
			}

			return &Result{
				Allowed:    false,
				Kind:       KindThrottled,
				Limit:      l.config.MaxRequests,
				Remaining:  remaining,
				ResetAt:    now.Add(retryAfter),
				RetryAfter: retryAfter,
			}, nil
		}

		data, err := encodeState(&leakyBucketState{
			Level:       current + float64(weight),
			LastDrainMs: now.UnixMilli(),
		})
		if err != nil {
			return nil, err
		}

		swapped, err := l.store.CompareAndSwap(ctx, key, raw, data, 2*l.config.Window)
		if err != nil {
			return nil, err
		}
		if swapped {
			return &Result{
				Allowed:   true,
				Kind:      KindAllowed,
				Limit:     l.config.MaxRequests,
				Remaining: l.config.MaxRequests - int(math.Floor(current+float64(weight))),
				ResetAt:   now.Add(l.config.Window),
			}, nil
		}
	}

	return nil, fmt.Errorf("leaky bucket %q: %w", key, errUpdateContention)
}

// Info implements Limiter.
func (l *LeakyBucketLimiter) Info(ctx context.Context, identifier string) (*Info, error) {
	now := time.Now()
	key := stateKey(identifier, AlgorithmLeakyBucket)

	_, current, err := l.currentLevel(ctx, key, now)
	if err != nil {
		return nil, err
	}

	remaining := l.config.MaxRequests - int(math.Floor(current))
	if remaining < 0 {
		remaining = 0
	}

	return &Info{
		Algorithm: AlgorithmLeakyBucket,
		Used:      current,
		Remaining: remaining,
		ResetAt:   now.Add(l.config.Window),
	}, nil
}

// Reset implements Limiter.
func (l *LeakyBucketLimiter) Reset(ctx context.Context, identifier string) error {
	return l.store.Delete(ctx, stateKey(identifier, AlgorithmLeakyBucket))
}

// currentLevel loads the bucket state and applies the drain for the elapsed
// time without persisting it. An absent bucket is empty. The raw stored
// bytes come back alongside for the caller's swap; nil raw means the key
// was absent.
func (l *LeakyBucketLimiter) currentLevel(ctx context.Context, key string, now time.Time) ([]byte, float64, error) {
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		if store.IsKeyNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var state leakyBucketState
	if err := decodeState(raw, &state); err != nil {
		l.logger.Warn("malformed leaky bucket state, treating as empty",
			zap.String("key", key),
			zap.Error(err),
		)
		return raw, 0, nil
	}

	elapsedMs := now.UnixMilli() - state.LastDrainMs
	if elapsedMs < 0 {
		elapsedMs = 0
	}

	leaked := math.Min(state.Level, float64(elapsedMs)*l.config.leakRate()/1000.0)
	return raw, state.Level - leaked, nil
}
