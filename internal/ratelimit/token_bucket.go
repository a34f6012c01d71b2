package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit/store"
)

// TokenBucketLimiter implements the token bucket rate limiting algorithm.
// A fresh bucket starts full at the burst capacity; tokens refill in whole
// window steps at MaxRequests/60 tokens per step, and each request consumes
// its weight in tokens.
type TokenBucketLimiter struct {
	store  store.Store
	config Config
	logger *zap.Logger
}

// NewTokenBucketLimiter creates a new token bucket rate limiter.
func NewTokenBucketLimiter(s store.Store, config Config, logger *zap.Logger) *TokenBucketLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TokenBucketLimiter{
		store:  s,
		config: config,
		logger: logger,
	}
}

// Allow implements Limiter.
func (l *TokenBucketLimiter) Allow(ctx context.Context, identifier string) (*Result, error) {
	return l.AllowN(ctx, identifier, 1)
}

// AllowN implements Limiter. The token reservation is a compare-and-swap
// against the state read at the start of the attempt; losing the swap race
// to a concurrent check restarts the attempt on fresh state.
func (l *TokenBucketLimiter) AllowN(ctx context.Context, identifier string, weight int) (*Result, error) {
	if weight <= 0 {
		weight = 1
	}

	key := stateKey(identifier, AlgorithmTokenBucket)
	rate := l.config.refillRate()
	burst := l.config.burst()

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		now := time.Now()

		raw, available, err := l.availableTokens(ctx, key, now)
		if err != nil {
			return nil, err
		}

		if available < float64(weight) {
			waitSec := math.Ceil((float64(weight) - available) / rate)
			retryAfter := time.Duration(waitSec) * time.Second

			return &Result{
				Allowed:    false,
				Kind:       KindThrottled,
				Limit:      l.config.MaxRequests,
				Remaining:  int(math.Floor(available)),
				ResetAt:    now.Add(retryAfter),
				RetryAfter: retryAfter,
			}, nil
		}

		data, err := encodeState(&tokenBucketState{
			Tokens:       available - float64(weight),
			LastRefillMs: now.UnixMilli(),
		})
		if err != nil {
			return nil, err
		}

		swapped, err := l.store.CompareAndSwap(ctx, key, raw, data, 2*l.config.Window)
		if err != nil {
			return nil, err
		}
		if swapped {
			remaining := int(math.Floor(available - float64(weight)))
			if remaining > burst {
				remaining = burst
			}

			return &Result{
				Allowed:   true,
				Kind:      KindAllowed,
				Limit:     l.config.MaxRequests,
				Remaining: remaining,
				ResetAt:   now.Add(l.config.Window),
			}, nil
		}
	}

	return nil, fmt.Errorf("token bucket %q: %w", key, errUpdateContention)
}

// Info implements Limiter.
func (l *TokenBucketLimiter) Info(ctx context.Context, identifier string) (*Info, error) {
	now := time.Now()
	key := stateKey(identifier, AlgorithmTokenBucket)

	_, available, err := l.availableTokens(ctx, key, now)
	if err != nil {
		return nil, err
	}

	burst := l.config.burst()

	return &Info{
		Algorithm: AlgorithmTokenBucket,
		Used:      float64(burst) - available,
		Remaining: int(math.Floor(available)),
		ResetAt:   now.Add(l.config.Window),
	}, nil
}

// Reset implements Limiter.
func (l *TokenBucketLimiter) Reset(ctx context.Context, identifier string) error {
	return l.store.Delete(ctx, stateKey(identifier, AlgorithmTokenBucket))
}

// availableTokens loads the bucket state and applies the refill for the
// elapsed time without persisting it. An absent bucket is full. The raw
// stored bytes come back alongside for the caller's swap; nil raw means
// the key was absent.
func (l *TokenBucketLimiter) availableTokens(ctx context.Context, key string, now time.Time) ([]byte, float64, error) {
	burst := float64(l.config.burst())

	raw, err := l.store.Get(ctx, key)
	if err != nil {
		if store.IsKeyNotFound(err) {
			return nil, burst, nil
		}
		return nil, 0, err
	}

	var state tokenBucketState
	if err := decodeState(raw, &state); err != nil {
		l.logger.Warn("malformed token bucket state, treating as full",
			zap.String("key", key),
			zap.Error(err),
		)
		return raw, burst, nil
	}

	// Refill in whole window steps; the rate normalizes MaxRequests to a
	// per-minute budget independent of the configured window.
	elapsedMs := now.UnixMilli() - state.LastRefillMs
	if elapsedMs < 0 {
		elapsedMs = 0
	}
	steps := math.Floor(float64(elapsedMs) / float64(l.config.Window.Milliseconds()))
	tokensToAdd := steps * l.config.refillRate()

	return raw, math.Min(burst, state.Tokens+tokensToAdd), nil
}
