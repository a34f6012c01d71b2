package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit/store"
)

// SlidingWindowLimiter implements the sliding window rate limiting
// algorithm. It keeps the exact timestamps of granted requests inside the
// trailing window, so the budget is enforced at any instant rather than at
// slot boundaries.
type SlidingWindowLimiter struct {
	store  store.Store
	config Config
	logger *zap.Logger
}

// NewSlidingWindowLimiter creates a new sliding window rate limiter.
func NewSlidingWindowLimiter(s store.Store, config Config, logger *zap.Logger) *SlidingWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SlidingWindowLimiter{
		store:  s,
		config: config,
		logger: logger,
	}
}

// Allow implements Limiter.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, identifier string) (*Result, error) {
	return l.AllowN(ctx, identifier, 1)
}

// AllowN implements Limiter. The admission write is a compare-and-swap
// against the state read at the start of the attempt; a concurrent check
// on the same identifier makes the swap fail and the attempt restarts on
// fresh state.
func (l *SlidingWindowLimiter) AllowN(ctx context.Context, identifier string, weight int) (*Result, error) {
	if weight <= 0 {
		weight = 1
	}

	key := stateKey(identifier, AlgorithmSlidingWindow)

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		now := time.Now()

		raw, filtered, err := l.loadWindow(ctx, key, now)
		if err != nil {
			return nil, err
		}

		currentCount := len(filtered)

		if currentCount+weight > l.config.MaxRequests {
			remaining := l.config.MaxRequests - currentCount
			if remaining < 0 {
				remaining = 0
			}

			// When the window is empty the rejection has no oldest entry to
			// anchor the reset on: the weight alone exceeds the budget.
			resetAt := now
			var retryAfter time.Duration
			if currentCount > 0 {
				resetAt = time.UnixMilli(filtered[0]).Add(l.config.Window)
				retryAfter = resetAt.Sub(now)
				if retryAfter < 0 {
					retryAfter = 0
				}
			}

			return &Result{
				Allowed:    false,
				Kind:       KindBlocked,
				Limit:      l.config.MaxRequests,
				Remaining:  remaining,
				ResetAt:    resetAt,
				RetryAfter: retryAfter,
			}, nil
		}

		nowMs := now.UnixMilli()
		for i := 0; i < weight; i++ {
			filtered = append(filtered, nowMs)
		}

		data, err := encodeState(&slidingWindowState{TimestampsMs: filtered})
		if err != nil {
			return nil, err
		}

		swapped, err := l.store.CompareAndSwap(ctx, key, raw, data, l.config.Window)
		if err != nil {
			return nil, err
		}
		if swapped {
			return &Result{
				Allowed:   true,
				Kind:      KindAllowed,
				Limit:     l.config.MaxRequests,
				Remaining: l.config.MaxRequests - (currentCount + weight),
				ResetAt:   now.Add(l.config.Window),
			}, nil
		}
	}

	return nil, fmt.Errorf("sliding window %q: %w", key, errUpdateContention)
}

// Info implements Limiter.
func (l *SlidingWindowLimiter) Info(ctx context.Context, identifier string) (*Info, error) {
	now := time.Now()
	key := stateKey(identifier, AlgorithmSlidingWindow)

	_, filtered, err := l.loadWindow(ctx, key, now)
	if err != nil {
		return nil, err
	}

	remaining := l.config.MaxRequests - len(filtered)
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(l.config.Window)
	if len(filtered) > 0 {
		resetAt = time.UnixMilli(filtered[0]).Add(l.config.Window)
	}

	return &Info{
		Algorithm: AlgorithmSlidingWindow,
		Used:      float64(len(filtered)),
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Reset implements Limiter.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, identifier string) error {
	return l.store.Delete(ctx, stateKey(identifier, AlgorithmSlidingWindow))
}

// loadWindow reads the stored timestamps and drops those outside the
// trailing window. The result preserves the stored ascending order. The
// raw stored bytes come back alongside so the caller can swap against the
// exact state it decided on; nil raw means the key was absent.
func (l *SlidingWindowLimiter) loadWindow(ctx context.Context, key string, now time.Time) ([]byte, []int64, error) {
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		if store.IsKeyNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var state slidingWindowState
	if err := decodeState(raw, &state); err != nil {
		l.logger.Warn("malformed sliding window state, treating as empty",
			zap.String("key", key),
			zap.Error(err),
		)
		return raw, nil, nil
	}

	windowStartMs := now.Add(-l.config.Window).UnixMilli()
	filtered := make([]int64, 0, len(state.TimestampsMs))
	for _, ts := range state.TimestampsMs {
		if ts > windowStartMs {
			filtered = append(filtered, ts)
		}
	}

	return raw, filtered, nil
}
