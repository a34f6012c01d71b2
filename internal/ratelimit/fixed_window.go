package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit/store"
)

// FixedWindowLimiter implements the fixed window rate limiting algorithm.
// Time is divided into fixed slots of Window length; each slot carries its
// own counter that self-expires with the window.
//
// A burst of MaxRequests just before a window boundary followed by another
// full burst right after it is permitted. That is the accepted trade-off of
// the fixed window design, not a defect.
type FixedWindowLimiter struct {
	store  store.Store
	config Config
	logger *zap.Logger
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
func NewFixedWindowLimiter(s store.Store, config Config, logger *zap.Logger) *FixedWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FixedWindowLimiter{
		store:  s,
		config: config,
		logger: logger,
	}
}

// Allow implements Limiter.
func (l *FixedWindowLimiter) Allow(ctx context.Context, identifier string) (*Result, error) {
	return l.AllowN(ctx, identifier, 1)
}

// AllowN implements Limiter.
func (l *FixedWindowLimiter) AllowN(ctx context.Context, identifier string, weight int) (*Result, error) {
	if weight <= 0 {
		weight = 1
	}

	now := time.Now()
	windowStartMs := l.windowStartMs(now)
	key := fixedWindowKey(identifier, windowStartMs)
	resetAt := time.UnixMilli(windowStartMs + l.config.Window.Milliseconds())

	// The post-increment value is authoritative under concurrent checks:
	// the atomic increment both reserves the weight and reveals whether it
	// fits. A reservation that overshoots is released again so rejected
	// requests never consume budget. The ttl lets stale window keys
	// self-expire.
	newCount, err := l.store.IncrementWithExpiry(ctx, key, int64(weight), l.config.Window)
	if err != nil {
		return nil, err
	}

	if int(newCount) > l.config.MaxRequests {
		if _, err := l.store.Increment(ctx, key, -int64(weight)); err != nil {
			l.logger.Warn("failed to release rejected window weight",
				zap.String("key", key),
				zap.Error(err),
			)
		}

		remaining := l.config.MaxRequests - (int(newCount) - weight)
		if remaining < 0 {
			remaining = 0
		}

		retryAfter := resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
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

	remaining := l.config.MaxRequests - int(newCount)
	if remaining < 0 {
		remaining = 0
	}

	return &Result{
		Allowed:   true,
		Kind:      KindAllowed,
		Limit:     l.config.MaxRequests,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Info implements Limiter.
func (l *FixedWindowLimiter) Info(ctx context.Context, identifier string) (*Info, error) {
	now := time.Now()
	windowStartMs := l.windowStartMs(now)
	key := fixedWindowKey(identifier, windowStartMs)

	count, err := l.currentCount(ctx, key)
	if err != nil {
		return nil, err
	}

	remaining := l.config.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return &Info{
		Algorithm: AlgorithmFixedWindow,
		Used:      float64(count),
		Remaining: remaining,
		ResetAt:   time.UnixMilli(windowStartMs + l.config.Window.Milliseconds()),
	}, nil
}

// Reset implements Limiter. It deletes the counter of the active window.
func (l *FixedWindowLimiter) Reset(ctx context.Context, identifier string) error {
	key := fixedWindowKey(identifier, l.windowStartMs(time.Now()))
	return l.store.Delete(ctx, key)
}

// windowStartMs returns the start of the window slot containing t.
func (l *FixedWindowLimiter) windowStartMs(t time.Time) int64 {
	windowMs := l.config.Window.Milliseconds()
	return t.UnixMilli() / windowMs * windowMs
}

// currentCount reads the counter for a window key; absent means zero.
func (l *FixedWindowLimiter) currentCount(ctx context.Context, key string) (int64, error) {
	raw, err := l.store.Get(ctx, key)
	if err != nil {
		if store.IsKeyNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	count, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		l.logger.Warn("malformed window counter, treating as empty",
			zap.String("key", key),
			zap.Error(err),
		)
		return 0, nil
	}

	return count, nil
}
