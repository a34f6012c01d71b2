package ratelimit

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit/store"
)

// Interface checks for all strategies.
var (
	_ Limiter = (*FixedWindowLimiter)(nil)
	_ Limiter = (*SlidingWindowLimiter)(nil)
	_ Limiter = (*TokenBucketLimiter)(nil)
	_ Limiter = (*LeakyBucketLimiter)(nil)
)

// New creates the limiter named by the configuration, bound to the given
// counter store. The configuration is validated first; an invalid or
// unknown configuration never produces a partially working limiter.
func New(config Config, s store.Store, logger *zap.Logger) (Limiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Algorithm {
	case AlgorithmFixedWindow:
		return NewFixedWindowLimiter(s, config, logger), nil
	case AlgorithmSlidingWindow:
		return NewSlidingWindowLimiter(s, config, logger), nil
	case AlgorithmTokenBucket:
		return NewTokenBucketLimiter(s, config, logger), nil
	case AlgorithmLeakyBucket:
		return NewLeakyBucketLimiter(s, config, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, config.Algorithm)
	}
}
