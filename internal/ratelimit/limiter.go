// Package ratelimit implements the admission-control algorithm engine.
// It supports fixed window, sliding window, token bucket, and leaky bucket
// strategies, all backed by a shared counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Limiter defines the interface for a rate limiting strategy bound to a
// configuration and a counter store.
type Limiter interface {
	// Allow checks if a single request is allowed for the given identifier.
	Allow(ctx context.Context, identifier string) (*Result, error)

	// AllowN checks if a request of the given weight is allowed.
	AllowN(ctx context.Context, identifier string, weight int) (*Result, error)

	// Info returns a best-effort snapshot of the current counter state
	// without mutating it.
	Info(ctx context.Context, identifier string) (*Info, error)

	// Reset deletes the stored counter state for the identifier.
	// Resetting an identifier with no state is not an error.
	Reset(ctx context.Context, identifier string) error
}

// Kind classifies the outcome of an admission check.
type Kind string

const (
	// KindAllowed indicates the request was admitted.
	KindAllowed Kind = "allowed"

	// KindBlocked indicates the request exceeded a window budget.
	KindBlocked Kind = "blocked"

	// KindThrottled indicates the request exceeded a bucket capacity and
	// may be retried after a refill or drain.
	KindThrottled Kind = "throttled"
)

// Result represents the outcome of a single admission check.
// A Result is produced fresh per evaluation and never mutated.
type Result struct {
	// Allowed indicates whether the request is admitted.
	Allowed bool

	// Kind classifies the outcome.
	Kind Kind

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAt is the instant at which the current budget resets.
	ResetAt time.Time

	// RetryAfter is the duration to wait before retrying. Zero when the
	// request is admitted.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns the retry delay in whole seconds, rounded up.
func (r *Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(r.RetryAfter.Seconds()))
}

// Info is a best-effort snapshot of counter state for one identifier.
type Info struct {
	// Algorithm is the strategy that owns the state.
	Algorithm Algorithm

	// Used is the consumed budget: granted weight for window algorithms,
	// bucket level for the leaky bucket, burst minus available tokens for
	// the token bucket.
	Used float64

	// Remaining is the budget still available.
	Remaining int

	// ResetAt is the instant at which the budget resets.
	ResetAt time.Time
}

// Algorithm identifies a rate limiting strategy.
type Algorithm string

const (
	// AlgorithmFixedWindow counts requests in fixed time slots.
	AlgorithmFixedWindow Algorithm = "fixed_window"

	// AlgorithmSlidingWindow counts requests in a trailing window.
	AlgorithmSlidingWindow Algorithm = "sliding_window"

	// AlgorithmTokenBucket refills tokens at a fixed rate.
	AlgorithmTokenBucket Algorithm = "token_bucket"

	// AlgorithmLeakyBucket drains accumulated load at a fixed rate.
	AlgorithmLeakyBucket Algorithm = "leaky_bucket"
)

// ErrUnknownAlgorithm is returned when a configuration names an unsupported
// strategy. It is raised at construction time, never during a check.
var ErrUnknownAlgorithm = errors.New("unknown rate limit algorithm")

// ConfigError indicates an invalid rate limit configuration. It is raised
// at rule registration time, never during a check.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid rate limit config: %s %s", e.Field, e.Reason)
}

// IsConfigError returns true if the error is a configuration error.
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return errors.As(err, &configErr)
}

// Config holds the configuration of a rate limiting strategy.
type Config struct {
	// Algorithm is the rate limiting strategy to use.
	Algorithm Algorithm

	// MaxRequests is the maximum number of requests allowed in the window.
	MaxRequests int

	// Window is the time window for the rate limit.
	Window time.Duration

	// Burst is the token bucket capacity. Zero defaults to MaxRequests.
	Burst int

	// LeakRate is the leaky bucket drain rate in units per second.
	// Zero defaults to MaxRequests/60.
	LeakRate float64
}

// Validate checks the configuration. Violating configurations are rejected
// before any state is admitted into a registry.
func (c Config) Validate() error {
	switch c.Algorithm {
	case AlgorithmFixedWindow, AlgorithmSlidingWindow, AlgorithmTokenBucket, AlgorithmLeakyBucket:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, c.Algorithm)
	}

	if c.MaxRequests <= 0 {
		return &ConfigError{Field: "MaxRequests", Reason: "must be positive"}
	}
	if c.Window <= 0 {
		return &ConfigError{Field: "Window", Reason: "must be positive"}
	}
	if c.Burst < 0 {
		return &ConfigError{Field: "Burst", Reason: "must not be negative"}
	}
	if c.LeakRate < 0 {
		return &ConfigError{Field: "LeakRate", Reason: "must not be negative"}
	}

	return nil
}

// burst returns the effective token bucket capacity.
func (c Config) burst() int {
	if c.Burst > 0 {
		return c.Burst
	}
	return c.MaxRequests
}

// leakRate returns the effective leaky bucket drain rate per second.
func (c Config) leakRate() float64 {
	if c.LeakRate > 0 {
		return c.LeakRate
	}
	return float64(c.MaxRequests) / 60.0
}

// refillRate returns the token bucket refill rate. The rate is anchored to
// a per-minute normalization of MaxRequests regardless of the configured
// window; see the leaky bucket drain default for the same convention.
func (c Config) refillRate() float64 {
	return float64(c.MaxRequests) / 60.0
}
