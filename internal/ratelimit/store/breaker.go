package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerStore wraps a Store with a circuit breaker. When the backend keeps
// failing the breaker opens and operations short-circuit to an
// UnavailableError without touching the backend, letting the caller apply
// its fail-open policy immediately instead of waiting out timeouts.
type BreakerStore struct {
	inner  Store
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// BreakerConfig holds circuit breaker settings for a wrapped store.
type BreakerConfig struct {
	// Name identifies the breaker in logs.
	Name string

	// MinRequests is the minimum number of requests in a closed-state
	// interval before the failure ratio is evaluated.
	MinRequests uint32

	// FailureRatio is the failure ratio at which the breaker trips.
	FailureRatio float64

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// Logger for state change events.
	Logger *zap.Logger
}

// DefaultBreakerConfig returns a BreakerConfig with default values.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Name:         "counter-store",
		MinRequests:  10,
		FailureRatio: 0.5,
		Timeout:      10 * time.Second,
	}
}

// NewBreakerStore wraps the given store with a circuit breaker.
func NewBreakerStore(inner Store, config *BreakerConfig) *BreakerStore {
	if config == nil {
		config = DefaultBreakerConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	minRequests := config.MinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	failureRatio := config.FailureRatio
	if failureRatio <= 0 {
		failureRatio = 0.5
	}

	settings := gobreaker.Settings{
		Name:    config.Name,
		Timeout: config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && ratio >= failureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("counter store circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// Missing keys are a normal outcome, not a backend failure.
			return err == nil || IsKeyNotFound(err)
		},
	}

	return &BreakerStore{
		inner:  inner,
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: logger,
	}
}

// execute runs op through the breaker, mapping breaker rejections to
// UnavailableError.
func (s *BreakerStore) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	result, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &UnavailableError{Op: op, Err: err}
	}
	return result, err
}

// Get implements Store.
func (s *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.execute("get", func() (interface{}, error) {
		return s.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Set implements Store.
func (s *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.execute("set", func() (interface{}, error) {
		return nil, s.inner.Set(ctx, key, value, ttl)
	})
	return err
}

// Increment implements Store.
func (s *BreakerStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	result, err := s.execute("increment", func() (interface{}, error) {
		return s.inner.Increment(ctx, key, delta)
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// IncrementWithExpiry implements Store.
func (s *BreakerStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	ttl time.Duration,
) (int64, error) {
	result, err := s.execute("increment_with_expiry", func() (interface{}, error) {
		return s.inner.IncrementWithExpiry(ctx, key, delta, ttl)
	})
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

// CompareAndSwap implements Store.
func (s *BreakerStore) CompareAndSwap(
	ctx context.Context,
	key string,
	old, next []byte,
	ttl time.Duration,
) (bool, error) {
	result, err := s.execute("compare_and_swap", func() (interface{}, error) {
		return s.inner.CompareAndSwap(ctx, key, old, next, ttl)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Delete implements Store.
func (s *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := s.execute("delete", func() (interface{}, error) {
		return nil, s.inner.Delete(ctx, key)
	})
	return err
}

// Exists implements Store.
func (s *BreakerStore) Exists(ctx context.Context, key string) (bool, error) {
	result, err := s.execute("exists", func() (interface{}, error) {
		return s.inner.Exists(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// Close implements Store.
func (s *BreakerStore) Close() error {
	return s.inner.Close()
}

// State returns the current breaker state.
func (s *BreakerStore) State() gobreaker.State {
	return s.cb.State()
}
