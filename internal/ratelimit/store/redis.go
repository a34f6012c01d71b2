package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Prometheus metrics for Redis store operations
var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratekeeper",
			Subsystem: "store",
			Name:      "redis_operations_total",
			Help:      "Total number of Redis store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ratekeeper",
			Subsystem: "store",
			Name:      "redis_operation_duration_seconds",
			Help:      "Duration of Redis store operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	redisStoreConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ratekeeper",
			Subsystem: "store",
			Name:      "redis_connection_errors_total",
			Help:      "Total number of Redis connection errors",
		},
	)
)

// incrementWithExpiryScript atomically increments a key and attaches the
// ttl (milliseconds) when the increment created the key.
// KEYS[1] = key, ARGV[1] = delta, ARGV[2] = ttl in milliseconds
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// compareAndSwapScript replaces a key's value only if the current value
// matches the expected one, applying the ttl on success. An empty expected
// value means the key must be absent.
// KEYS[1] = key, ARGV[1] = expected value, ARGV[2] = new value,
// ARGV[3] = ttl in milliseconds
var compareAndSwapScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if ARGV[1] == '' then
		if current then
			return 0
		end
	elseif current ~= ARGV[1] then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
	return 1
`)

// RedisStore implements Store using Redis.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
	logger    *zap.Logger
	closed    bool
	mu        sync.Mutex
}

// RedisConfig holds configuration for the Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	// Connection pool settings
	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// OpTimeout bounds every store operation when the caller's context
	// carries no deadline of its own.
	OpTimeout time.Duration

	// ConnectionRetries is the number of connection attempts at startup.
	ConnectionRetries int

	// InitialBackoff is the initial wait between connection attempts.
	InitialBackoff time.Duration

	// Logger for the Redis store.
	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "ratekeeper:",
		PoolSize:          10,
		MinIdleConns:      2,
		MaxRetries:        3,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		OpTimeout:         2 * time.Second,
		ConnectionRetries: 5,
		InitialBackoff:    100 * time.Millisecond,
	}
}

// NewRedisStore creates a new Redis store and verifies connectivity with
// exponentially backed-off pings.
func NewRedisStore(config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	attempts := config.ConnectionRetries
	if attempts <= 0 {
		attempts = 1
	}
	backoff := config.InitialBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established after retry",
					zap.String("address", config.Address),
					zap.Int("attempt", attempt+1),
				)
			}

			opTimeout := config.OpTimeout
			if opTimeout <= 0 {
				opTimeout = 2 * time.Second
			}

			return &RedisStore{
				client:    client,
				prefix:    config.Prefix,
				opTimeout: opTimeout,
				logger:    logger,
			}, nil
		}

		redisStoreConnectionErrors.Inc()
		logger.Debug("redis connection failed, retrying",
			zap.String("address", config.Address),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)

		time.Sleep(backoff)
		backoff *= 2
	}

	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", attempts, lastErr)
}

// prefixKey adds the prefix to the key.
func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// opContext bounds the operation with the store's timeout unless the
// caller already set a deadline. No store operation blocks indefinitely.
func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// classify wraps a backend failure as an UnavailableError. Timeouts stay
// visible through Unwrap as context.DeadlineExceeded.
func classify(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	val, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	redisStoreOperationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())

	if errors.Is(err, redis.Nil) {
		redisStoreOperationsTotal.WithLabelValues("get", "not_found").Inc()
		return nil, &ErrKeyNotFound{Key: key}
	}
	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, classify("get", err)
	}

	redisStoreOperationsTotal.WithLabelValues("get", "success").Inc()
	return val, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	err := s.client.Set(ctx, s.prefixKey(key), value, ttl).Err()
	redisStoreOperationDuration.WithLabelValues("set").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("set", "error").Inc()
		return classify("set", err)
	}

	redisStoreOperationsTotal.WithLabelValues("set", "success").Inc()
	return nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	val, err := s.client.IncrBy(ctx, s.prefixKey(key), delta).Result()
	redisStoreOperationDuration.WithLabelValues("increment").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("increment", "error").Inc()
		return 0, classify("increment", err)
	}

	redisStoreOperationsTotal.WithLabelValues("increment", "success").Inc()
	return val, nil
}

// IncrementWithExpiry implements Store using a Lua script for atomicity.
func (s *RedisStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	ttl time.Duration,
) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	start := time.Now()
	result, err := incrementWithExpiryScript.Run(ctx, s.client, []string{s.prefixKey(key)}, delta, ttlMs).Result()
	redisStoreOperationDuration.WithLabelValues("increment_with_expiry").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("increment_with_expiry", "error").Inc()
		return 0, classify("increment_with_expiry", err)
	}

	val, ok := result.(int64)
	if !ok {
		redisStoreOperationsTotal.WithLabelValues("increment_with_expiry", "error").Inc()
		return 0, fmt.Errorf("redis script returned unexpected type: %T", result)
	}

	redisStoreOperationsTotal.WithLabelValues("increment_with_expiry", "success").Inc()
	return val, nil
}

// CompareAndSwap implements Store using a Lua script for atomicity. State
// blobs are never empty, so an empty expected value is reserved to mean
// the key must be absent.
func (s *RedisStore) CompareAndSwap(
	ctx context.Context,
	key string,
	old, next []byte,
	ttl time.Duration,
) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}

	start := time.Now()
	result, err := compareAndSwapScript.Run(ctx, s.client, []string{s.prefixKey(key)}, old, next, ttlMs).Result()
	redisStoreOperationDuration.WithLabelValues("compare_and_swap").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("compare_and_swap", "error").Inc()
		return false, classify("compare_and_swap", err)
	}

	swapped, ok := result.(int64)
	if !ok {
		redisStoreOperationsTotal.WithLabelValues("compare_and_swap", "error").Inc()
		return false, fmt.Errorf("redis script returned unexpected type: %T", result)
	}

	redisStoreOperationsTotal.WithLabelValues("compare_and_swap", "success").Inc()
	return swapped == 1, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	err := s.client.Del(ctx, s.prefixKey(key)).Err()
	redisStoreOperationDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("delete", "error").Inc()
		return classify("delete", err)
	}

	redisStoreOperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	start := time.Now()
	n, err := s.client.Exists(ctx, s.prefixKey(key)).Result()
	redisStoreOperationDuration.WithLabelValues("exists").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("exists", "error").Inc()
		return false, classify("exists", err)
	}

	redisStoreOperationsTotal.WithLabelValues("exists", "success").Inc()
	return n > 0, nil
}

// Close implements Store. Close is idempotent.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
