package admission

import (
	"go.uber.org/zap"

	"github.com/vyrodovalexey/ratekeeper/internal/metrics"
	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit/store"
	"github.com/vyrodovalexey/ratekeeper/internal/rules"
)

// Builder assembles a Service. All options are optional; Build falls back
// to an in-memory store and a no-op logger.
type Builder struct {
	store          store.Store
	logger         *zap.Logger
	failClosed     bool
	circuitBreaker bool
}

// NewBuilder creates a builder with defaults.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithStore sets the counter store. The caller keeps ownership of the
// store; Close will not touch it.
func (b *Builder) WithStore(s store.Store) *Builder {
	b.store = s
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithFailClosed controls the resolution of storage failures: fail-open
// (default) admits the request, fail-closed rejects it.
func (b *Builder) WithFailClosed(failClosed bool) *Builder {
	b.failClosed = failClosed
	return b
}

// WithCircuitBreaker wraps the store in a circuit breaker so that a
// persistently failing backend is short-circuited instead of being hit
// on every check.
func (b *Builder) WithCircuitBreaker(enabled bool) *Builder {
	b.circuitBreaker = enabled
	return b
}

// Build assembles the service.
func (b *Builder) Build() (*Service, error) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := b.store
	ownsStore := false
	if s == nil {
		s = store.NewMemoryStore()
		ownsStore = true
	}

	if b.circuitBreaker {
		cfg := store.DefaultBreakerConfig()
		cfg.Logger = logger
		s = store.NewBreakerStore(s, cfg)
	}

	registry := rules.NewRegistry(s, logger)

	return &Service{
		store:      s,
		ownsStore:  ownsStore,
		failClosed: b.failClosed,
		logger:     logger,
		registry:   registry,
		evaluator:  rules.NewEvaluator(registry, logger),
		metrics:    metrics.NewAggregator(),
	}, nil
}
