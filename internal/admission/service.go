// Package admission composes rule evaluation, counter storage, and
// metrics into a single request-admission entry point.
package admission

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/ratekeeper/internal/metrics"
	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit"
	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit/store"
	"github.com/vyrodovalexey/ratekeeper/internal/rules"
)

// Request is one admission check. It is ephemeral and never persisted.
type Request struct {
	// Identifier is the rate-limit subject, typically a caller id.
	Identifier string

	// Timestamp is when the request arrived. Zero means now. It is
	// bookkeeping carried with the request; admission math anchors on the
	// instant each rule is evaluated, not on this field.
	Timestamp time.Time

	// Weight is the cost of the request against the budget. Values
	// below 1 are treated as 1.
	Weight int
}

// normalize fills in defaulted fields.
func (r Request) normalize() Request {
	if r.Weight <= 0 {
		r.Weight = 1
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	return r
}

// attributes exposes the request fields that rule conditions can match.
func (r Request) attributes() rules.Attributes {
	return rules.Attributes{
		rules.FieldIdentifier: r.Identifier,
	}
}

// Service is the admission entry point. Construct it with a Builder.
type Service struct {
	store      store.Store
	ownsStore  bool
	failClosed bool
	logger     *zap.Logger
	registry   *rules.Registry
	evaluator  *rules.Evaluator
	metrics    *metrics.Aggregator
}

// CheckAdmission evaluates the request against the registered rules and
// returns a decision. It never returns an error: a storage failure is
// resolved by the configured fail policy (fail-open by default) and
// recorded in the metrics stream.
func (s *Service) CheckAdmission(ctx context.Context, req Request) *ratelimit.Result {
	req = req.normalize()
	start := time.Now()

	result, err := s.evaluator.Evaluate(ctx, req.Identifier, req.Weight, req.attributes())
	if err != nil {
		result = s.resolveFailure(req, err)
	}

	s.metrics.Record(result.Kind, time.Since(start))
	return result
}

// resolveFailure turns an evaluation error into a decision.
func (s *Service) resolveFailure(req Request, err error) *ratelimit.Result {
	s.metrics.RecordStorageError()

	if s.failClosed {
		s.logger.Warn("admission check failed, rejecting (fail-closed)",
			zap.String("identifier", req.Identifier),
			zap.Bool("storage_unavailable", store.IsUnavailable(err)),
			zap.Error(err),
		)
		return &ratelimit.Result{
			Allowed: false,
			Kind:    ratelimit.KindBlocked,
			ResetAt: req.Timestamp,
		}
	}

	s.logger.Warn("admission check failed, admitting (fail-open)",
		zap.String("identifier", req.Identifier),
		zap.Bool("storage_unavailable", store.IsUnavailable(err)),
		zap.Error(err),
	)
	return &ratelimit.Result{
		Allowed:   true,
		Kind:      ratelimit.KindAllowed,
		Limit:     rules.DefaultRemaining,
		Remaining: rules.DefaultRemaining,
		ResetAt:   req.Timestamp.Add(time.Minute),
	}
}

// AddRule registers a rule. Invalid configurations fail the call and
// leave the registry untouched.
func (s *Service) AddRule(rule rules.Rule) error {
	return s.registry.Add(rule)
}

// RemoveRule deletes a rule by id, reporting whether it existed.
func (s *Service) RemoveRule(id string) bool {
	return s.registry.Remove(id)
}

// ListRules returns the registered rules ordered by descending priority.
func (s *Service) ListRules() []rules.Rule {
	return s.registry.List()
}

// Metrics returns a snapshot of the aggregated admission metrics.
func (s *Service) Metrics() metrics.Snapshot {
	return s.metrics.Snapshot()
}

// ResetMetrics clears the aggregated admission metrics.
func (s *Service) ResetMetrics() {
	s.metrics.Reset()
}

// Close releases resources. The store is closed only when the builder
// created it; a caller-supplied store stays open.
func (s *Service) Close() error {
	if !s.ownsStore {
		return nil
	}
	return s.store.Close()
}
