package rules

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit"
)

// DefaultRemaining is the sentinel remaining count reported when no rule
// constrains the request.
const DefaultRemaining = 1_000_000

// defaultResetWindow anchors the synthetic reset time when no rule
// constrains the request.
const defaultResetWindow = time.Minute

// Evaluator runs requests against the registry's rules in priority order.
type Evaluator struct {
	registry *Registry
	logger   *zap.Logger
}

// NewEvaluator creates an evaluator over the given registry.
func NewEvaluator(registry *Registry, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Evaluator{
		registry: registry,
		logger:   logger,
	}
}

// Evaluate checks the request against every applicable rule in priority
// order. The first non-admitted result short-circuits. When no rule
// applies, or every rule admits, a synthetic admitted result is returned.
func (e *Evaluator) Evaluate(
	ctx context.Context,
	identifier string,
	weight int,
	attrs Attributes,
) (*ratelimit.Result, error) {
	for _, br := range e.registry.applicable(attrs) {
		result, err := br.limiter.AllowN(ctx, identifier, weight)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", br.rule.ID, err)
		}

		if !result.Allowed {
			e.logger.Debug("request rejected by rule",
				zap.String("identifier", identifier),
				zap.String("rule_id", br.rule.ID),
				zap.String("kind", string(result.Kind)),
			)
			return result, nil
		}
	}

	return &ratelimit.Result{
		Allowed:   true,
		Kind:      ratelimit.KindAllowed,
		Limit:     DefaultRemaining,
		Remaining: DefaultRemaining,
		ResetAt:   time.Now().Add(defaultResetWindow),
	}, nil
}
