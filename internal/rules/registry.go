package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit"
	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit/store"
)

// boundRule is a registered rule with its limiter built once at
// registration time, so evaluation never constructs strategies or fails on
// an unknown algorithm.
type boundRule struct {
	rule    Rule
	limiter ratelimit.Limiter
	seq     uint64
}

// Registry holds the prioritized rule collection. Mutation is safe under
// concurrent evaluation: readers work off an ordered snapshot slice that is
// rebuilt on every mutation.
type Registry struct {
	store  store.Store
	logger *zap.Logger

	mu      sync.RWMutex
	rules   map[string]*boundRule
	ordered []*boundRule
	seq     uint64
}

// NewRegistry creates an empty rule registry bound to the given counter
// store.
func NewRegistry(s store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		store:  s,
		logger: logger,
		rules:  make(map[string]*boundRule),
	}
}

// Add registers a rule, overwriting an existing rule with the same ID.
// The configuration is validated and the limiter built before any state
// changes, so a rejected rule leaves no partial state behind.
func (r *Registry) Add(rule Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	limiter, err := ratelimit.New(rule.Config, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("rule %q: %w", rule.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.seq
	if existing, ok := r.rules[rule.ID]; ok {
		// Overwriting keeps the original insertion position for priority
		// tie-breaking.
		seq = existing.seq
	} else {
		r.seq++
	}

	r.rules[rule.ID] = &boundRule{
		rule:    rule,
		limiter: limiter,
		seq:     seq,
	}
	r.rebuildLocked()

	r.logger.Debug("rule registered",
		zap.String("rule_id", rule.ID),
		zap.String("rule_name", rule.Name),
		zap.Int("priority", rule.Priority),
		zap.String("algorithm", string(rule.Config.Algorithm)),
	)

	return nil
}

// Remove deletes the rule with the given ID and reports whether it
// existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[id]; !ok {
		return false
	}

	delete(r.rules, id)
	r.rebuildLocked()

	r.logger.Debug("rule removed", zap.String("rule_id", id))
	return true
}

// Get returns the rule with the given ID.
func (r *Registry) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	br, ok := r.rules[id]
	if !ok {
		return Rule{}, false
	}
	return br.rule, true
}

// List returns all rules ordered by descending priority, insertion order
// on ties.
func (r *Registry) List() []Rule {
	snapshot := r.snapshot()

	rules := make([]Rule, len(snapshot))
	for i, br := range snapshot {
		rules[i] = br.rule
	}
	return rules
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// applicable returns the rules whose every condition matches the given
// attributes, in evaluation order.
func (r *Registry) applicable(attrs Attributes) []*boundRule {
	snapshot := r.snapshot()

	matched := make([]*boundRule, 0, len(snapshot))
	for _, br := range snapshot {
		if br.rule.Matches(attrs) {
			matched = append(matched, br)
		}
	}
	return matched
}

// snapshot returns the current ordered rule slice. The slice is never
// mutated after publication, so readers iterate without holding the lock.
func (r *Registry) snapshot() []*boundRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ordered
}

// rebuildLocked rebuilds the ordered snapshot. Callers hold the write
// lock.
func (r *Registry) rebuildLocked() {
	ordered := make([]*boundRule, 0, len(r.rules))
	for _, br := range r.rules {
		ordered = append(ordered, br)
	}

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].rule.Priority != ordered[j].rule.Priority {
			return ordered[i].rule.Priority > ordered[j].rule.Priority
		}
		return ordered[i].seq < ordered[j].seq
	})

	r.ordered = ordered
}
