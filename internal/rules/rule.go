// Package rules holds the prioritized admission rule registry and the
// evaluator that runs incoming requests against it.
package rules

import (
	"strings"

	"github.com/vyrodovalexey/ratekeeper/internal/ratelimit"
)

// Attributes carries the matchable fields of a request. Only the
// identifier field is defined today; the mechanism stays open to
// additional fields.
type Attributes map[string]string

// FieldIdentifier is the rate-limit subject of the request.
const FieldIdentifier = "identifier"

// Operator names a condition predicate.
type Operator string

const (
	// OperatorEquals matches when the field equals the value.
	OperatorEquals Operator = "equals"

	// OperatorContains matches when the field contains the value.
	OperatorContains Operator = "contains"

	// OperatorIn matches when the field is one of the values.
	OperatorIn Operator = "in"
)

// Condition is a predicate over one request attribute.
type Condition struct {
	// Field names the request attribute to match.
	Field string

	// Operator selects the predicate.
	Operator Operator

	// Value is the operand for equals and contains.
	Value string

	// Values is the operand set for in.
	Values []string
}

// Matches reports whether the condition holds for the given attributes.
// An unknown field or operator never matches.
func (c Condition) Matches(attrs Attributes) bool {
	actual, ok := attrs[c.Field]
	if !ok {
		return false
	}

	switch c.Operator {
	case OperatorEquals:
		return actual == c.Value
	case OperatorContains:
		return strings.Contains(actual, c.Value)
	case OperatorIn:
		for _, v := range c.Values {
			if actual == v {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Rule binds a set of conditions to a rate limit configuration.
// Higher priority rules are evaluated first.
type Rule struct {
	// ID uniquely identifies the rule. The registry assigns one when blank.
	ID string

	// Name is a human readable label.
	Name string

	// Priority orders evaluation; higher values run first.
	Priority int

	// Config is the rate limit bound to this rule.
	Config ratelimit.Config

	// Conditions select the requests the rule applies to. A rule with no
	// conditions applies to every request.
	Conditions []Condition
}

// Matches reports whether every condition holds for the given attributes.
func (r Rule) Matches(attrs Attributes) bool {
	for _, c := range r.Conditions {
		if !c.Matches(attrs) {
			return false
		}
	}
	return true
}
