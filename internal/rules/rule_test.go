package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCondition_Matches(t *testing.T) {
	attrs := Attributes{FieldIdentifier: "tenant-42"}

	tests := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{
			name:      "equals match",
			condition: Condition{Field: FieldIdentifier, Operator: OperatorEquals, Value: "tenant-42"},
			want:      true,
		},
		{
			name:      "equals mismatch",
			condition: Condition{Field: FieldIdentifier, Operator: OperatorEquals, Value: "tenant-7"},
			want:      false,
		},
		{
			name:      "contains match",
			condition: Condition{Field: FieldIdentifier, Operator: OperatorContains, Value: "tenant"},
			want:      true,
		},
		{
			name:      "contains mismatch",
			condition: Condition{Field: FieldIdentifier, Operator: OperatorContains, Value: "admin"},
			want:      false,
		},
		{
			name:      "in match",
			condition: Condition{Field: FieldIdentifier, Operator: OperatorIn, Values: []string{"tenant-7", "tenant-42"}},
			want:      true,
		},
		{
			name:      "in mismatch",
			condition: Condition{Field: FieldIdentifier, Operator: OperatorIn, Values: []string{"tenant-7"}},
			want:      false,
		},
		{
			name:      "unknown field never matches",
			condition: Condition{Field: "region", Operator: OperatorEquals, Value: "tenant-42"},
			want:      false,
		},
		{
			name:      "unknown operator never matches",
			condition: Condition{Field: FieldIdentifier, Operator: "regex", Value: ".*"},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.condition.Matches(attrs))
		})
	}
}

func TestRule_Matches(t *testing.T) {
	attrs := Attributes{FieldIdentifier: "tenant-42"}

	// A rule with no conditions applies to every request
	assert.True(t, Rule{}.Matches(attrs))

	// Every condition must hold
	rule := Rule{Conditions: []Condition{
		{Field: FieldIdentifier, Operator: OperatorContains, Value: "tenant"},
		{Field: FieldIdentifier, Operator: OperatorEquals, Value: "tenant-42"},
	}}
	assert.True(t, rule.Matches(attrs))

	rule.Conditions = append(rule.Conditions, Condition{
		Field: FieldIdentifier, Operator: OperatorEquals, Value: "tenant-7",
	})
	assert.False(t, rule.Matches(attrs))
}
