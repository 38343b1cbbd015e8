package main

import (
	"bytes"
	"testing"

	"github.com/SwissDataScienceCenter/renku-data-services-sub004/internal/cache_query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected cache_query.Condition
		wantErr  bool
	}{
		{
			name:     "string_value",
			input:    "status.state:equals:Running",
			expected: cache_query.Condition{Field: "status.state", Operator: cache_query.OperatorEquals, Value: "Running"},
		},
		{
			name:  "list_value",
			input: "status.state:in:[Running,Starting]",
			expected: cache_query.Condition{
				Field:    "status.state",
				Operator: cache_query.OperatorIn,
				Value:    []interface{}{"Running", "Starting"},
			},
		},
		{
			name:     "value_with_colons",
			input:    "spec.image:equals:registry.local:5000/session:latest",
			expected: cache_query.Condition{Field: "spec.image", Operator: cache_query.OperatorEquals, Value: "registry.local:5000/session:latest"},
		},
		{
			name:     "exists_without_value",
			input:    "metadata.annotations:exists",
			expected: cache_query.Condition{Field: "metadata.annotations", Operator: cache_query.OperatorExists},
		},
		{name: "missing_operator", input: "status.state", wantErr: true},
		{name: "unknown_operator", input: "status.state:like:Run", wantErr: true},
		{name: "missing_value", input: "status.state:equals", wantErr: true},
		{name: "empty_field", input: ":equals:x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCondition(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	err := printYAML(&buf, []cache_query.Result{{Cluster: "c1", Namespace: "renku", Kind: "AmaltheaSession", Name: "s1", UserID: "alice"}})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "- apiVersion: \"\"")
	assert.Contains(t, buf.String(), "userId: alice")
	assert.NotContains(t, buf.String(), "deleted")
}
