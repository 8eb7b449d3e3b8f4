package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertions_ReportFailures(t *testing.T) {
	tests := []struct {
		name      string
		assertion string
		want      string
	}{
		{
			name:      "diverged",
			assertion: `{type: converged}`,
			want:      "replicas diverge",
		},
		{
			name:      "missing value",
			assertion: `{type: contains, replica: a, values: [x, z]}`,
			want:      `a is missing ["z"]`,
		},
		{
			name:      "wrong version",
			assertion: `{type: version, replica: a, expect: {a: 2}}`,
			want:      "expected version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustParse(t, `
name: failing
description: assertions that do not hold
kind: set
replicas: [{name: a}, {name: b}]
steps:
  - {replica: a, op: add, value: x}
assertions:
  - `+tt.assertion+`
`)
			result, err := Run(s)
			require.NoError(t, err)
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.want)
		})
	}
}

func TestAssertions_SingletonValue(t *testing.T) {
	s := mustParse(t, `
name: singleton-value
description: value and absent checks
kind: singleton
replicas: [{name: a}, {name: b}]
steps:
  - {replica: a, op: set, value: 7}
assertions:
  - {type: value, replica: a, value: 7}
  - {type: value, replica: b, absent: true}
  - {type: value, replica: a, value: 8}
  - {type: value, replica: a, absent: true}
`)
	result, err := Run(s)
	require.NoError(t, err)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "expected 8, got 7")
	assert.Contains(t, result.Errors[1], "expected no value, got 7")
}

func TestRender(t *testing.T) {
	assert.Equal(t, emptyView, render(nil))
}
