package fingerprint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_Deterministic(t *testing.T) {
	snap := map[string]any{
		"card":      map[string]any{"name": "Mira", "tags": []any{"a", "b"}},
		"worldInfo": map[string]any{"entries": []any{}},
	}

	a, err := Compute(snap)
	require.NoError(t, err)
	b, err := Compute(snap)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, Prefix))
}

func TestCompute_KeyOrderIndependent(t *testing.T) {
	a, err := Compute(map[string]any{"x": 1, "y": 2, "z": 3})
	require.NoError(t, err)
	b, err := Compute(map[string]any{"z": 3, "y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCompute_ContentSensitive(t *testing.T) {
	a, err := Compute(map[string]any{"card": map[string]any{"name": "Mira"}})
	require.NoError(t, err)
	b, err := Compute(map[string]any{"card": map[string]any{"name": "Vel"}})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
