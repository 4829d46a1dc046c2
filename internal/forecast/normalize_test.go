package forecast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCanonicalList(t *testing.T) {
	output := map[string]interface{}{
		"validated_factors": []interface{}{
			map[string]interface{}{"name": "Fed policy", "description": "Rate path", "category": "economic"},
			map[string]interface{}{"name": "Polling trend", "description": "Averages", "category": "political"},
		},
	}

	factors, err := normalizeValidatedFactors(output)
	require.NoError(t, err)
	require.Len(t, factors, 2)
	assert.Equal(t, "Fed policy", factors[0].Name)
	assert.Equal(t, "political", factors[1].Category)
}

func TestNormalizeNameKeyedMap(t *testing.T) {
	output := map[string]interface{}{
		"validated_factors": map[string]interface{}{
			"Fed policy": map[string]interface{}{"description": "Rate path", "category": "economic"},
			"Turnout":    "Youth turnout swings the margin",
		},
	}

	factors, err := normalizeValidatedFactors(output)
	require.NoError(t, err)
	require.Len(t, factors, 2)

	byName := map[string]FactorSpec{}
	for _, f := range factors {
		byName[f.Name] = f
	}
	assert.Equal(t, "economic", byName["Fed policy"].Category)
	assert.Equal(t, "unknown", byName["Turnout"].Category)
	assert.Equal(t, "Youth turnout swings the margin", byName["Turnout"].Description)
}

func TestNormalizeBareTopLevelMap(t *testing.T) {
	output := map[string]interface{}{
		"Supply chain": map[string]interface{}{"description": "Chip availability", "category": "technical"},
	}

	factors, err := normalizeValidatedFactors(output)
	require.NoError(t, err)
	require.Len(t, factors, 1)
	assert.Equal(t, "Supply chain", factors[0].Name)
}

func TestNormalizeSkipsSchemaFieldNames(t *testing.T) {
	// a confused model sometimes emits a single factor's fields at the top
	// level; those keys must not become factors themselves
	output := map[string]interface{}{
		"name":        "Fed policy",
		"description": "Rate path",
		"category":    "economic",
		"Turnout":     "Youth turnout swings the margin",
	}

	factors, err := normalizeValidatedFactors(output)
	require.NoError(t, err)
	require.Len(t, factors, 1)
	assert.Equal(t, "Turnout", factors[0].Name)
}

func TestNormalizeRejectsUnusableShapes(t *testing.T) {
	_, err := normalizeValidatedFactors(nil)
	assert.Error(t, err)

	_, err = normalizeValidatedFactors(map[string]interface{}{"validated_factors": "not a list"})
	assert.Error(t, err)

	_, err = normalizeValidatedFactors(map[string]interface{}{"validated_factors": []interface{}{"just strings"}})
	assert.Error(t, err)

	_, err = normalizeValidatedFactors(map[string]interface{}{"name": "only reserved keys"})
	assert.Error(t, err)
}

func TestBinaryOptions(t *testing.T) {
	a, b := binaryOptions("Will the Fed cut or hold in September?")
	assert.Equal(t, "cut", a)
	assert.Equal(t, "hold in September", b)

	a, b = binaryOptions("Will Bitcoin close above $100k this year?")
	assert.Equal(t, "Yes", a)
	assert.Equal(t, "No", b)
}
