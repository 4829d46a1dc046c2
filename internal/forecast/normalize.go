package forecast

import (
	"fmt"
)

// reservedFactorKeys are schema field names a confused model sometimes emits
// as top-level keys in a name-keyed map; they are never factor names.
var reservedFactorKeys = map[string]bool{
	"name":        true,
	"description": true,
	"category":    true,
}

// normalizeValidatedFactors accepts the validator's output in any of the
// shapes models actually produce and returns canonical factors:
//
//   - {"validated_factors": [{name, description, category}, ...]}
//   - {"validated_factors": {"Factor Name": {description, category}, ...}}
//   - {"Factor Name": {description, category}, ...} (bare name-keyed map)
//   - {"Factor Name": "description string", ...}
func normalizeValidatedFactors(output map[string]interface{}) ([]FactorSpec, error) {
	if output == nil {
		return nil, fmt.Errorf("validator returned no output")
	}

	if raw, ok := output["validated_factors"]; ok {
		switch v := raw.(type) {
		case []interface{}:
			return factorsFromList(v)
		case map[string]interface{}:
			return factorsFromNameMap(v), nil
		default:
			return nil, fmt.Errorf("validated_factors has unexpected type %T", raw)
		}
	}

	// bare name-keyed map at the top level
	factors := factorsFromNameMap(output)
	if len(factors) == 0 {
		return nil, fmt.Errorf("validator output contains no recognizable factors")
	}
	return factors, nil
}

func factorsFromList(items []interface{}) ([]FactorSpec, error) {
	var factors []FactorSpec
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name := stringField(m, "name")
		if name == "" {
			continue
		}
		factors = append(factors, FactorSpec{
			Name:        name,
			Description: stringField(m, "description"),
			Category:    categoryOrUnknown(m),
		})
	}
	if len(factors) == 0 {
		return nil, fmt.Errorf("validator list contains no usable factors")
	}
	return factors, nil
}

// factorsFromNameMap treats keys as factor names. Keys matching schema field
// names are skipped rather than misread as factors.
func factorsFromNameMap(m map[string]interface{}) []FactorSpec {
	var factors []FactorSpec
	for name, raw := range m {
		if reservedFactorKeys[name] || name == "" {
			continue
		}
		factor := FactorSpec{Name: name, Category: "unknown"}
		switch v := raw.(type) {
		case string:
			factor.Description = v
		case map[string]interface{}:
			factor.Description = stringField(v, "description")
			factor.Category = categoryOrUnknown(v)
		default:
			continue
		}
		factors = append(factors, factor)
	}
	return factors
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func categoryOrUnknown(m map[string]interface{}) string {
	if c := stringField(m, "category"); c != "" {
		return c
	}
	return "unknown"
}
