package forecast

import (
	"encoding/json"
	"fmt"

	"github.com/quantfold/foresight/internal/llm"
)

// FactorSpec is the canonical factor shape flowing between phases
type FactorSpec struct {
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Category        string   `json:"category"`
	ImportanceScore *float64 `json:"importance_score,omitempty"`
	ResearchSummary string   `json:"research_summary,omitempty"`
}

// DiscoveryOutput is one discovery agent's reply
type DiscoveryOutput struct {
	Factors []FactorSpec `json:"factors"`
}

// RatedFactor carries the merged rater's score for one factor
type RatedFactor struct {
	Name            string  `json:"name"`
	ImportanceScore float64 `json:"importance_score"`
}

// RatingConsensusOutput scores every validated factor and selects the five
// for deep research.
type RatingConsensusOutput struct {
	RatedFactors []RatedFactor `json:"rated_factors"`
	TopFactors   []FactorSpec  `json:"top_factors"`
}

// HistoricalResearchOutput is one historical research agent's reply
type HistoricalResearchOutput struct {
	FactorName         string   `json:"factor_name"`
	HistoricalAnalysis string   `json:"historical_analysis"`
	Sources            []string `json:"sources"`
	Confidence         float64  `json:"confidence"`
}

// CurrentDataOutput is one current-data research agent's reply
type CurrentDataOutput struct {
	FactorName      string   `json:"factor_name"`
	CurrentFindings string   `json:"current_findings"`
	Sources         []string `json:"sources"`
	Confidence      float64  `json:"confidence"`
}

// PredictionOutput is the synthesis agent's final payload
type PredictionOutput struct {
	Prediction            string   `json:"prediction"`
	PredictionProbability float64  `json:"prediction_probability"`
	Confidence            float64  `json:"confidence"`
	Reasoning             string   `json:"reasoning"`
	KeyFactors            []string `json:"key_factors"`
}

// decodeOutput round-trips an agent's map payload into a typed struct
func decodeOutput(output map[string]interface{}, target interface{}) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to re-encode agent output: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("agent output does not match expected shape: %w", err)
	}
	return nil
}

func factorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name":        map[string]interface{}{"type": "string"},
			"description": map[string]interface{}{"type": "string"},
			"category":    map[string]interface{}{"type": "string"},
		},
		"required": []string{"name", "description", "category"},
	}
}

func discoverySchema() *llm.ResponseFormat {
	return llm.NewSchemaFormat("factor_discovery", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"factors": map[string]interface{}{
				"type":     "array",
				"maxItems": 5,
				"items":    factorSchema(),
			},
		},
		"required": []string{"factors"},
	})
}

func validationSchema() *llm.ResponseFormat {
	return llm.NewSchemaFormat("factor_validation", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"validated_factors": map[string]interface{}{
				"type":  "array",
				"items": factorSchema(),
			},
		},
		"required": []string{"validated_factors"},
	})
}

func ratingConsensusSchema() *llm.ResponseFormat {
	return llm.NewSchemaFormat("rating_consensus", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rated_factors": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"name":             map[string]interface{}{"type": "string"},
						"importance_score": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 10},
					},
					"required": []string{"name", "importance_score"},
				},
			},
			"top_factors": map[string]interface{}{
				"type":     "array",
				"minItems": 5,
				"maxItems": 5,
				"items":    factorSchema(),
			},
		},
		"required": []string{"rated_factors", "top_factors"},
	})
}

func historicalResearchSchema() *llm.ResponseFormat {
	return llm.NewSchemaFormat("historical_research", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"factor_name":         map[string]interface{}{"type": "string"},
			"historical_analysis": map[string]interface{}{"type": "string"},
			"sources":             map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"confidence":          map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []string{"factor_name", "historical_analysis", "sources", "confidence"},
	})
}

func currentDataSchema() *llm.ResponseFormat {
	return llm.NewSchemaFormat("current_data_research", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"factor_name":      map[string]interface{}{"type": "string"},
			"current_findings": map[string]interface{}{"type": "string"},
			"sources":          map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"confidence":       map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		},
		"required": []string{"factor_name", "current_findings", "sources", "confidence"},
	})
}

func predictionSchema() *llm.ResponseFormat {
	return llm.NewSchemaFormat("prediction", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prediction":             map[string]interface{}{"type": "string"},
			"prediction_probability": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
			"confidence":             map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
			"reasoning":              map[string]interface{}{"type": "string"},
			"key_factors":            map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"prediction", "prediction_probability", "confidence", "reasoning", "key_factors"},
	})
}
