package eval

import (
	"context"
	"fmt"

	"github.com/quantfold/foresight/internal/llm"
)

const baselineSystemPrompt = `You are a forecaster. Given a question about a future event, estimate the probability that it resolves YES.

Think about base rates, current evidence, and how similar questions have resolved historically. Express genuine uncertainty rather than anchoring to 50%.`

func baselineSchema() *llm.ResponseFormat {
	return llm.NewSchemaFormat("baseline_forecast", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"probability": map[string]interface{}{
				"type":        "number",
				"minimum":     0,
				"maximum":     1,
				"description": "Probability the question resolves YES",
			},
			"confidence": map[string]interface{}{
				"type":        "number",
				"minimum":     0,
				"maximum":     1,
				"description": "Confidence in the probability estimate",
			},
			"reasoning": map[string]interface{}{
				"type": "string",
			},
		},
		"required":             []string{"probability", "confidence", "reasoning"},
		"additionalProperties": false,
	})
}

// BaselineForecaster answers each question with a single LLM call, no
// decomposition or research. Used as the comparison floor for the full
// pipeline.
type BaselineForecaster struct {
	client llm.Completer
}

// NewBaselineForecaster creates the one-shot baseline
func NewBaselineForecaster(client llm.Completer) *BaselineForecaster {
	return &BaselineForecaster{client: client}
}

// Forecast runs the single call and parses the structured reply
func (b *BaselineForecaster) Forecast(ctx context.Context, question Question) (*Prediction, error) {
	resp, err := b.client.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: baselineSystemPrompt,
		UserMessage:  fmt.Sprintf("Question: %s\n\nEstimate the probability this resolves YES.", question.QuestionText),
		Schema:       baselineSchema(),
		Temperature:  0.3,
		MaxTokens:    1500,
	})
	if err != nil {
		return nil, fmt.Errorf("baseline call failed: %w", err)
	}

	var parsed struct {
		Probability float64 `json:"probability"`
		Confidence  float64 `json:"confidence"`
	}
	if err := llm.ParseJSONResponse(resp.Content(), &parsed); err != nil {
		return nil, fmt.Errorf("baseline output invalid: %w", err)
	}
	if parsed.Probability < 0 || parsed.Probability > 1 {
		return nil, fmt.Errorf("baseline probability %v outside [0,1]", parsed.Probability)
	}

	return &Prediction{
		Probability: parsed.Probability,
		Confidence:  parsed.Confidence,
		TotalTokens: resp.Usage.TotalTokens,
	}, nil
}
