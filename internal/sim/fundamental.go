package sim

import (
	"context"
	"fmt"

	"github.com/quantfold/foresight/internal/agent"
)

// fundamentalDefinition builds the agent for one market-data-only trader.
// Fundamental traders never see posts or news; their fallback anchors to the
// current market baseline with low confidence.
func fundamentalDefinition(traderType string, input marketInput, notes string) agent.Definition {
	profile := fundamentalProfiles[traderType]

	return agent.Definition{
		Name:         traderType,
		Type:         TraderKindFundamental,
		Phase:        "trading",
		SystemPrompt: fmt.Sprintf(fundamentalSystemPrompt, profile.style, profile.bias),
		Schema:       traderSchema(),
		Temperature:  0.7,
		MaxTokens:    2000,
		BuildUserMessage: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			return fundamentalUserMessage(traderType, input, notes), nil
		},
		Fallback: func(content string, _ map[string]interface{}) map[string]interface{} {
			return map[string]interface{}{
				"prediction": input.baseline(),
				"analysis":   content,
				"signal":     "uncertain",
				"confidence": 0.3,
			}
		},
	}
}
