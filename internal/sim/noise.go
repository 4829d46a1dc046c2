package sim

import (
	"context"
	"fmt"

	"github.com/quantfold/foresight/internal/agent"
	"github.com/quantfold/foresight/internal/llm"
	"github.com/quantfold/foresight/internal/xsearch"
)

// noiseDefinition builds the agent for one sphere-polling trader. The user
// message is assembled from posts the semantic filter selected; the model may
// still call search_posts for more. The fallback carries the raw analysis but
// no prediction, so the round places no orders for it.
func noiseDefinition(sphereName string, input marketInput, notes string, filter *SemanticFilter, search *xsearch.Client, topic string) agent.Definition {
	sphere := noiseSpheres[sphereName]

	return agent.Definition{
		Name:         sphereName,
		Type:         TraderKindNoise,
		Phase:        "trading",
		SystemPrompt: fmt.Sprintf(noiseSystemPrompt, sphere),
		Schema:       traderSchema(),
		Temperature:  0.8,
		MaxTokens:    2000,
		Tools:        []llm.Tool{searchPostsTool()},
		BuildUserMessage: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			posts, query, err := filter.Filter(ctx, input.Question, sphere, topic)
			if err != nil {
				return "", err
			}
			return noiseUserMessage(sphere, input, notes, posts, query), nil
		},
		ExecuteTool: func(ctx context.Context, call llm.ToolCall) (string, error) {
			return executeSearchPosts(ctx, search, call)
		},
		Fallback: func(content string, _ map[string]interface{}) map[string]interface{} {
			return map[string]interface{}{
				"analysis":   content,
				"confidence": 0.7,
				"sources":    []interface{}{},
			}
		},
	}
}
