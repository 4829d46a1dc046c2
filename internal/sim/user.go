package sim

import (
	"context"
	"fmt"

	"github.com/quantfold/foresight/internal/agent"
	"github.com/quantfold/foresight/internal/xsearch"
)

// userPostLimit bounds how many of the tracked account's posts a user trader
// reads per round
const userPostLimit = 10

// userDefinition builds the agent for one tracked-account trader. When the
// account has posted nothing new since the last round the agent skips
// instead of burning a completion.
func userDefinition(name string, input marketInput, notes string, search *xsearch.Client, lastSeen func(name string) string, markSeen func(name, postID string)) agent.Definition {
	username := userAccounts[name]

	return agent.Definition{
		Name:         name,
		Type:         TraderKindUser,
		Phase:        "trading",
		SystemPrompt: fmt.Sprintf(userSystemPrompt, username),
		Schema:       traderSchema(),
		Temperature:  0.7,
		MaxTokens:    1500,
		BuildUserMessage: func(ctx context.Context, _ map[string]interface{}) (string, error) {
			posts, err := search.UserPosts(ctx, username, userPostLimit)
			if err != nil {
				return "", fmt.Errorf("failed to fetch posts for @%s: %w", username, err)
			}
			if len(posts) == 0 {
				return "", &agent.SkipError{
					Reason: "no new posts",
					Payload: map[string]interface{}{
						"skipped": true,
						"reason":  "no new posts",
						"signal":  "uncertain",
					},
				}
			}
			if posts[0].ID == lastSeen(name) {
				return "", &agent.SkipError{
					Reason: "no new posts",
					Payload: map[string]interface{}{
						"skipped": true,
						"reason":  "no new posts",
						"signal":  "uncertain",
					},
				}
			}
			markSeen(name, posts[0].ID)
			return userTraderMessage(username, input, notes, posts), nil
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
