// Package sim runs the 18-agent trading simulation against a session's
// prediction market: five fundamental traders, nine sphere-polling noise
// traders, and four user-account trackers, plus the Avellaneda-Stoikov
// market maker loop.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/foresight/internal/llm"
	"github.com/quantfold/foresight/internal/xsearch"
)

// maxFilteredPosts caps how many posts the filter hands to a trader
const maxFilteredPosts = 15

const keywordExtractionPrompt = `You are a search query optimizer for the X (Twitter) API.

Your task is to convert a prediction market question into a SIMPLE search query that will find relevant tweets.

CRITICAL RULES:
1. NEVER use AND - it's way too restrictive and returns almost no results
2. NEVER use multiple keyword groups - X API treats spaces as AND
3. ONLY use OR to combine 3-6 keywords into a single flat list
4. Include common abbreviations and slang (BTC for Bitcoin, ETH for Ethereum)
5. Focus on the CORE TOPIC only - ignore prediction framing words

CORRECT FORMAT:
keyword1 OR keyword2 OR keyword3 OR keyword4

EXAMPLES:
- "Will Bitcoin reach $100k by end of 2025?" -> "bitcoin OR BTC OR crypto"
- "Will Trump win the 2024 election?" -> "trump OR maga OR election"
- "Will OpenAI release GPT-5 in 2025?" -> "openai OR gpt5 OR chatgpt OR altman"

WRONG - NEVER DO THIS:
- "(bitcoin OR BTC) (price OR 100k)" <- spaces act as AND
- "bitcoin AND price" <- AND is too restrictive

Return ONLY a flat list of OR'd keywords. Nothing else.`

const relevancePromptTemplate = `You are a semantic relevance filter for prediction market research.

Your task is to select which of the numbered posts below are ACTUALLY relevant to answering a specific prediction market question, from the viewpoint of the "%s" sphere.

PREDICTION QUESTION: %s

SELECTION CRITERIA:
1. Direct relevance: does the post discuss the topic of the prediction?
2. Informational value: does it provide facts, opinions, or signals that could inform the prediction?
3. Recency signal: does it reflect current sentiment or recent developments?

EXCLUDE posts that are off-topic, spam, engagement bait, or too vague to be useful.

Return the indices of relevant posts (1-indexed, referring to the numbering below), ordered by relevance, at most %d.`

// SemanticFilter finds posts relevant to a question within a sphere's recent
// activity: derive a boolean query from the question, fetch, then ask the
// model which numbered posts matter.
type SemanticFilter struct {
	client llm.Completer
	search *xsearch.Client
}

// NewSemanticFilter wires the filter to an LLM client and the search client
func NewSemanticFilter(client llm.Completer, search *xsearch.Client) *SemanticFilter {
	return &SemanticFilter{client: client, search: search}
}

// Filter returns up to 15 posts relevant to the question, plus the derived
// search query for observability. topic overrides query derivation entirely.
func (f *SemanticFilter) Filter(ctx context.Context, question, sphere, topic string) ([]xsearch.Post, string, error) {
	query := topic
	if query == "" {
		query = f.extractQuery(ctx, question)
	}

	posts, err := f.search.SearchTopic(ctx, query)
	if err != nil {
		return nil, query, fmt.Errorf("post fetch failed: %w", err)
	}
	if len(posts) == 0 {
		return nil, query, nil
	}

	selected, err := f.selectRelevant(ctx, question, sphere, posts)
	if err != nil {
		log.Warn().Err(err).Str("sphere", sphere).Msg("Relevance filter failed, ranking by engagement")
		selected = topByEngagement(posts, maxFilteredPosts)
	}
	return selected, query, nil
}

// extractQuery asks the model for a flat OR query; on any failure it falls
// back to a token heuristic.
func (f *SemanticFilter) extractQuery(ctx context.Context, question string) string {
	schema := llm.NewSchemaFormat("search_query", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
		},
		"required": []string{"query"},
	})

	resp, err := f.client.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: keywordExtractionPrompt,
		UserMessage:  "Convert this prediction market question into a boolean search query:\n\n" + question,
		Schema:       schema,
		Temperature:  0.3,
		MaxTokens:    500,
	})
	if err == nil {
		var out struct {
			Query string `json:"query"`
		}
		if perr := llm.ParseJSONResponse(resp.Content(), &out); perr == nil && out.Query != "" {
			return out.Query
		}
	}
	return fallbackQuery(question)
}

// fallbackQuery strips prediction phrasing and ORs the informative tokens
func fallbackQuery(question string) string {
	topic := strings.ToLower(question)
	for _, phrase := range []string{
		"will ", "would ", "does ", "is ", "are ", "can ", "should ",
		"by end of ", "by the end of ", "before ", "after ",
		"resolve yes", "resolve no", "?",
	} {
		topic = strings.ReplaceAll(topic, phrase, " ")
	}

	var words []string
	for _, w := range strings.Fields(topic) {
		if len(w) > 2 {
			words = append(words, w)
		}
		if len(words) == 6 {
			break
		}
	}
	if len(words) == 0 {
		return strings.TrimSpace(topic)
	}
	return strings.Join(words, " OR ")
}

// selectRelevant numbers the fetched posts and asks for relevant indices
func (f *SemanticFilter) selectRelevant(ctx context.Context, question, sphere string, posts []xsearch.Post) ([]xsearch.Post, error) {
	var listing strings.Builder
	for i, p := range posts {
		text := p.Text
		if len(text) > 300 {
			text = text[:300] + "..."
		}
		fmt.Fprintf(&listing, "[%d] @%s (likes %d, retweets %d): %s\n", i+1, p.Author, p.Likes, p.Retweets, text)
	}

	schema := llm.NewSchemaFormat("relevant_indices", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"indices": map[string]interface{}{
				"type":     "array",
				"maxItems": maxFilteredPosts,
				"items":    map[string]interface{}{"type": "integer"},
			},
		},
		"required": []string{"indices"},
	})

	resp, err := f.client.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(relevancePromptTemplate, sphere, question, maxFilteredPosts),
		UserMessage:  fmt.Sprintf("POSTS TO ANALYZE (%d total):\n%s", len(posts), listing.String()),
		Schema:       schema,
		MaxTokens:    500,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		Indices []int `json:"indices"`
	}
	if err := llm.ParseJSONResponse(resp.Content(), &out); err != nil {
		return nil, err
	}

	var selected []xsearch.Post
	seen := make(map[int]bool)
	for _, idx := range out.Indices {
		if idx < 1 || idx > len(posts) || seen[idx] {
			continue
		}
		seen[idx] = true
		selected = append(selected, posts[idx-1])
		if len(selected) == maxFilteredPosts {
			break
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("filter selected no posts")
	}
	return selected, nil
}

// topByEngagement is the fallback ranking when the relevance call fails
func topByEngagement(posts []xsearch.Post, n int) []xsearch.Post {
	ranked := make([]xsearch.Post, len(posts))
	copy(ranked, posts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Engagement() > ranked[j].Engagement()
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}
