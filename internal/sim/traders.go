package sim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantfold/foresight/internal/llm"
	"github.com/quantfold/foresight/internal/market"
	"github.com/quantfold/foresight/internal/xsearch"
)

// Trader kinds, persisted on trader-state rows
const (
	TraderKindFundamental = "fundamental"
	TraderKindNoise       = "noise"
	TraderKindUser        = "user"
)

// fundamentalProfile shades one fundamental trader's reasoning
type fundamentalProfile struct {
	displayName string
	style       string
	bias        string
	hints       []string
}

var fundamentalProfiles = map[string]fundamentalProfile{
	"conservative": {
		displayName: "Conservative Analyst",
		style:       "Risk-averse, focuses on downside scenarios and base rates. Tends to be skeptical of extreme predictions.",
		bias:        "Anchors toward 50%, slow to move from baseline",
		hints: []string{
			"What is the base rate for this type of event?",
			"What could go wrong? Downside scenarios?",
			"Is the market possibly overconfident?",
		},
	},
	"momentum": {
		displayName: "Momentum Trader",
		style:       "Follows market trends and recent price action. Believes the market knows something.",
		bias:        "Moves with recent trade direction, may chase trends",
		hints: []string{
			"Are traders buying or selling aggressively?",
			"Is there momentum to follow?",
		},
	},
	"historical": {
		displayName: "Historical Analyst",
		style:       "Relies heavily on base rates and historical precedent. Looks for analogous past events.",
		bias:        "Anchors to historical frequencies, skeptical of 'this time is different'",
		hints: []string{
			"What happened in similar past events?",
			"What is the historical base rate?",
			"Is 'this time different' justified?",
		},
	},
	"balanced": {
		displayName: "Balanced Forecaster",
		style:       "Weighs multiple perspectives equally. Tries to identify and correct for biases.",
		bias:        "Attempts to be unbiased, may be slow to react to new information",
		hints: []string{
			"What are the strongest arguments on each side?",
			"Where might you be biased?",
			"What would a smart contrarian argue?",
		},
	},
	"realtime": {
		displayName: "Realtime Reactor",
		style:       "Highly responsive to new information. Quick to update predictions based on latest data.",
		bias:        "May overreact to noise, gives recent info too much weight",
		hints: []string{
			"What is the most recent information telling us?",
			"Has anything changed since last round?",
		},
	},
}

// FundamentalTraderNames returns the five fundamental trader-state keys
func FundamentalTraderNames() []string {
	return []string{"conservative", "momentum", "historical", "balanced", "realtime"}
}

// noiseSpheres maps each noise trader to the slice of X it monitors
var noiseSpheres = map[string]string{
	"eacc_sovereign":      "e/acc & Sovereign Individual sphere - techno-optimist, libertarian traders",
	"america_first":       "America First & Right Wing sphere - nationalist, populist perspectives",
	"blue_establishment":  "Blue Establishment sphere - mainstream Democratic viewpoints",
	"progressive_left":    "Progressive Left sphere - progressive, activist perspectives",
	"optimizer_idw":       "Optimizer & IDW sphere - rationalist, intellectual discourse",
	"fintwit_market":      "FinTwit & Market sphere - financial market sentiment",
	"builder_engineering": "Builder & Engineering sphere - technical, product-focused",
	"academic_research":   "Academic & Research sphere - scholarly, evidence-based",
	"osint_intel":         "OSINT & Intel sphere - open source intelligence, security-focused",
}

// NoiseSphereNames returns the nine noise trader-state keys
func NoiseSphereNames() []string {
	return []string{
		"eacc_sovereign", "america_first", "blue_establishment",
		"progressive_left", "optimizer_idw", "fintwit_market",
		"builder_engineering", "academic_research", "osint_intel",
	}
}

// userAccounts maps user trader names to the public X accounts they track
var userAccounts = map[string]string{
	"oliver": "OliveeLin",
	"owen":   "OwenZhang159710",
	"skylar": "SkylarWang15",
	"tyler":  "tyzchen",
}

// UserTraderNames returns the four user trader-state keys
func UserTraderNames() []string {
	return []string{"oliver", "owen", "skylar", "tyler"}
}

// traderSchema constrains every trading agent's reply
func traderSchema() *llm.ResponseFormat {
	return llm.NewSchemaFormat("trader_prediction", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prediction":           map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 100},
			"analysis":             map[string]interface{}{"type": "string"},
			"signal":               map[string]interface{}{"type": "string", "enum": []string{"yes", "no", "uncertain", "mixed"}},
			"baseline_probability": map[string]interface{}{"type": "integer"},
			"confidence":           map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
			"notes_for_next_round": map[string]interface{}{"type": "string"},
		},
		"required": []string{"prediction", "analysis", "signal", "confidence", "notes_for_next_round"},
	})
}

const fundamentalSystemPrompt = `You are an advanced AI forecasting system fine-tuned to provide calibrated probabilistic forecasts under uncertainty. Your performance is evaluated according to the Brier score.

You are a PERSISTENT TRADER who will be called multiple times throughout a trading session. You can save notes for yourself that will be provided back to you in the next round.

IMPORTANT: You do NOT have access to social media or external news. You must form your predictions based ONLY on:
1. The market question and resolution criteria
2. Market data (orderbook, recent trades)
3. Your notes from previous rounds
4. Your own analytical reasoning

CRITICAL CALIBRATION RULES:
- Do NOT treat 0.5%% (1:199 odds) and 5%% (1:19) as similarly "small" probabilities
- Do NOT treat 90%% (9:1) and 99%% (99:1) as similarly "high" probabilities
- These represent markedly different odds - be precise with tail probabilities
- The market price is information, but may be wrong - don't blindly follow it

YOUR TRADING STYLE:
%s

Known bias to be aware of: %s

YOUR FORECASTING PROCESS:
1. Review your previous notes (if any) - what did you want to track? Anchor to your previous predictions, but make updates if the current market is surprising.
2. Extract key facts from market data. What does the market activity tell you about the other traders?
3. Weigh the reasons for NO against the reasons for YES.
4. Output an initial probability, then reflect: sanity checks, base rates, calibration.
5. Output your final prediction (0-100) and write detailed notes for your next round.`

const noiseSystemPrompt = `You are a trader who follows one specific sphere of X (Twitter) and trades a prediction market on what that sphere is saying.

THE SPHERE YOU MONITOR:
%s

You are a PERSISTENT TRADER who will be called multiple times throughout a trading session. You can save notes for yourself that will be provided back to you in the next round.

You will receive recent posts from your sphere that were filtered for relevance to the market question. You may also call the search_posts tool to fetch additional posts when the provided set is insufficient.

Your task:
1. Read the posts through your sphere's lens. What does this corner of X believe about the question?
2. Weigh sentiment against substance - your sphere can be loud and wrong.
3. Return a calibrated probability 0-100 that the market resolves YES, an analysis grounded in the posts, and notes for your next round.`

const userSystemPrompt = `You are a trader who tracks a single public X (Twitter) account and trades a prediction market on what that account posts.

TRACKED ACCOUNT: @%s

You are a PERSISTENT TRADER who will be called multiple times throughout a trading session. You can save notes for yourself that will be provided back to you in the next round.

Your task:
- Use only what the account's posts imply about the market question.
- Return a calibrated probability 0-100 and brief reasoning tied directly to the posts.`

// marketInput is the shared per-round market context every trader sees
type marketInput struct {
	Question     string
	Snapshot     market.BookSnapshot
	RecentTrades []market.Trade
	RoundNumber  int
}

// baseline derives the trader's reference probability from the book
func (m marketInput) baseline() int {
	if m.Snapshot.MidPrice != nil {
		return int(*m.Snapshot.MidPrice)
	}
	if len(m.Snapshot.Bids) > 0 {
		return m.Snapshot.Bids[0].Price
	}
	if len(m.Snapshot.Asks) > 0 {
		return m.Snapshot.Asks[0].Price
	}
	return 50
}

// formatMarketData renders the book and tape the way traders read it
func formatMarketData(input marketInput) string {
	var b strings.Builder

	if len(input.Snapshot.Bids) > 0 {
		b.WriteString("BID ORDERS (buying YES):\n")
		for i, lvl := range input.Snapshot.Bids {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "  %d shares @ %d¢\n", lvl.Quantity, lvl.Price)
		}
	} else {
		b.WriteString("BID ORDERS: None\n")
	}

	if len(input.Snapshot.Asks) > 0 {
		b.WriteString("ASK ORDERS (selling YES):\n")
		for i, lvl := range input.Snapshot.Asks {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "  %d shares @ %d¢\n", lvl.Quantity, lvl.Price)
		}
	} else {
		b.WriteString("ASK ORDERS: None\n")
	}

	if len(input.RecentTrades) > 0 {
		b.WriteString("\nRECENT TRADES:\n")
		for i, t := range input.RecentTrades {
			if i == 10 {
				break
			}
			fmt.Fprintf(&b, "  %s bought from %s: %d @ %d¢\n", t.Buyer, t.Seller, t.Quantity, t.Price)
		}
	} else {
		b.WriteString("\nRECENT TRADES: None yet\n")
	}

	fmt.Fprintf(&b, "\nTotal Volume: %d", input.Snapshot.Volume)
	return b.String()
}

func previousNotesSection(notes string) string {
	if notes == "" {
		return "YOUR NOTES FROM PREVIOUS ROUND:\n(This is your first round - no previous notes available)\n"
	}
	return fmt.Sprintf(`YOUR NOTES FROM PREVIOUS ROUND:
%s

Review these notes. What has changed in the market? What should you update in your thinking?
`, notes)
}

// fundamentalUserMessage builds the market-data-only trading prompt
func fundamentalUserMessage(traderType string, input marketInput, notes string) string {
	profile := fundamentalProfiles[traderType]

	var hints strings.Builder
	fmt.Fprintf(&hints, "ANALYSIS FOCUS (%s):\n", profile.displayName)
	for _, h := range profile.hints {
		fmt.Fprintf(&hints, "- %s\n", h)
	}

	spread := "N/A"
	if input.Snapshot.Spread != nil {
		spread = fmt.Sprintf("%d¢", *input.Snapshot.Spread)
	}

	return fmt.Sprintf(`TRADING ROUND: %d

FORECAST QUESTION: %s

TODAY'S DATE: %s

TRADER PROFILE: %s
%s
CURRENT MARKET STATE:
Baseline (Mid Price): %d%%
Spread: %s

MARKET DATA:
%s

%s
REMEMBER: You do NOT have access to social media or news. Base your prediction on:
1. Market data above (prices, volume, spread)
2. Your previous notes and reasoning
3. The question's fundamentals and base rates`,
		input.RoundNumber, input.Question, time.Now().UTC().Format("2006-01-02"),
		profile.displayName, previousNotesSection(notes), input.baseline(), spread,
		formatMarketData(input), hints.String())
}

// noiseUserMessage builds the posts-plus-market trading prompt
func noiseUserMessage(sphere string, input marketInput, notes string, posts []xsearch.Post, query string) string {
	var postLines strings.Builder
	if len(posts) == 0 {
		postLines.WriteString("(No relevant posts found this round.)\n")
	}
	for i, p := range posts {
		text := p.Text
		if len(text) > 400 {
			text = text[:400] + "..."
		}
		fmt.Fprintf(&postLines, "[%d] @%s | likes %d | retweets %d\n    %q\n", i+1, p.Author, p.Likes, p.Retweets, text)
	}

	return fmt.Sprintf(`TRADING ROUND: %d

MARKET QUESTION: %s

SPHERE: %s
SEARCH QUERY USED: %s
%s
RELEVANT POSTS FROM YOUR SPHERE:
%s
CURRENT MARKET STATE:
Baseline (Mid Price): %d%%

MARKET DATA:
%s

Return a calibrated probability 0-100 that the market resolves YES, grounded in what your sphere is saying.`,
		input.RoundNumber, input.Question, sphere, query,
		previousNotesSection(notes), postLines.String(), input.baseline(), formatMarketData(input))
}

// userTraderMessage builds the tracked-account trading prompt
func userTraderMessage(username string, input marketInput, notes string, posts []xsearch.Post) string {
	var postLines strings.Builder
	for i, p := range posts {
		text := p.Text
		if len(text) > 400 {
			text = text[:400] + "..."
		}
		fmt.Fprintf(&postLines, "[%d] likes %d | retweets %d\n    %q\n", i+1, p.Likes, p.Retweets, text)
	}

	return fmt.Sprintf(`TRADING ROUND: %d

MARKET QUESTION: %s

TODAY: %s
BASELINE (market): %d%%
%s
LATEST POSTS FROM @%s:
%s
INSTRUCTIONS:
- Use only what these posts imply about the market question.
- Return a calibrated probability 0-100 and brief reasoning tied directly to the posts.`,
		input.RoundNumber, input.Question, time.Now().UTC().Format("2006-01-02"),
		input.baseline(), previousNotesSection(notes), username, postLines.String())
}

// searchPostsTool is offered to noise traders for ad-hoc lookups
func searchPostsTool() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.ToolFunction{
			Name:        "search_posts",
			Description: "Search recent public X posts matching a boolean OR query",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Flat OR query, e.g. 'bitcoin OR BTC OR crypto'",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// executeSearchPosts serves a noise trader's tool call from the search client
func executeSearchPosts(ctx context.Context, search *xsearch.Client, call llm.ToolCall) (string, error) {
	args, err := call.Function.ArgumentsMap()
	if err != nil {
		return "", fmt.Errorf("bad search_posts arguments: %w", err)
	}
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("search_posts requires a query")
	}

	posts, err := search.SearchTopic(ctx, query)
	if err != nil {
		return "", err
	}
	posts = topByEngagement(posts, maxFilteredPosts)

	var b strings.Builder
	fmt.Fprintf(&b, `{"posts": [`)
	for i, p := range posts {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"author": %q, "text": %q, "likes": %d, "retweets": %d}`, p.Author, p.Text, p.Likes, p.Retweets)
	}
	b.WriteString("]}")
	return b.String(), nil
}
