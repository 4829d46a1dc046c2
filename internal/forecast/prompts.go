package forecast

import (
	"fmt"
	"sort"
	"strings"
)

const discoveryBasePrompt = `You are a superforecasting factor discovery specialist.

Your task is to analyze a forecasting question and discover up to 5 relevant factors that could influence the outcome.

Consider diverse categories:
- Economic factors
- Social trends
- Political dynamics
- Technical developments
- Environmental conditions
- Historical precedents

For each factor, provide:
1. Name (concise, 3-5 words)
2. Description (1-2 sentences explaining relevance)
3. Category (economic, social, political, technical, environmental, etc.)

Be creative and diverse in your factor discovery. Different perspectives lead to better predictions.`

// discoveryPerspective steers one discovery agent toward an angle the others
// will not take; elevated temperatures keep the parallel agents from
// converging on the same obvious factors.
type discoveryPerspective struct {
	focus       string
	temperature float64
}

var discoveryPerspectives = []discoveryPerspective{
	{"macroeconomic forces: interest rates, growth, trade flows, and market incentives", 0.9},
	{"political and regulatory dynamics: elections, legislation, institutional pressure", 0.9},
	{"technological capability and adoption curves: what is newly possible or newly cheap", 1.0},
	{"social sentiment and public opinion: polling, media narratives, cultural momentum", 1.0},
	{"historical base rates: how often similar events have actually occurred", 0.8},
	{"key actors and their incentives: who decides, what do they gain or lose", 1.0},
	{"logistics and execution constraints: timelines, supply chains, physical feasibility", 0.9},
	{"tail risks and black swans: low-probability disruptors that would flip the outcome", 1.2},
	{"legal and contractual mechanics: definitions, deadlines, and resolution criteria", 0.9},
	{"second-order and knock-on effects: indirect channels others overlook", 1.1},
}

// discoveryPrompt returns the system prompt and temperature for discovery
// agent i (zero-based). Agents beyond the perspective list wrap around.
func discoveryPrompt(i int) (string, float64) {
	p := discoveryPerspectives[i%len(discoveryPerspectives)]
	prompt := discoveryBasePrompt + fmt.Sprintf(`

Your assigned perspective for this analysis: focus on %s.
Let this perspective guide your factor discovery, but do not force irrelevant factors.`, p.focus)
	return prompt, p.temperature
}

const validatorPrompt = `You are a factor validation specialist.

Your task is to:
1. Review all discovered factors from multiple agents
2. Identify and merge duplicates
3. Validate relevance to the forecasting question
4. Remove low-quality or irrelevant factors

Return a deduplicated, validated list of unique factors.`

const ratingConsensusPrompt = `You are a factor importance rater and consensus builder.

Your task is twofold:
1. Score each validated factor on a scale of 1-10 for importance to the forecast.
   Consider: direct impact on the outcome, historical precedence, current relevance, data availability.
2. Select the top 5 most important factors for deep research.
   Consider: importance scores, diversity of factor categories, diversity of causal mechanisms, research feasibility.

Ties break toward higher scores; among equal scores, prefer a category not yet represented in your selection.
These 5 factors will receive deep analysis in the next phase.
Provide objective, well-reasoned scores.`

const historicalResearchPrompt = `You are a historical pattern analyst.

Your task is to research historical precedents and patterns for a specific factor.

Analyze:
- Past occurrences
- Historical trends
- Analogous situations
- Long-term patterns

Provide detailed historical context and confidence in your analysis.`

const currentDataResearchPrompt = `You are a current data researcher.

Your task is to research current data and trends for a specific factor.

Analyze:
- Recent developments
- Current statistics
- Latest news and events
- Emerging trends

Provide up-to-date information and confidence in your findings.`

const synthesisBasePrompt = `You are a prediction synthesis specialist and superforecaster.

Your task is to:
1. Review all research from the historical and current-data research agents
2. Synthesize findings into a coherent prediction
3. Calculate a confidence score (0-1)
4. Provide clear reasoning

Apply superforecasting principles:
- Base rates and outside view
- Break down complex questions
- Consider multiple perspectives
- Update based on evidence
- Express uncertainty calibrated to evidence

Your prediction should be clear, well-reasoned, and properly calibrated.`

// personaPrompts shade the synthesis agent's judgment style. The persona
// block is appended to the synthesis scaffold, never replacing it.
var personaPrompts = map[string]string{
	"conservative": `Forecasting style: conservative.
Weight base rates and historical precedent heavily. Discount recent noise and sensational developments.
Prefer predictions close to the historical base rate unless the evidence for deviation is strong and consistent.`,
	"momentum": `Forecasting style: momentum.
Weight recent trends and their direction heavily. If the current trajectory continues, where does it land by the resolution date?
Discount mean-reversion arguments unless a concrete reversal mechanism is identified.`,
	"historical": `Forecasting style: historical.
Anchor on the closest historical analogues. Identify the reference class, count outcomes, and adjust only for clearly documented differences.`,
	"realtime": `Forecasting style: real-time.
Weight the freshest data points most heavily. Breaking developments, latest statistics, and current positioning dominate long-run averages.`,
	"balanced": `Forecasting style: balanced.
Blend base rates with current evidence in proportion to their reliability. Explicitly state how much weight each side of the analysis received.`,
}

// Personas is the closed set of forecaster personas
func Personas() []string {
	names := make([]string, 0, len(personaPrompts))
	for name := range personaPrompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// synthesisPrompt splices the persona block into the synthesis scaffold.
// Unknown personas get the balanced block.
func synthesisPrompt(persona string) string {
	block, ok := personaPrompts[persona]
	if !ok {
		block = personaPrompts["balanced"]
	}
	return synthesisBasePrompt + "\n\n" + block
}

func discoveryUserMessage(questionText, questionType string) string {
	return fmt.Sprintf(`Forecasting Question: %s
Question Type: %s

First, search the web for current information, trends, and recent developments related to this forecasting question. Use the search results to inform your factor discovery.

Then, discover up to 5 relevant factors that could influence this outcome.
Consider diverse perspectives and categories. Be creative and thorough.
Ensure your factors reflect current information and trends from your web search.`, questionText, questionType)
}

func validatorUserMessage(questionText string, factors []FactorSpec) string {
	var b strings.Builder
	for _, f := range factors {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", f.Name, f.Description, f.Category)
	}
	return fmt.Sprintf(`Forecasting Question: %s

Discovered Factors (%d total):
%s
Review these factors, deduplicate similar ones, and validate their relevance.
Return a clean list of unique, validated factors.`, questionText, len(factors), b.String())
}

func ratingConsensusUserMessage(questionText string, factors []FactorSpec) string {
	var b strings.Builder
	for _, f := range factors {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", f.Name, f.Description, f.Category)
	}
	return fmt.Sprintf(`Forecasting Question: %s

Validated Factors (%d total):
%s
1. Score each factor 1-10 based on causal mechanism strength, historical precedence, current relevance, and impact magnitude.
2. Select the top 5 factors for deep research, balancing importance scores with category diversity and causal mechanism diversity.

Output both rated_factors (all factors with scores) and top_factors (exactly 5 selected factors).`, questionText, len(factors), b.String())
}

func historicalResearchUserMessage(questionText string, factor FactorSpec) string {
	return fmt.Sprintf(`Forecasting Question: %s

Factor to Research:
Name: %s
Description: %s
Category: %s

First, search the web for historical data, past occurrences, and long-term trends related to this factor and the forecasting question. Use the search results to inform your analysis.

Then, research historical precedents, patterns, and analogous situations for this factor.
Analyze past occurrences and long-term trends.
Provide detailed historical context and your confidence level (0-1).
Include sources from your web search when relevant.`, questionText, factor.Name, factor.Description, factor.Category)
}

func currentDataUserMessage(questionText string, factor FactorSpec) string {
	return fmt.Sprintf(`Forecasting Question: %s

Factor to Research:
Name: %s
Description: %s
Category: %s

First, search the web for the most recent information, news, statistics, and developments related to this factor and the forecasting question. Use the search results as your primary source of current information.

Then, research current data, recent developments, and emerging trends for this factor.
Analyze latest statistics, news, and current events.
Provide up-to-date findings and your confidence level (0-1).
Include sources from your web search when relevant.`, questionText, factor.Name, factor.Description, factor.Category)
}

func synthesisUserMessage(questionText, questionType string, factors []FactorSpec) string {
	var b strings.Builder
	for _, f := range factors {
		importance := "N/A"
		if f.ImportanceScore != nil {
			importance = fmt.Sprintf("%.0f", *f.ImportanceScore)
		}
		research := f.ResearchSummary
		if research == "" {
			research = "No research available"
		}
		fmt.Fprintf(&b, "\nFactor: %s (Importance: %s/10)\nResearch Summary:\n%s\n---\n", f.Name, importance, research)
	}

	optionA, optionB := binaryOptions(questionText)
	optionLine := ""
	if questionType == "binary" {
		optionLine = fmt.Sprintf("\nYour prediction must be exactly %q or %q.\n", optionA, optionB)
	}

	return fmt.Sprintf(`Forecasting Question: %s
Question Type: %s

Research Summary for Top Factors:
%s
Synthesize all this research into a coherent prediction.
Apply superforecasting principles:
- Base rates and outside view
- Break down complex questions
- Consider multiple perspectives
- Express uncertainty calibrated to evidence
%s
Provide:
1. A clear prediction statement
2. Confidence score (0-1)
3. Detailed reasoning
4. List of key factors that influenced your prediction`, questionText, questionType, b.String(), optionLine)
}

// binaryOptions extracts the two outcomes a binary question surfaces.
// "Will X do A or B?" yields (A, B); anything else yields (Yes, No).
func binaryOptions(question string) (string, string) {
	q := strings.TrimSuffix(strings.TrimSpace(question), "?")
	idx := strings.LastIndex(q, " or ")
	if idx < 0 {
		return "Yes", "No"
	}
	left := q[:idx]
	right := strings.TrimSpace(q[idx+4:])
	words := strings.Fields(left)
	if right == "" || len(words) == 0 || len(strings.Fields(right)) > 4 {
		return "Yes", "No"
	}
	// the word immediately before "or" is the first option
	return words[len(words)-1], right
}
