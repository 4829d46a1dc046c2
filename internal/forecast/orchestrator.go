// Package forecast runs the four-phase superforecasting pipeline: parallel
// factor discovery, sequential validation and rating, parallel research, and
// a single persona-flavored synthesis.
package forecast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/foresight/internal/agent"
	"github.com/quantfold/foresight/internal/config"
	"github.com/quantfold/foresight/internal/db"
	"github.com/quantfold/foresight/internal/llm"
)

// Pipeline phase names, persisted on sessions and agent logs
const (
	PhaseDiscovery  = "factor_discovery"
	PhaseValidation = "validation"
	PhaseResearch   = "research"
	PhaseSynthesis  = "synthesis"
)

// researchFactorCap bounds how many factors enter Phase 3
const researchFactorCap = 5

// Store is the persistence surface the orchestrator needs. *db.DB satisfies
// it; tests substitute an in-memory fake.
type Store interface {
	StartSession(ctx context.Context, sessionID uuid.UUID) error
	UpdateSessionPhase(ctx context.Context, sessionID uuid.UUID, phase string) error
	CompleteSession(ctx context.Context, sessionID uuid.UUID, probability, confidence, durationSeconds float64) error
	FailSession(ctx context.Context, sessionID uuid.UUID) error

	CreateForecasterResponse(ctx context.Context, resp *db.ForecasterResponse) error
	CompleteForecasterResponse(ctx context.Context, id uuid.UUID, prediction map[string]interface{}, phaseDurations map[string]float64) error
	FailForecasterResponse(ctx context.Context, id uuid.UUID, cause string) error

	CreateAgentLog(ctx context.Context, sessionID uuid.UUID, agentName, phase string) (uuid.UUID, error)
	FinishAgentLog(ctx context.Context, id uuid.UUID, status string, tokensUsed int, output map[string]interface{}, errMsg *string) error

	CreateFactor(ctx context.Context, factor *db.Factor) error
	GetSessionFactors(ctx context.Context, sessionID uuid.UUID, orderByImportance bool) ([]db.Factor, error)
	SetFactorImportance(ctx context.Context, sessionID uuid.UUID, name string, score float64) error
	SetFactorResearchSummary(ctx context.Context, factorID uuid.UUID, summary string) error
}

// AgentCounts sets how many parallel agents each fan-out phase launches
type AgentCounts struct {
	Discovery  int
	Historical int
	Current    int
}

// DefaultAgentCounts returns the per-persona fan-out. Historical forecasters
// lean on more historical researchers, real-time ones on more current-data
// researchers.
func DefaultAgentCounts(persona string) AgentCounts {
	switch persona {
	case "historical":
		return AgentCounts{Discovery: 10, Historical: 7, Current: 3}
	case "realtime":
		return AgentCounts{Discovery: 10, Historical: 3, Current: 7}
	default:
		return AgentCounts{Discovery: 10, Historical: 5, Current: 5}
	}
}

// Orchestrator owns one session at a time; a single instance may run many
// sessions sequentially or callers may create one per session.
type Orchestrator struct {
	store  Store
	runner *agent.Runner
}

// NewOrchestrator wires the pipeline to an LLM client and a store
func NewOrchestrator(client llm.Completer, store Store, agentConfig agent.Config) *Orchestrator {
	return &Orchestrator{
		store:  store,
		runner: agent.NewRunner(client, agentConfig),
	}
}

// Run executes the full pipeline for a session and returns the final
// prediction payload. Phases are fail-stop: an error in validation or
// synthesis (or an empty factor set) marks the session and response failed
// and is returned. Partial failures inside a fan-out phase are tolerated.
func (o *Orchestrator) Run(ctx context.Context, sessionID uuid.UUID, questionText, questionType, persona string, counts *AgentCounts) (map[string]interface{}, error) {
	logger := config.NewSessionLogger("forecast", sessionID.String())
	start := time.Now()

	if persona == "" {
		persona = "balanced"
	}
	c := DefaultAgentCounts(persona)
	if counts != nil {
		c = *counts
	}

	if err := o.store.StartSession(ctx, sessionID); err != nil {
		return nil, err
	}
	resp := &db.ForecasterResponse{SessionID: sessionID, Forecaster: persona}
	if err := o.store.CreateForecasterResponse(ctx, resp); err != nil {
		return nil, err
	}

	durations := make(map[string]float64)
	fail := func(phase string, cause error) (map[string]interface{}, error) {
		err := fmt.Errorf("%s phase failed: %w", phase, cause)
		logger.Error().Err(cause).Str("phase", phase).Msg("Forecast pipeline failed")
		o.store.FailForecasterResponse(ctx, resp.ID, err.Error())
		o.store.FailSession(ctx, sessionID)
		return nil, err
	}

	runPhase := func(phase string, fn func() error) error {
		if err := o.store.UpdateSessionPhase(ctx, sessionID, phase); err != nil {
			return err
		}
		phaseStart := time.Now()
		err := fn()
		durations[phase] = time.Since(phaseStart).Seconds()
		logger.Info().
			Str("phase", phase).
			Float64("seconds", durations[phase]).
			Bool("ok", err == nil).
			Msg("Phase finished")
		return err
	}

	if err := runPhase(PhaseDiscovery, func() error {
		return o.runDiscovery(ctx, sessionID, questionText, questionType, c.Discovery)
	}); err != nil {
		return fail(PhaseDiscovery, err)
	}

	if err := runPhase(PhaseValidation, func() error {
		return o.runValidation(ctx, sessionID, questionText)
	}); err != nil {
		return fail(PhaseValidation, err)
	}

	if err := runPhase(PhaseResearch, func() error {
		return o.runResearch(ctx, sessionID, questionText, c.Historical, c.Current)
	}); err != nil {
		return fail(PhaseResearch, err)
	}

	var prediction map[string]interface{}
	var parsed PredictionOutput
	if err := runPhase(PhaseSynthesis, func() error {
		var err error
		prediction, parsed, err = o.runSynthesis(ctx, sessionID, questionText, questionType, persona)
		return err
	}); err != nil {
		return fail(PhaseSynthesis, err)
	}

	total := time.Since(start)
	prediction["_phase_durations"] = durations
	prediction["total_duration"] = total.Round(time.Second).String()

	if err := o.store.CompleteForecasterResponse(ctx, resp.ID, prediction, durations); err != nil {
		return nil, err
	}
	if err := o.store.CompleteSession(ctx, sessionID, parsed.PredictionProbability, parsed.Confidence, total.Seconds()); err != nil {
		return nil, err
	}

	logger.Info().
		Float64("probability", parsed.PredictionProbability).
		Float64("confidence", parsed.Confidence).
		Dur("duration", total).
		Msg("Forecast completed")

	return prediction, nil
}

// runDiscovery fans out the discovery agents and persists every factor the
// successful ones return. Duplicates are kept; validation resolves them.
func (o *Orchestrator) runDiscovery(ctx context.Context, sessionID uuid.UUID, questionText, questionType string, n int) error {
	input := map[string]interface{}{
		"question_text": questionText,
		"question_type": questionType,
	}

	var mu sync.Mutex
	var discovered []FactorSpec

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			prompt, temperature := discoveryPrompt(i)
			def := agent.Definition{
				Name:         fmt.Sprintf("discovery_%d", i+1),
				Type:         "discovery",
				Phase:        PhaseDiscovery,
				SystemPrompt: prompt,
				Schema:       discoverySchema(),
				Temperature:  temperature,
				BuildUserMessage: func(ctx context.Context, input map[string]interface{}) (string, error) {
					return discoveryUserMessage(questionText, questionType), nil
				},
			}

			result, err := o.executeLogged(gctx, sessionID, def, input)
			if err != nil {
				// a failed discovery agent drops its factors, nothing more
				return nil
			}

			var out DiscoveryOutput
			if err := decodeOutput(result.Output, &out); err != nil {
				return nil
			}

			mu.Lock()
			discovered = append(discovered, out.Factors...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(discovered) == 0 {
		return fmt.Errorf("no factors discovered by any agent")
	}

	for _, f := range discovered {
		factor := &db.Factor{
			SessionID:   sessionID,
			Name:        f.Name,
			Description: f.Description,
			Category:    f.Category,
		}
		if factor.Category == "" {
			factor.Category = "unknown"
		}
		if err := o.store.CreateFactor(ctx, factor); err != nil {
			return err
		}
	}
	return nil
}

// runValidation runs the validator then the merged rating+consensus agent,
// writing importance scores back to factor rows by name.
func (o *Orchestrator) runValidation(ctx context.Context, sessionID uuid.UUID, questionText string) error {
	rows, err := o.store.GetSessionFactors(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no factors found for validation")
	}

	factors := make([]FactorSpec, len(rows))
	for i, r := range rows {
		factors[i] = FactorSpec{Name: r.Name, Description: r.Description, Category: r.Category}
	}

	validatorDef := agent.Definition{
		Name:         "validator",
		Type:         "validation",
		Phase:        PhaseValidation,
		SystemPrompt: validatorPrompt,
		Schema:       validationSchema(),
		BuildUserMessage: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return validatorUserMessage(questionText, factors), nil
		},
	}
	result, err := o.executeLogged(ctx, sessionID, validatorDef, nil)
	if err != nil {
		return err
	}

	validated, err := normalizeValidatedFactors(result.Output)
	if err != nil {
		return err
	}

	ratingDef := agent.Definition{
		Name:         "rating_consensus",
		Type:         "validation",
		Phase:        PhaseValidation,
		SystemPrompt: ratingConsensusPrompt,
		Schema:       ratingConsensusSchema(),
		BuildUserMessage: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return ratingConsensusUserMessage(questionText, validated), nil
		},
	}
	result, err = o.executeLogged(ctx, sessionID, ratingDef, nil)
	if err != nil {
		return err
	}

	var rated RatingConsensusOutput
	if err := decodeOutput(result.Output, &rated); err != nil {
		return err
	}
	if len(rated.RatedFactors) == 0 {
		return fmt.Errorf("rating agent returned no scored factors")
	}

	for _, rf := range rated.RatedFactors {
		if rf.Name == "" {
			continue
		}
		if err := o.store.SetFactorImportance(ctx, sessionID, rf.Name, rf.ImportanceScore); err != nil {
			return err
		}
	}
	return nil
}

// researchResult pairs one research agent's output with its factor index
type researchResult struct {
	factorIdx  int
	historical *HistoricalResearchOutput
	current    *CurrentDataOutput
}

// runResearch assigns historical and current-data agents round-robin across
// the top factors and writes one concatenated research summary per factor.
func (o *Orchestrator) runResearch(ctx context.Context, sessionID uuid.UUID, questionText string, histN, currN int) error {
	rows, err := o.store.GetSessionFactors(ctx, sessionID, true)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("no factors found for research")
	}
	if len(rows) > researchFactorCap {
		rows = rows[:researchFactorCap]
	}

	factors := make([]FactorSpec, len(rows))
	for i, r := range rows {
		factors[i] = FactorSpec{Name: r.Name, Description: r.Description, Category: r.Category}
	}

	var mu sync.Mutex
	var results []researchResult

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < histN; i++ {
		i := i
		idx := i % len(factors)
		g.Go(func() error {
			def := agent.Definition{
				Name:         fmt.Sprintf("historical_%d", i+1),
				Type:         "research",
				Phase:        PhaseResearch,
				SystemPrompt: historicalResearchPrompt,
				Schema:       historicalResearchSchema(),
				BuildUserMessage: func(ctx context.Context, input map[string]interface{}) (string, error) {
					return historicalResearchUserMessage(questionText, factors[idx]), nil
				},
			}
			result, err := o.executeLogged(gctx, sessionID, def, nil)
			if err != nil {
				return nil
			}
			var out HistoricalResearchOutput
			if err := decodeOutput(result.Output, &out); err != nil {
				return nil
			}
			mu.Lock()
			results = append(results, researchResult{factorIdx: idx, historical: &out})
			mu.Unlock()
			return nil
		})
	}
	for i := 0; i < currN; i++ {
		i := i
		idx := i % len(factors)
		g.Go(func() error {
			def := agent.Definition{
				Name:         fmt.Sprintf("current_%d", i+1),
				Type:         "research",
				Phase:        PhaseResearch,
				SystemPrompt: currentDataResearchPrompt,
				Schema:       currentDataSchema(),
				BuildUserMessage: func(ctx context.Context, input map[string]interface{}) (string, error) {
					return currentDataUserMessage(questionText, factors[idx]), nil
				},
			}
			result, err := o.executeLogged(gctx, sessionID, def, nil)
			if err != nil {
				return nil
			}
			var out CurrentDataOutput
			if err := decodeOutput(result.Output, &out); err != nil {
				return nil
			}
			mu.Lock()
			results = append(results, researchResult{factorIdx: idx, current: &out})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for idx := range factors {
		summary := buildResearchSummary(results, idx)
		if summary == "" {
			continue
		}
		if err := o.store.SetFactorResearchSummary(ctx, rows[idx].ID, summary); err != nil {
			return err
		}
	}
	return nil
}

// buildResearchSummary concatenates all analyses for one factor with the
// union of their sources.
func buildResearchSummary(results []researchResult, factorIdx int) string {
	var historical, current []string
	sourceSet := make(map[string]bool)
	var sources []string

	addSources := func(items []string) {
		for _, s := range items {
			if s == "" || sourceSet[s] {
				continue
			}
			sourceSet[s] = true
			sources = append(sources, s)
		}
	}

	for _, r := range results {
		if r.factorIdx != factorIdx {
			continue
		}
		if r.historical != nil && r.historical.HistoricalAnalysis != "" {
			historical = append(historical, r.historical.HistoricalAnalysis)
			addSources(r.historical.Sources)
		}
		if r.current != nil && r.current.CurrentFindings != "" {
			current = append(current, r.current.CurrentFindings)
			addSources(r.current.Sources)
		}
	}

	if len(historical) == 0 && len(current) == 0 {
		return ""
	}

	var b strings.Builder
	if len(historical) > 0 {
		b.WriteString("Historical Analysis:\n")
		b.WriteString(strings.Join(historical, "\n\n"))
	}
	if len(current) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Current Findings:\n")
		b.WriteString(strings.Join(current, "\n\n"))
	}
	if len(sources) > 0 {
		b.WriteString("\n\nSources: ")
		b.WriteString(strings.Join(sources, ", "))
	}
	return b.String()
}

// runSynthesis runs the single persona-flavored synthesis agent over the
// researched factors.
func (o *Orchestrator) runSynthesis(ctx context.Context, sessionID uuid.UUID, questionText, questionType, persona string) (map[string]interface{}, PredictionOutput, error) {
	var parsed PredictionOutput

	rows, err := o.store.GetSessionFactors(ctx, sessionID, true)
	if err != nil {
		return nil, parsed, err
	}
	if len(rows) > researchFactorCap {
		rows = rows[:researchFactorCap]
	}

	factors := make([]FactorSpec, len(rows))
	for i, r := range rows {
		factors[i] = FactorSpec{
			Name:            r.Name,
			Description:     r.Description,
			Category:        r.Category,
			ImportanceScore: r.ImportanceScore,
		}
		if r.ResearchSummary != nil {
			factors[i].ResearchSummary = *r.ResearchSummary
		}
	}

	def := agent.Definition{
		Name:         "synthesizer",
		Type:         "synthesis",
		Phase:        PhaseSynthesis,
		SystemPrompt: synthesisPrompt(persona),
		Schema:       predictionSchema(),
		BuildUserMessage: func(ctx context.Context, input map[string]interface{}) (string, error) {
			return synthesisUserMessage(questionText, questionType, factors), nil
		},
	}

	result, err := o.executeLogged(ctx, sessionID, def, nil)
	if err != nil {
		return nil, parsed, err
	}
	if err := decodeOutput(result.Output, &parsed); err != nil {
		return nil, parsed, err
	}
	return result.Output, parsed, nil
}

// executeLogged wraps Runner.Execute with agent_log row bookkeeping: the row
// is created before the run and finished exactly once with the terminal
// state.
func (o *Orchestrator) executeLogged(ctx context.Context, sessionID uuid.UUID, def agent.Definition, input map[string]interface{}) (*agent.Result, error) {
	logID, err := o.store.CreateAgentLog(ctx, sessionID, def.Name, def.Phase)
	if err != nil {
		return nil, err
	}

	result, execErr := o.runner.Execute(ctx, def, input)
	if execErr != nil {
		msg := execErr.Error()
		if err := o.store.FinishAgentLog(ctx, logID, string(agent.StateFailed), 0, nil, &msg); err != nil {
			return nil, err
		}
		return nil, execErr
	}

	if err := o.store.FinishAgentLog(ctx, logID, string(result.State), result.TokensUsed, result.Output, nil); err != nil {
		return nil, err
	}
	return result, nil
}
