package forecast

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/foresight/internal/agent"
	"github.com/quantfold/foresight/internal/db"
	"github.com/quantfold/foresight/internal/llm"
)

// fakeStore is an in-memory Store safe for concurrent agent fan-out
type fakeStore struct {
	mu sync.Mutex

	sessionStatus map[uuid.UUID]string
	phases        []string
	completed     map[uuid.UUID][3]float64

	responses      map[uuid.UUID]*db.ForecasterResponse
	responseStatus map[uuid.UUID]string
	responseError  map[uuid.UUID]string

	logs    map[uuid.UUID]*db.AgentLog
	factors []*db.Factor
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessionStatus:  make(map[uuid.UUID]string),
		completed:      make(map[uuid.UUID][3]float64),
		responses:      make(map[uuid.UUID]*db.ForecasterResponse),
		responseStatus: make(map[uuid.UUID]string),
		responseError:  make(map[uuid.UUID]string),
		logs:           make(map[uuid.UUID]*db.AgentLog),
	}
}

func (s *fakeStore) StartSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionStatus[id] = "running"
	return nil
}

func (s *fakeStore) UpdateSessionPhase(ctx context.Context, id uuid.UUID, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
	return nil
}

func (s *fakeStore) CompleteSession(ctx context.Context, id uuid.UUID, probability, confidence, duration float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionStatus[id] = "completed"
	s.completed[id] = [3]float64{probability, confidence, duration}
	return nil
}

func (s *fakeStore) FailSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionStatus[id] = "failed"
	return nil
}

func (s *fakeStore) CreateForecasterResponse(ctx context.Context, resp *db.ForecasterResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if resp.ID == uuid.Nil {
		resp.ID = uuid.New()
	}
	s.responses[resp.ID] = resp
	s.responseStatus[resp.ID] = "running"
	return nil
}

func (s *fakeStore) CompleteForecasterResponse(ctx context.Context, id uuid.UUID, prediction map[string]interface{}, durations map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseStatus[id] = "completed"
	s.responses[id].Prediction = prediction
	s.responses[id].PhaseDurations = durations
	return nil
}

func (s *fakeStore) FailForecasterResponse(ctx context.Context, id uuid.UUID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseStatus[id] = "failed"
	s.responseError[id] = cause
	return nil
}

func (s *fakeStore) CreateAgentLog(ctx context.Context, sessionID uuid.UUID, agentName, phase string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.logs[id] = &db.AgentLog{ID: id, SessionID: sessionID, AgentName: agentName, Phase: phase, Status: "running", CreatedAt: time.Now()}
	return id, nil
}

func (s *fakeStore) FinishAgentLog(ctx context.Context, id uuid.UUID, status string, tokens int, output map[string]interface{}, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[id]
	l.Status = status
	l.TokensUsed = tokens
	l.Output = output
	l.Error = errMsg
	return nil
}

func (s *fakeStore) CreateFactor(ctx context.Context, factor *db.Factor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if factor.ID == uuid.Nil {
		factor.ID = uuid.New()
	}
	s.factors = append(s.factors, factor)
	return nil
}

func (s *fakeStore) GetSessionFactors(ctx context.Context, sessionID uuid.UUID, orderByImportance bool) ([]db.Factor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.Factor
	for _, f := range s.factors {
		if f.SessionID == sessionID {
			out = append(out, *f)
		}
	}
	if orderByImportance {
		// importance desc, unscored last; stable enough for tests
		for i := 0; i < len(out); i++ {
			for j := i + 1; j < len(out); j++ {
				si, sj := out[i].ImportanceScore, out[j].ImportanceScore
				swap := false
				switch {
				case si == nil && sj != nil:
					swap = true
				case si != nil && sj != nil && *sj > *si:
					swap = true
				}
				if swap {
					out[i], out[j] = out[j], out[i]
				}
			}
		}
	}
	return out, nil
}

func (s *fakeStore) SetFactorImportance(ctx context.Context, sessionID uuid.UUID, name string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.factors {
		if f.SessionID == sessionID && f.Name == name {
			v := score
			f.ImportanceScore = &v
		}
	}
	return nil
}

func (s *fakeStore) SetFactorResearchSummary(ctx context.Context, factorID uuid.UUID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.factors {
		if f.ID == factorID {
			v := summary
			f.ResearchSummary = &v
		}
	}
	return nil
}

func (s *fakeStore) logCounts() (total int, byPhase map[string]int, byStatus map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byPhase = make(map[string]int)
	byStatus = make(map[string]int)
	for _, l := range s.logs {
		total++
		byPhase[l.Phase]++
		byStatus[l.Status]++
	}
	return
}

// pipelineCompleter answers by recognizing which pipeline agent is asking.
// failDiscovery makes the first N discovery calls fail.
type pipelineCompleter struct {
	mu             sync.Mutex
	failDiscovery  int
	discoveryCalls int
	emptyDiscovery bool
}

func (p *pipelineCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.ChatResponse, error) {
	reply := func(content string) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{
			Choices: []llm.Choice{{Message: llm.ChatMessage{Role: "assistant", Content: content}}},
			Usage:   llm.Usage{TotalTokens: 7},
		}, nil
	}

	sys := req.SystemPrompt
	switch {
	case strings.Contains(sys, "factor discovery specialist"):
		p.mu.Lock()
		p.discoveryCalls++
		n := p.discoveryCalls
		shouldFail := n <= p.failDiscovery
		p.mu.Unlock()
		if shouldFail {
			return nil, &llm.APIError{Kind: llm.ErrUpstream, Message: "model unavailable"}
		}
		if p.emptyDiscovery {
			return reply(`{"factors": []}`)
		}
		return reply(fmt.Sprintf(
			`{"factors": [{"name": "Factor %d", "description": "Driver %d", "category": "economic"}]}`, n, n))

	case strings.Contains(sys, "factor validation specialist"):
		return reply(`{"validated_factors": [
			{"name": "Factor A", "description": "Primary driver", "category": "economic"},
			{"name": "Factor B", "description": "Secondary driver", "category": "political"}
		]}`)

	case strings.Contains(sys, "importance rater"):
		return reply(`{
			"rated_factors": [
				{"name": "Factor 1", "importance_score": 9},
				{"name": "Factor 2", "importance_score": 6}
			],
			"top_factors": [
				{"name": "Factor 1", "description": "Primary driver", "category": "economic"},
				{"name": "Factor 2", "description": "Secondary driver", "category": "political"}
			]
		}`)

	case strings.Contains(sys, "historical pattern analyst"):
		return reply(`{"factor_name": "Factor 1", "historical_analysis": "It happened before.", "sources": ["archive.org"], "confidence": 0.8}`)

	case strings.Contains(sys, "current data researcher"):
		return reply(`{"factor_name": "Factor 1", "current_findings": "It is happening now.", "sources": ["news.example"], "confidence": 0.7}`)

	case strings.Contains(sys, "prediction synthesis specialist"):
		return reply(`{"prediction": "Yes", "prediction_probability": 0.72, "confidence": 0.65, "reasoning": "Base rates plus momentum.", "key_factors": ["Factor 1"]}`)
	}

	return nil, fmt.Errorf("unrecognized request: %q", sys)
}

func testOrchestrator(client llm.Completer, store Store) *Orchestrator {
	return NewOrchestrator(client, store, agent.Config{
		MaxRetries:  1,
		Timeout:     time.Second,
		BackoffBase: time.Millisecond,
	})
}

func TestRunHappyPath(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(&pipelineCompleter{}, store)
	sessionID := uuid.New()

	payload, err := o.Run(context.Background(), sessionID, "Will it rain tomorrow?", "binary", "balanced", nil)
	require.NoError(t, err)

	assert.Equal(t, "Yes", payload["prediction"])
	assert.NotNil(t, payload["_phase_durations"])
	assert.NotEmpty(t, payload["total_duration"])

	// 10 discovery + validator + rating_consensus + 5 historical + 5 current + synthesizer
	total, byPhase, byStatus := store.logCounts()
	assert.Equal(t, 23, total)
	assert.Equal(t, 10, byPhase[PhaseDiscovery])
	assert.Equal(t, 2, byPhase[PhaseValidation])
	assert.Equal(t, 10, byPhase[PhaseResearch])
	assert.Equal(t, 1, byPhase[PhaseSynthesis])
	assert.Equal(t, 23, byStatus["completed"])

	assert.Equal(t, "completed", store.sessionStatus[sessionID])
	final := store.completed[sessionID]
	assert.InDelta(t, 0.72, final[0], 1e-9)
	assert.InDelta(t, 0.65, final[1], 1e-9)

	assert.Equal(t, []string{PhaseDiscovery, PhaseValidation, PhaseResearch, PhaseSynthesis}, store.phases)

	// scores written back by name, research summaries attached
	var scored, researched int
	for _, f := range store.factors {
		if f.ImportanceScore != nil {
			scored++
		}
		if f.ResearchSummary != nil {
			researched++
			assert.Contains(t, *f.ResearchSummary, "Historical Analysis:")
			assert.Contains(t, *f.ResearchSummary, "Current Findings:")
			assert.Contains(t, *f.ResearchSummary, "archive.org")
		}
	}
	assert.Equal(t, 2, scored)
	assert.GreaterOrEqual(t, researched, 1)
}

func TestRunToleratesPartialDiscoveryFailure(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(&pipelineCompleter{failDiscovery: 3}, store)
	sessionID := uuid.New()

	_, err := o.Run(context.Background(), sessionID, "Will it rain tomorrow?", "binary", "balanced", nil)
	require.NoError(t, err)

	assert.Equal(t, "completed", store.sessionStatus[sessionID])
	_, _, byStatus := store.logCounts()
	assert.Equal(t, 3, byStatus["failed"])

	// only the 7 surviving agents contributed factors
	var discovered int
	for _, f := range store.factors {
		if strings.HasPrefix(f.Name, "Factor ") {
			discovered++
		}
	}
	assert.Equal(t, 7, discovered)
}

func TestRunFailsWhenNoFactorsDiscovered(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(&pipelineCompleter{emptyDiscovery: true}, store)
	sessionID := uuid.New()

	_, err := o.Run(context.Background(), sessionID, "Will it rain tomorrow?", "binary", "balanced", nil)
	require.Error(t, err)

	assert.Contains(t, err.Error(), "no factors discovered")
	assert.Equal(t, "failed", store.sessionStatus[sessionID])

	for id, status := range store.responseStatus {
		assert.Equal(t, "failed", status)
		assert.Contains(t, store.responseError[id], "factor_discovery phase failed")
	}
}

func TestRunFailsWhenAllDiscoveryAgentsFail(t *testing.T) {
	store := newFakeStore()
	o := testOrchestrator(&pipelineCompleter{failDiscovery: 10}, store)

	_, err := o.Run(context.Background(), uuid.New(), "Will it rain tomorrow?", "binary", "balanced", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "factor_discovery phase failed")
}

func TestDefaultAgentCountsByPersona(t *testing.T) {
	assert.Equal(t, AgentCounts{10, 5, 5}, DefaultAgentCounts("balanced"))
	assert.Equal(t, AgentCounts{10, 7, 3}, DefaultAgentCounts("historical"))
	assert.Equal(t, AgentCounts{10, 3, 7}, DefaultAgentCounts("realtime"))
	assert.Equal(t, AgentCounts{10, 5, 5}, DefaultAgentCounts("unknown"))
}

func TestSynthesisPromptSplicesPersona(t *testing.T) {
	p := synthesisPrompt("momentum")
	assert.Contains(t, p, "superforecaster")
	assert.Contains(t, p, "Forecasting style: momentum")

	// unknown persona falls back to balanced
	p = synthesisPrompt("nonsense")
	assert.Contains(t, p, "Forecasting style: balanced")
}
