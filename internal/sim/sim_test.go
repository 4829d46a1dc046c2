package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	"github.com/quantfold/foresight/internal/market"
	"github.com/quantfold/foresight/internal/xsearch"
)

// stubCompleter routes canned replies by system prompt substring
type stubCompleter struct {
	mu      sync.Mutex
	replies map[string]string // system prompt substring -> JSON content
	calls   []llm.CompletionRequest
}

func (s *stubCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	system := req.SystemPrompt
	if len(req.Messages) > 0 {
		system = req.Messages[0].Content
	}
	for key, content := range s.replies {
		if strings.Contains(system, key) {
			return &llm.ChatResponse{
				Choices: []llm.Choice{{Message: llm.ChatMessage{Role: "assistant", Content: content}}},
				Usage:   llm.Usage{TotalTokens: 40},
			}, nil
		}
	}
	return nil, fmt.Errorf("no stub reply for prompt: %.60s", system)
}

// memStore is an in-memory Store
type memStore struct {
	mu      sync.Mutex
	traders map[string]db.TraderState
	trades  []db.TradeRecord
}

func newMemStore() *memStore {
	return &memStore{traders: make(map[string]db.TraderState)}
}

func (m *memStore) UpsertTrader(_ context.Context, sessionID uuid.UUID, name, traderType, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traders[name] = db.TraderState{SessionID: sessionID, Name: name, Type: traderType, Notes: notes}
	return nil
}

func (m *memStore) GetTrader(_ context.Context, _ uuid.UUID, name string) (*db.TraderState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.traders[name]; ok {
		return &state, nil
	}
	return nil, nil
}

func (m *memStore) RecordTrade(_ context.Context, trade *db.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, *trade)
	return nil
}

func (m *memStore) tradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

func traderReply(prediction int, notes string) string {
	out := map[string]interface{}{
		"prediction":           prediction,
		"analysis":             "stub analysis",
		"signal":               "yes",
		"baseline_probability": 50,
		"confidence":           0.8,
		"notes_for_next_round": notes,
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

func testRunner(completer llm.Completer) *agent.Runner {
	return agent.NewRunner(completer, agent.Config{
		MaxRetries:  1,
		Timeout:     5 * time.Second,
		BackoffBase: time.Millisecond,
	})
}

func fundamentalsOnlySim(t *testing.T, completer llm.Completer, store Store) (*Simulation, *market.OrderBook) {
	t.Helper()
	sessionID := uuid.New()
	book := market.NewOrderBook(sessionID)
	sim := New(sessionID, "Will the Fed cut rates in September?", book, testRunner(completer), store, nil, nil, Config{})
	return sim, book
}

func TestRunRoundFundamentalsQuote(t *testing.T) {
	completer := &stubCompleter{replies: map[string]string{
		"calibrated probabilistic forecasts": traderReply(60, "watch the spread"),
	}}
	store := newMemStore()
	sim, book := fundamentalsOnlySim(t, completer, store)

	require.NoError(t, sim.RunRound(context.Background()))

	// five fundamental traders, each quoting two sides around 60
	snap := book.Snapshot()
	require.NotEmpty(t, snap.Bids)
	require.NotEmpty(t, snap.Asks)
	assert.Equal(t, 58, snap.Bids[0].Price)
	assert.Equal(t, 62, snap.Asks[0].Price)

	for _, name := range FundamentalTraderNames() {
		state, err := store.GetTrader(context.Background(), uuid.Nil, name)
		require.NoError(t, err)
		require.NotNil(t, state, "notes for %s", name)
		assert.Equal(t, "watch the spread", state.Notes)
		assert.Equal(t, TraderKindFundamental, state.Type)
	}
	assert.Equal(t, 1, sim.Round())
}

func TestRunRoundNotesFeedNextRound(t *testing.T) {
	completer := &stubCompleter{replies: map[string]string{
		"calibrated probabilistic forecasts": traderReply(55, "round one notes"),
	}}
	store := newMemStore()
	sim, _ := fundamentalsOnlySim(t, completer, store)

	require.NoError(t, sim.RunRound(context.Background()))
	require.NoError(t, sim.RunRound(context.Background()))

	completer.mu.Lock()
	defer completer.mu.Unlock()
	var sawNotes bool
	for _, call := range completer.calls {
		if strings.Contains(call.UserMessage, "round one notes") {
			sawNotes = true
		}
	}
	assert.True(t, sawNotes, "second round should carry first round notes")
}

func TestRunRoundCrossingPredictionsTrade(t *testing.T) {
	completer := &stubCompleter{replies: map[string]string{
		"calibrated probabilistic forecasts": traderReply(60, ""),
	}}
	store := newMemStore()
	sim, book := fundamentalsOnlySim(t, completer, store)

	// a resting NO@40 locks against the traders' 58-cent bids (58+40 <= 100)
	_, _, err := book.PlaceOrder("outsider", market.SideNo, 40, 100)
	require.NoError(t, err)

	require.NoError(t, sim.RunRound(context.Background()))

	assert.Greater(t, store.tradeCount(), 0)
	assert.Equal(t, "outsider", store.trades[0].Seller)
	assert.Equal(t, 60, store.trades[0].Price)
}

func TestRunRoundToleratesTraderFailure(t *testing.T) {
	// no stub reply matches, so every trader errors out
	completer := &stubCompleter{replies: map[string]string{}}
	store := newMemStore()
	sim, book := fundamentalsOnlySim(t, completer, store)

	require.NoError(t, sim.RunRound(context.Background()))
	assert.Empty(t, book.Snapshot().Bids)
	assert.Equal(t, 1, sim.Round())
}

func TestPredictionClamped(t *testing.T) {
	completer := &stubCompleter{replies: map[string]string{
		"calibrated probabilistic forecasts": traderReply(99, ""),
	}}
	store := newMemStore()
	sim, book := fundamentalsOnlySim(t, completer, store)

	require.NoError(t, sim.RunRound(context.Background()))

	// prediction 99 clamps to 98; bid sits at 96
	snap := book.Snapshot()
	require.NotEmpty(t, snap.Bids)
	assert.Equal(t, 96, snap.Bids[0].Price)
}

func TestParseDecisionSkipPayload(t *testing.T) {
	def := agent.Definition{Name: "oliver", Type: TraderKindUser}
	d := parseDecision(def, &agent.Result{
		State: agent.StateSkipped,
		Output: map[string]interface{}{
			"skipped": true,
			"reason":  "no new posts",
			"signal":  "uncertain",
		},
	})
	assert.True(t, d.skipped)
	assert.Zero(t, d.prediction)
}

func TestParseDecisionAcceptsIntPrediction(t *testing.T) {
	// decoded JSON yields float64 predictions; fallback maps built in Go
	// carry ints. Both must survive parsing.
	def := agent.Definition{Name: "conservative", Type: TraderKindFundamental}

	d := parseDecision(def, &agent.Result{
		State:  agent.StateCompleted,
		Output: map[string]interface{}{"prediction": 50, "confidence": 0.3},
	})
	assert.Equal(t, 50, d.prediction)

	d = parseDecision(def, &agent.Result{
		State:  agent.StateCompleted,
		Output: map[string]interface{}{"prediction": float64(62), "confidence": 0.8},
	})
	assert.Equal(t, 62, d.prediction)
}

func TestRunRoundFundamentalFallbackQuotesBaseline(t *testing.T) {
	// plain prose instead of the schema forces every fundamental trader
	// through its fallback, which quotes the market baseline at low
	// confidence rather than sitting out
	completer := &stubCompleter{replies: map[string]string{
		"calibrated probabilistic forecasts": "The Fed will probably cut, hard to say.",
	}}
	store := newMemStore()
	sim, book := fundamentalsOnlySim(t, completer, store)

	require.NoError(t, sim.RunRound(context.Background()))

	// empty book baseline is 50, so quotes land at 48 bid / 52 ask
	snap := book.Snapshot()
	require.NotEmpty(t, snap.Bids)
	require.NotEmpty(t, snap.Asks)
	assert.Equal(t, 48, snap.Bids[0].Price)
	assert.Equal(t, 52, snap.Asks[0].Price)
}

func TestParseDecisionNoiseFallbackPlacesNothing(t *testing.T) {
	def := agent.Definition{Name: "fintwit_market", Type: TraderKindNoise}
	d := parseDecision(def, &agent.Result{
		State: agent.StateCompleted,
		Output: map[string]interface{}{
			"analysis":   "unparseable reply",
			"confidence": 0.7,
			"sources":    []interface{}{},
		},
	})
	assert.False(t, d.skipped)
	assert.Zero(t, d.prediction)
}

func TestFallbackQuery(t *testing.T) {
	q := fallbackQuery("Will Bitcoin reach $100k by end of 2025?")
	assert.Contains(t, q, " OR ")
	assert.Contains(t, q, "bitcoin")
	assert.NotContains(t, q, "will")
}

func TestTopByEngagement(t *testing.T) {
	posts := []xsearch.Post{
		{ID: "a", Likes: 1},
		{ID: "b", Likes: 10, Retweets: 5},
		{ID: "c", Likes: 5},
	}
	top := topByEngagement(posts, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].ID)
	assert.Equal(t, "c", top[1].ID)
}

func postsServer(t *testing.T, texts []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := make([]map[string]interface{}, 0, len(texts))
		for i, text := range texts {
			data = append(data, map[string]interface{}{
				"id":         fmt.Sprintf("post-%d", i+1),
				"text":       text,
				"author_id":  "u1",
				"created_at": time.Now().UTC().Format(time.RFC3339),
				"public_metrics": map[string]int{
					"like_count":    i,
					"retweet_count": 0,
				},
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": data,
			"includes": map[string]interface{}{
				"users": []map[string]string{{"id": "u1", "username": "poster"}},
			},
			"meta": map[string]interface{}{},
		})
	}))
}

func TestSemanticFilterSelectsIndices(t *testing.T) {
	server := postsServer(t, []string{"rate cut talk", "lunch thread", "fed pivot odds"})
	defer server.Close()
	search := xsearch.NewClient(xsearch.Config{BearerToken: "t", BaseURL: server.URL, MaxFetch: 10}, nil)

	completer := &stubCompleter{replies: map[string]string{
		"search query optimizer":    `{"query": "fed OR rates"}`,
		"semantic relevance filter": `{"indices": [3, 1]}`,
	}}
	filter := NewSemanticFilter(completer, search)

	posts, query, err := filter.Filter(context.Background(), "Will the Fed cut rates?", "FinTwit & Market sphere", "")
	require.NoError(t, err)
	assert.Equal(t, "fed OR rates", query)
	require.Len(t, posts, 2)
	assert.Equal(t, "fed pivot odds", posts[0].Text)
	assert.Equal(t, "rate cut talk", posts[1].Text)
}

func TestSemanticFilterFallsBackToEngagement(t *testing.T) {
	server := postsServer(t, []string{"low", "mid", "high"})
	defer server.Close()
	search := xsearch.NewClient(xsearch.Config{BearerToken: "t", BaseURL: server.URL, MaxFetch: 10}, nil)

	// relevance call has no stub, so it errors and engagement ranking kicks in
	completer := &stubCompleter{replies: map[string]string{
		"search query optimizer": `{"query": "anything"}`,
	}}
	filter := NewSemanticFilter(completer, search)

	posts, _, err := filter.Filter(context.Background(), "Will it happen?", "sphere", "")
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, "high", posts[0].Text)
}

func TestUserTraderSkipsWhenNoNewPosts(t *testing.T) {
	server := postsServer(t, []string{"one post"})
	defer server.Close()
	search := xsearch.NewClient(xsearch.Config{BearerToken: "t", BaseURL: server.URL, MaxFetch: 10}, nil)

	seen := map[string]string{}
	def := userDefinition("tyler", marketInput{Question: "q"}, "", search,
		func(name string) string { return seen[name] },
		func(name, id string) { seen[name] = id },
	)

	// first round sees the post
	msg, err := def.BuildUserMessage(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, msg, "one post")
	assert.Equal(t, "post-1", seen["tyler"])

	// second round with the same latest post skips
	_, err = def.BuildUserMessage(context.Background(), nil)
	var skip *agent.SkipError
	require.ErrorAs(t, err, &skip)
	assert.Equal(t, "no new posts", skip.Reason)
	assert.Equal(t, true, skip.Payload["skipped"])
}

func TestMakerLoopQuotesAndAttributesFills(t *testing.T) {
	sessionID := uuid.New()
	book := market.NewOrderBook(sessionID)
	maker := market.NewMaker(0.6, 0.8, market.DefaultMakerConfig())
	store := newMemStore()

	loop := NewMakerLoop(sessionID, book, maker, store, time.Second, nil)
	loop.started = time.Now()

	require.True(t, loop.Tick(context.Background()))

	snap := book.Snapshot()
	require.NotEmpty(t, snap.Bids)
	require.NotEmpty(t, snap.Asks)
	assert.LessOrEqual(t, snap.Bids[0].Price, 60)
	assert.GreaterOrEqual(t, snap.Asks[0].Price, 60)

	// a trader lifts the maker's ask; complement crossing fills at the ask
	askPrice := snap.Asks[0].Price
	_, trades, err := book.PlaceOrder("taker", market.SideYes, askPrice, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	loop.HandleFill(trades[0])

	assert.Equal(t, -10, maker.Inventory())
}

func TestRegistryOnePerSession(t *testing.T) {
	registry := NewRegistry()
	completer := &stubCompleter{replies: map[string]string{}}
	store := newMemStore()
	sim, _ := fundamentalsOnlySim(t, completer, store)

	require.NoError(t, registry.Add(sim))
	got, ok := registry.Get(sim.sessionID)
	require.True(t, ok)
	assert.Same(t, sim, got)

	assert.True(t, registry.Stop(sim.sessionID))
	assert.False(t, registry.Stop(sim.sessionID))
}

func TestSearchPostsToolRendersJSON(t *testing.T) {
	server := postsServer(t, []string{"tool result post"})
	defer server.Close()
	search := xsearch.NewClient(xsearch.Config{BearerToken: "t", BaseURL: server.URL, MaxFetch: 10}, nil)

	out, err := executeSearchPosts(context.Background(), search, llm.ToolCall{
		ID:   "call-1",
		Type: "function",
		Function: llm.ToolCallFunction{
			Name:      "search_posts",
			Arguments: `{"query": "anything"}`,
		},
	})
	require.NoError(t, err)

	var parsed struct {
		Posts []struct {
			Author string `json:"author"`
			Text   string `json:"text"`
		} `json:"posts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	require.Len(t, parsed.Posts, 1)
	assert.Equal(t, "poster", parsed.Posts[0].Author)
	assert.Equal(t, "tool result post", parsed.Posts[0].Text)
}
