package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/foresight/internal/agent"
	"github.com/quantfold/foresight/internal/config"
	"github.com/quantfold/foresight/internal/db"
	"github.com/quantfold/foresight/internal/market"
	"github.com/quantfold/foresight/internal/xsearch"
)

// Store is the persistence surface the simulation needs, satisfied by *db.DB
type Store interface {
	UpsertTrader(ctx context.Context, sessionID uuid.UUID, name, traderType, notes string) error
	GetTrader(ctx context.Context, sessionID uuid.UUID, name string) (*db.TraderState, error)
	RecordTrade(ctx context.Context, trade *db.TradeRecord) error
}

// Config tunes one simulation run
type Config struct {
	Interval      time.Duration // pause between continuous rounds, default 60s
	Spread        int           // cents between a trader's bid and ask, default 4
	Quantity      int           // contracts per trader order, default 100
	RecentTrades  int           // tape depth shown to traders, default 20
	Topic         string        // optional search topic override for noise traders
	MinPrediction int           // clamp floor, default 2
	MaxPrediction int           // clamp ceiling, default 98
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.Spread <= 0 {
		c.Spread = 4
	}
	if c.Quantity <= 0 {
		c.Quantity = 100
	}
	if c.RecentTrades <= 0 {
		c.RecentTrades = 20
	}
	if c.MinPrediction <= 0 {
		c.MinPrediction = 2
	}
	if c.MaxPrediction <= 0 {
		c.MaxPrediction = 98
	}
	return c
}

// decision is one trader's parsed round output
type decision struct {
	trader     string
	kind       string
	prediction int
	confidence float64
	signal     string
	notes      string
	skipped    bool
}

// Simulation drives the eighteen trading agents against one session's book.
// Each round every trader reads the book and tape, produces a probability,
// and replaces its quotes around that probability.
type Simulation struct {
	sessionID uuid.UUID
	question  string
	book      *market.OrderBook
	runner    *agent.Runner
	store     Store
	filter    *SemanticFilter
	search    *xsearch.Client
	config    Config

	// OnTrade, when set, receives every executed trade. Used to fan out to
	// websocket and event subscribers.
	OnTrade func(market.Trade)

	// OnRound, when set, receives the round number and how many traders
	// quoted after each finished round.
	OnRound func(round, quoting int)

	mu       sync.Mutex
	round    int
	lastSeen map[string]string // user trader -> latest post id acted on
	stopCh   chan struct{}
	stopOnce sync.Once
	running  bool
}

// New creates a simulation over an open book. filter and search may be nil
// when no search credentials are configured; noise and user traders then sit
// out every round.
func New(sessionID uuid.UUID, question string, book *market.OrderBook, runner *agent.Runner, store Store, filter *SemanticFilter, search *xsearch.Client, cfg Config) *Simulation {
	return &Simulation{
		sessionID: sessionID,
		question:  question,
		book:      book,
		runner:    runner,
		store:     store,
		filter:    filter,
		search:    search,
		config:    cfg.withDefaults(),
		lastSeen:  make(map[string]string),
		stopCh:    make(chan struct{}),
	}
}

// Round returns the number of completed rounds
func (s *Simulation) Round() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// Running reports whether the continuous loop is active
func (s *Simulation) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop asks the continuous loop to exit after the in-flight round
func (s *Simulation) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunContinuous runs rounds until Stop is called, the context ends, or the
// market closes. The first round starts immediately.
func (s *Simulation) RunContinuous(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("simulation already running for session %s", s.sessionID)
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	logger := config.NewSessionLogger("simulation", s.sessionID.String())
	logger.Info().Dur("interval", s.config.Interval).Msg("Simulation loop started")

	for {
		if s.book.Market().Status != market.MarketOpen {
			logger.Info().Msg("Market no longer open, simulation loop ending")
			return nil
		}
		if err := s.RunRound(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error().Err(err).Msg("Trading round failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			logger.Info().Int("rounds", s.Round()).Msg("Simulation stopped")
			return nil
		case <-time.After(s.config.Interval):
		}
	}
}

// RunRound executes one full trading round: every agent reads the same
// market snapshot concurrently, then orders are placed serially so each
// trader trades against the quotes of those before it.
func (s *Simulation) RunRound(ctx context.Context) error {
	s.mu.Lock()
	s.round++
	round := s.round
	s.mu.Unlock()

	logger := config.NewSessionLogger("simulation", s.sessionID.String())
	logger.Info().Int("round", round).Msg("Trading round started")

	input := marketInput{
		Question:     s.question,
		Snapshot:     s.book.Snapshot(),
		RecentTrades: s.book.Trades(s.config.RecentTrades),
		RoundNumber:  round,
	}

	defs := s.roundDefinitions(ctx, input)

	var (
		mu        sync.Mutex
		decisions []decision
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, def := range defs {
		def := def
		g.Go(func() error {
			result, err := s.runner.Execute(gctx, def, nil)
			if err != nil {
				// one trader failing never sinks the round
				logger.Warn().Err(err).Str("trader", def.Name).Msg("Trader failed this round")
				return nil
			}
			d := parseDecision(def, result)
			mu.Lock()
			decisions = append(decisions, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	placed := 0
	for _, d := range decisions {
		if err := s.persistNotes(ctx, d); err != nil {
			logger.Warn().Err(err).Str("trader", d.trader).Msg("Failed to persist trader notes")
		}
		if d.skipped || d.prediction == 0 {
			continue
		}
		if err := s.placeOrders(ctx, d); err != nil {
			logger.Warn().Err(err).Str("trader", d.trader).Msg("Failed to place orders")
			continue
		}
		placed++
	}

	logger.Info().
		Int("round", round).
		Int("traders", len(decisions)).
		Int("quoting", placed).
		Msg("Trading round finished")

	if s.OnRound != nil {
		s.OnRound(round, placed)
	}
	return nil
}

// roundDefinitions assembles the agent roster for one round. Traders that
// need the search client are left out when it is not configured.
func (s *Simulation) roundDefinitions(ctx context.Context, input marketInput) []agent.Definition {
	defs := make([]agent.Definition, 0, 18)

	for _, name := range FundamentalTraderNames() {
		defs = append(defs, fundamentalDefinition(name, input, s.loadNotes(ctx, name)))
	}

	if s.filter != nil && s.search != nil {
		for _, name := range NoiseSphereNames() {
			defs = append(defs, noiseDefinition(name, input, s.loadNotes(ctx, name), s.filter, s.search, s.config.Topic))
		}
	}
	if s.search != nil {
		for _, name := range UserTraderNames() {
			defs = append(defs, userDefinition(name, input, s.loadNotes(ctx, name), s.search, s.lastSeenID, s.markSeen))
		}
	}
	return defs
}

func (s *Simulation) lastSeenID(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen[name]
}

func (s *Simulation) markSeen(name, postID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen[name] = postID
}

func (s *Simulation) loadNotes(ctx context.Context, name string) string {
	state, err := s.store.GetTrader(ctx, s.sessionID, name)
	if err != nil || state == nil {
		return ""
	}
	return state.Notes
}

// parseDecision extracts the tradeable fields from an agent result. Outputs
// without a usable prediction (skips, noise fallbacks) yield a decision that
// places no orders.
func parseDecision(def agent.Definition, result *agent.Result) decision {
	d := decision{trader: def.Name, kind: def.Type}
	if result.State == agent.StateSkipped {
		d.skipped = true
	}
	out := result.Output
	if out == nil {
		d.skipped = true
		return d
	}

	if skipped, ok := out["skipped"].(bool); ok && skipped {
		d.skipped = true
	}
	// predictions arrive as float64 from decoded JSON but as int from
	// fallback maps built in Go
	switch p := out["prediction"].(type) {
	case float64:
		d.prediction = int(p)
	case int:
		d.prediction = p
	}
	if c, ok := out["confidence"].(float64); ok {
		d.confidence = c
	}
	if sig, ok := out["signal"].(string); ok {
		d.signal = sig
	}
	if n, ok := out["notes_for_next_round"].(string); ok {
		d.notes = n
	}
	return d
}

func (s *Simulation) persistNotes(ctx context.Context, d decision) error {
	if d.notes == "" {
		return nil
	}
	return s.store.UpsertTrader(ctx, s.sessionID, d.trader, d.kind, d.notes)
}

// placeOrders replaces a trader's quotes around its prediction: a YES bid
// just below and a NO ask just above, half the configured spread each way.
func (s *Simulation) placeOrders(ctx context.Context, d decision) error {
	pred := clamp(d.prediction, s.config.MinPrediction, s.config.MaxPrediction)
	half := s.config.Spread / 2

	s.book.CancelAll(d.trader)

	bidPrice := clamp(pred-half, 1, 99)
	_, trades, err := s.book.PlaceOrder(d.trader, market.SideYes, bidPrice, s.config.Quantity)
	if err != nil {
		return fmt.Errorf("failed to place bid for %s: %w", d.trader, err)
	}
	s.recordTrades(ctx, trades)

	// NO price is the complement of the YES-equivalent ask
	askPrice := clamp(100-(pred+half), 1, 99)
	_, trades, err = s.book.PlaceOrder(d.trader, market.SideNo, askPrice, s.config.Quantity)
	if err != nil {
		return fmt.Errorf("failed to place ask for %s: %w", d.trader, err)
	}
	s.recordTrades(ctx, trades)
	return nil
}

// recordTrades mirrors executed trades into Postgres and notifies listeners
func (s *Simulation) recordTrades(ctx context.Context, trades []market.Trade) {
	for _, t := range trades {
		rec := db.TradeRecord{
			ID:          t.ID,
			SessionID:   s.sessionID,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Buyer:       t.Buyer,
			Seller:      t.Seller,
			Price:       t.Price,
			Quantity:    t.Quantity,
		}
		if err := s.store.RecordTrade(ctx, &rec); err != nil {
			logger := config.NewSessionLogger("simulation", s.sessionID.String())
			logger.Warn().Err(err).Msg("Failed to record trade")
		}
		if s.OnTrade != nil {
			s.OnTrade(t)
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Registry tracks the running simulation per session
type Registry struct {
	mu   sync.Mutex
	sims map[uuid.UUID]*Simulation
}

// NewRegistry creates an empty simulation registry
func NewRegistry() *Registry {
	return &Registry{sims: make(map[uuid.UUID]*Simulation)}
}

// Add registers a simulation. Only one per session may be active.
func (r *Registry) Add(sim *Simulation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sims[sim.sessionID]; ok && existing.Running() {
		return fmt.Errorf("simulation already active for session %s", sim.sessionID)
	}
	r.sims[sim.sessionID] = sim
	return nil
}

// Get returns the simulation for a session, if any
func (r *Registry) Get(sessionID uuid.UUID) (*Simulation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sim, ok := r.sims[sessionID]
	return sim, ok
}

// Stop stops and removes a session's simulation
func (r *Registry) Stop(sessionID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sim, ok := r.sims[sessionID]
	if !ok {
		return false
	}
	sim.Stop()
	delete(r.sims, sessionID)
	return true
}
