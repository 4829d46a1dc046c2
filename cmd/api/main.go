// API server: forecast sessions, prediction markets, trading simulation,
// and the websocket trade stream.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/foresight/internal/agent"
	"github.com/quantfold/foresight/internal/api"
	"github.com/quantfold/foresight/internal/config"
	"github.com/quantfold/foresight/internal/db"
	"github.com/quantfold/foresight/internal/events"
	"github.com/quantfold/foresight/internal/forecast"
	"github.com/quantfold/foresight/internal/llm"
	"github.com/quantfold/foresight/internal/market"
	"github.com/quantfold/foresight/internal/metrics"
	"github.com/quantfold/foresight/internal/sim"
	"github.com/quantfold/foresight/internal/xsearch"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().Str("version", cfg.App.Version).Str("environment", cfg.App.Environment).Msg("Starting Foresight API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	database, err := db.New(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	llmClient := llm.NewClient(llm.ClientConfig{
		Endpoint:               cfg.LLM.Endpoint,
		APIKey:                 cfg.LLM.APIKey,
		Model:                  cfg.LLM.Model,
		Temperature:            cfg.LLM.Temperature,
		MaxTokens:              cfg.LLM.MaxTokens,
		Timeout:                cfg.LLM.GetTimeout(),
		MaxConcurrent:          cfg.LLM.MaxConcurrentRequests,
		MaxRequestsPerMinute:   cfg.LLM.MaxRequestsPerMinute,
		RateLimitRetryAttempts: cfg.LLM.RateLimitRetryAttempts,
		RateLimitBaseDelay:     time.Duration(cfg.LLM.RateLimitBaseDelay * float64(time.Second)),
	})

	agentConfig := agent.Config{
		MaxRetries: cfg.Agents.MaxRetries,
		Timeout:    cfg.Agents.AgentTimeout(),
	}
	orchestrator := forecast.NewOrchestrator(llmClient, database, agentConfig)

	// Search and the semantic filter are optional; without a bearer token
	// the noise and user traders sit out each round.
	var search *xsearch.Client
	var filter *sim.SemanticFilter
	if cfg.Search.BearerToken != "" {
		var cache *xsearch.Cache
		if cfg.Redis.Enabled {
			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.GetRedisAddr(),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cache = xsearch.NewCache(redisClient, time.Duration(cfg.Search.CacheTTL)*time.Second)
		}
		search = xsearch.NewClient(xsearch.Config{
			BearerToken:       cfg.Search.BearerToken,
			BaseURL:           cfg.Search.Endpoint,
			MaxFetch:          cfg.Search.MaxFetch,
			LookbackDays:      cfg.Search.LookbackDays,
			RequestsPerMinute: cfg.Search.RequestsPerMinute,
		}, cache)
		filter = sim.NewSemanticFilter(llmClient, search)
	} else {
		log.Warn().Msg("Search bearer token not set, noise and user traders disabled")
	}

	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		publisher, err = events.Connect(events.Config{URL: cfg.NATS.URL})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
	}
	defer publisher.Close()

	markets := market.NewManager()
	sims := sim.NewRegistry()
	runner := agent.NewRunner(llmClient, agentConfig)

	metricsServer := metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger)
	if cfg.Monitoring.EnableMetrics {
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}

	var server *api.Server

	startSim := func(sessionID uuid.UUID, question string, book *market.OrderBook) (*sim.Simulation, error) {
		simulation := sim.New(sessionID, question, book, runner, database, filter, search, sim.Config{
			Interval:     time.Duration(cfg.Simulation.RoundInterval) * time.Second,
			Spread:       cfg.Simulation.OrderSpread,
			Quantity:     cfg.Simulation.OrderQuantity,
			RecentTrades: cfg.Simulation.RecentTrades,
			Topic:        question,
		})

		// Seed the market maker from the session's forecast when one
		// exists, otherwise start at an uninformed 50%.
		prior, confidence := 0.5, 0.5
		if session, err := database.GetSession(context.Background(), sessionID); err == nil && session != nil {
			if session.FinalProbability != nil {
				prior = *session.FinalProbability
			}
			if session.FinalConfidence != nil {
				confidence = *session.FinalConfidence
			}
		}
		maker := market.NewMaker(prior, confidence, market.MakerConfig{
			RiskAversion:   cfg.Market.RiskAversion,
			LiquidityParam: cfg.Market.LiquidityParam,
			TerminalTime:   cfg.Market.TerminalTime,
			VolatilityBase: cfg.Market.VolatilityBase,
			MinSpread:      cfg.Market.MinSpread,
			MaxInventory:   cfg.Market.MaxInventory,
		})

		fanOut := func(t market.Trade) {
			server.Hub().BroadcastTrade(sessionID, t)
			publisher.TradeExecuted(sessionID, t)
		}
		makerLoop := sim.NewMakerLoop(sessionID, book, maker, database, 0, fanOut)
		simulation.OnTrade = func(t market.Trade) {
			makerLoop.HandleFill(t)
			fanOut(t)
		}
		simulation.OnRound = func(round, quoting int) {
			publisher.RoundCompleted(sessionID, round, quoting)
		}
		go makerLoop.Run(context.Background())
		return simulation, nil
	}

	server = api.NewServer(api.Config{
		Host:       cfg.API.Host,
		Port:       cfg.API.Port,
		Store:      database,
		Forecaster: &eventingForecaster{inner: orchestrator, publisher: publisher},
		Markets:    markets,
		Sims:       sims,
		StartSim:   startSim,
		Health:     database.Health,
		OnSettle: func(sessionID uuid.UUID, outcome bool, payouts map[string]float64) {
			publisher.MarketSettled(sessionID, outcome, payouts)
		},
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("Server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop server gracefully")
	}
	if cfg.Monitoring.EnableMetrics {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server gracefully")
		}
	}
	log.Info().Msg("Server stopped")
}

// eventingForecaster wraps the pipeline with lifecycle events
type eventingForecaster struct {
	inner     *forecast.Orchestrator
	publisher *events.Publisher
}

func (f *eventingForecaster) Run(ctx context.Context, sessionID uuid.UUID, questionText, questionType, persona string, counts *forecast.AgentCounts) (map[string]interface{}, error) {
	f.publisher.ForecastStarted(sessionID, questionText)

	result, err := f.inner.Run(ctx, sessionID, questionText, questionType, persona, counts)
	if err != nil {
		f.publisher.ForecastFailed(sessionID, err.Error())
		return nil, err
	}

	probability, _ := result["prediction_probability"].(float64)
	confidence, _ := result["confidence"].(float64)
	f.publisher.ForecastCompleted(sessionID, probability, confidence)
	return result, nil
}
