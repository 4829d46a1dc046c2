// Package api exposes the forecast and market HTTP surface: session
// creation and inspection, order entry against live books, simulation
// control, and a websocket stream of executed trades.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/foresight/internal/db"
	"github.com/quantfold/foresight/internal/forecast"
	"github.com/quantfold/foresight/internal/market"
	"github.com/quantfold/foresight/internal/metrics"
	"github.com/quantfold/foresight/internal/sim"
)

// Store is the persistence surface the handlers read, satisfied by *db.DB
type Store interface {
	CreateSession(ctx context.Context, session *db.Session) error
	GetSession(ctx context.Context, sessionID uuid.UUID) (*db.Session, error)
	ListSessions(ctx context.Context, filter db.SessionFilter) ([]db.Session, int, error)
	GetSessionFactors(ctx context.Context, sessionID uuid.UUID, orderByImportance bool) ([]db.Factor, error)
	GetSessionAgentLogs(ctx context.Context, sessionID uuid.UUID) ([]db.AgentLog, error)
	GetForecasterResponses(ctx context.Context, sessionID uuid.UUID) ([]db.ForecasterResponse, error)
	ListTraders(ctx context.Context, sessionID uuid.UUID) ([]db.TraderState, error)
}

// Forecaster runs the four-phase pipeline for a session. Satisfied by
// *forecast.Orchestrator.
type Forecaster interface {
	Run(ctx context.Context, sessionID uuid.UUID, questionText, questionType, persona string, counts *forecast.AgentCounts) (map[string]interface{}, error)
}

// SimStarter builds and launches a simulation for an open market. The api
// package stays out of simulation wiring; cmd/api injects this.
type SimStarter func(sessionID uuid.UUID, question string, book *market.OrderBook) (*sim.Simulation, error)

// Server is the REST and websocket server
type Server struct {
	router     *gin.Engine
	store      Store
	forecaster Forecaster
	markets    *market.Manager
	sims       *sim.Registry
	startSim   SimStarter
	hub        *Hub
	health     func(ctx context.Context) error
	onSettle   func(sessionID uuid.UUID, outcome bool, payouts map[string]float64)
	addr       string
	server     *http.Server
}

// Config contains server wiring
type Config struct {
	Host       string
	Port       int
	Store      Store
	Forecaster Forecaster
	Markets    *market.Manager
	Sims       *sim.Registry
	StartSim   SimStarter
	Health     func(ctx context.Context) error

	// OnSettle, when set, observes every successful settlement
	OnSettle func(sessionID uuid.UUID, outcome bool, payouts map[string]float64)
}

// NewServer creates the API server with routes registered
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(metrics.GinMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server := &Server{
		router:     router,
		store:      config.Store,
		forecaster: config.Forecaster,
		markets:    config.Markets,
		sims:       config.Sims,
		startSim:   config.StartSim,
		hub:        NewHub(),
		health:     config.Health,
		onSettle:   config.OnSettle,
		addr:       fmt.Sprintf("%s:%d", config.Host, config.Port),
	}
	server.setupRoutes()
	return server
}

// Hub returns the websocket hub for wiring trade broadcasts
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until shutdown
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs each request through zerolog
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}
		logEvent.Msg("API request")
	}
}
