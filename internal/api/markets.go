package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/foresight/internal/market"
)

type placeOrderRequest struct {
	TraderName string `json:"trader_name" binding:"required"`
	Side       string `json:"side" binding:"required"`
	Price      int    `json:"price" binding:"required"`
	Quantity   int    `json:"quantity" binding:"required"`
}

func sessionIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}

// handleOrderBook returns the aggregated book snapshot
func (s *Server) handleOrderBook(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	book, err := s.markets.Get(sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, book.Snapshot())
}

// handlePlaceOrder places a limit order. The HTTP side vocabulary maps
// "buy" to YES and "sell" to NO.
func (s *Server) handlePlaceOrder(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var side market.Side
	switch req.Side {
	case "buy":
		side = market.SideYes
	case "sell":
		side = market.SideNo
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be buy or sell"})
		return
	}

	order, trades, err := s.markets.PlaceOrder(sessionID, req.TraderName, side, req.Price, req.Quantity)
	if err != nil {
		abortWithError(c, err)
		return
	}

	book, _ := s.markets.Get(sessionID)
	for _, t := range trades {
		s.hub.BroadcastTrade(sessionID, t)
	}

	c.JSON(http.StatusCreated, gin.H{
		"order":    order,
		"trades":   trades,
		"position": book.Position(req.TraderName),
	})
}

// handleGetOrder returns one order's current state
func (s *Server) handleGetOrder(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	orderID, err := uuid.Parse(c.Param("order_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	book, err := s.markets.Get(sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	order, err := book.Order(orderID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// handleCancelOrder cancels one order for its owner
func (s *Server) handleCancelOrder(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	orderID, err := uuid.Parse(c.Param("order_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	trader := c.Query("trader_name")
	if trader == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trader_name is required"})
		return
	}
	book, err := s.markets.Get(sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	order, err := book.CancelOrder(orderID, trader)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// handleCancelAll sweeps all of one owner's active orders
func (s *Server) handleCancelAll(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	trader := c.Query("trader_name")
	if trader == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trader_name is required"})
		return
	}
	book, err := s.markets.Get(sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	cancelled := book.CancelAll(trader)
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled, "count": len(cancelled)})
}

// handleGetTrader returns a trader's position and P&L
func (s *Server) handleGetTrader(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	book, err := s.markets.Get(sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, book.Position(c.Param("name")))
}

// handleTraderOrders returns one trader's orders
func (s *Server) handleTraderOrders(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	book, err := s.markets.Get(sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	activeOnly := c.DefaultQuery("active_only", "false") == "true"
	c.JSON(http.StatusOK, book.OrdersFor(c.Param("name"), activeOnly))
}

// handleListTraders returns the persisted trader states for a session
func (s *Server) handleListTraders(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	traders, err := s.store.ListTraders(c.Request.Context(), sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"traders": traders})
}

// handleListTrades returns recent trades, newest first
func (s *Server) handleListTrades(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	book, err := s.markets.Get(sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	c.JSON(http.StatusOK, gin.H{"trades": book.Trades(limit)})
}

// handleSettle resolves the market and returns per-owner payouts
func (s *Server) handleSettle(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	outcome, err := strconv.ParseBool(c.Query("outcome"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be true or false"})
		return
	}

	if s.sims != nil {
		s.sims.Stop(sessionID)
	}
	payouts, err := s.markets.Settle(sessionID, outcome)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if s.onSettle != nil {
		s.onSettle(sessionID, outcome, payouts)
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "payouts": payouts})
}

// handleStartSimulation opens the session's market if needed and launches
// the continuous trading loop
func (s *Server) handleStartSimulation(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	if s.startSim == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "simulation not configured"})
		return
	}

	session, err := s.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	book := s.markets.Create(sessionID)
	simulation, err := s.startSim(sessionID, session.QuestionText, book)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if err := s.sims.Add(simulation); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	go func() {
		if err := simulation.RunContinuous(context.Background()); err != nil {
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Simulation loop ended with error")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"session_id": sessionID, "status": "running"})
}

// handleStopSimulation stops the session's trading loop
func (s *Server) handleStopSimulation(c *gin.Context) {
	sessionID, ok := sessionIDParam(c)
	if !ok {
		return
	}
	if !s.sims.Stop(sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no simulation running for session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "status": "stopped"})
}
