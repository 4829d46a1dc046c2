package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/foresight/internal/db"
	"github.com/quantfold/foresight/internal/forecast"
)

type createForecastRequest struct {
	QuestionText string `json:"question_text" binding:"required"`
	QuestionType string `json:"question_type"`
	Persona      string `json:"persona"`
	AgentCounts  *struct {
		Discovery  int `json:"discovery"`
		Historical int `json:"historical"`
		Current    int `json:"current"`
	} `json:"agent_counts"`
}

// handleCreateForecast creates a session and starts the pipeline in the
// background. The response reports the session as already running; the
// orchestrator owns all further status transitions.
func (s *Server) handleCreateForecast(c *gin.Context) {
	var req createForecastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question_text is required"})
		return
	}
	if req.QuestionType == "" {
		req.QuestionType = string(db.QuestionTypeBinary)
	}

	session := &db.Session{
		QuestionText: req.QuestionText,
		QuestionType: db.QuestionType(req.QuestionType),
		Status:       db.SessionStatusPending,
	}
	if err := s.store.CreateSession(c.Request.Context(), session); err != nil {
		abortWithError(c, err)
		return
	}

	var counts *forecast.AgentCounts
	if req.AgentCounts != nil {
		counts = &forecast.AgentCounts{
			Discovery:  req.AgentCounts.Discovery,
			Historical: req.AgentCounts.Historical,
			Current:    req.AgentCounts.Current,
		}
	}

	// the request context dies with the response; the pipeline gets its own
	go func() {
		_, err := s.forecaster.Run(context.Background(), session.ID, req.QuestionText, req.QuestionType, req.Persona, counts)
		if err != nil {
			log.Error().Err(err).Str("session_id", session.ID.String()).Msg("Forecast pipeline failed")
		}
	}()

	c.JSON(http.StatusCreated, gin.H{
		"id":            session.ID,
		"question_text": session.QuestionText,
		"status":        db.SessionStatusRunning,
		"created_at":    session.CreatedAt,
	})
}

// handleGetForecast returns the session with its factors, agent logs, and
// forecaster responses as they exist right now, completed or not
func (s *Server) handleGetForecast(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
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

	factors, err := s.store.GetSessionFactors(c.Request.Context(), sessionID, true)
	if err != nil {
		abortWithError(c, err)
		return
	}
	logs, err := s.store.GetSessionAgentLogs(c.Request.Context(), sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	responses, err := s.store.GetForecasterResponses(c.Request.Context(), sessionID)
	if err != nil {
		abortWithError(c, err)
		return
	}

	payload := gin.H{
		"session":    session,
		"factors":    factors,
		"agent_logs": logs,
		"responses":  responses,
	}
	for _, resp := range responses {
		if resp.Status == db.ResponseStatusCompleted && resp.Prediction != nil {
			payload["prediction"] = resp.Prediction
			break
		}
	}
	c.JSON(http.StatusOK, payload)
}

// handleListForecasts lists sessions newest-first with a total count
func (s *Server) handleListForecasts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, total, err := s.store.ListSessions(c.Request.Context(), db.SessionFilter{
		QuestionText: c.Query("question_text"),
		Status:       db.SessionStatus(c.Query("status")),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// handleHealth reports liveness, including the store when wired
func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
