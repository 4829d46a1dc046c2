package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quantfold/foresight/internal/market"
)

// abortWithError translates domain errors to HTTP statuses
func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, market.ErrInvalidOrder):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrMarketClosed), errors.Is(err, market.ErrAlreadyTerminal):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrOrderNotFound), errors.Is(err, market.ErrMarketNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrForbidden):
		status = http.StatusForbidden
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
