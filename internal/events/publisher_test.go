package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/foresight/internal/market"
)

func TestConnectDisabledWithoutURL(t *testing.T) {
	pub, err := Connect(Config{})
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func TestNilPublisherIsSafe(t *testing.T) {
	var pub *Publisher

	sessionID := uuid.New()
	assert.NotPanics(t, func() {
		pub.ForecastStarted(sessionID, "Will it rain tomorrow?")
		pub.ForecastCompleted(sessionID, 0.62, 0.8)
		pub.ForecastFailed(sessionID, "synthesis timed out")
		pub.TradeExecuted(sessionID, market.Trade{Price: 60, Quantity: 10})
		pub.RoundCompleted(sessionID, 3, 14)
		pub.MarketSettled(sessionID, true, map[string]float64{"alice": 10})
		pub.Close()
	})
}
