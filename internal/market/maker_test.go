package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMakerConfig() MakerConfig {
	return MakerConfig{
		RiskAversion:   0.003,
		LiquidityParam: 1.2,
		TerminalTime:   60,
		VolatilityBase: 3.5,
		MinSpread:      2,
		MaxInventory:   100,
	}
}

func TestQuotesStraddleForecastMid(t *testing.T) {
	m := NewMaker(0.65, 0.60, testMakerConfig())

	bid, ask, ok := m.Quotes(0)
	require.True(t, ok)

	assert.Less(t, bid, ask)
	assert.LessOrEqual(t, bid, 65)
	assert.GreaterOrEqual(t, ask, 65)
	assert.GreaterOrEqual(t, ask-bid, 2)
}

func TestQuotesStopAtTerminalTime(t *testing.T) {
	m := NewMaker(0.5, 0.5, testMakerConfig())

	_, _, ok := m.Quotes(60)
	assert.False(t, ok)
	_, _, ok = m.Quotes(61)
	assert.False(t, ok)
}

func TestSpreadNarrowsTowardTerminal(t *testing.T) {
	m := NewMaker(0.5, 0.2, testMakerConfig())

	prev := 1000
	for _, tt := range []float64{0, 15, 30, 45, 59} {
		bid, ask, ok := m.Quotes(tt)
		require.True(t, ok)
		spread := ask - bid
		assert.LessOrEqual(t, spread, prev, "spread must not widen as t grows")
		prev = spread
	}
}

func TestInventoryShiftsQuotes(t *testing.T) {
	cfg := testMakerConfig()

	flat := NewMaker(0.5, 0.0, cfg)
	bid0, ask0, _ := flat.Quotes(0)

	long := NewMaker(0.5, 0.0, cfg)
	long.OnFill(80, "buy", 50)
	bidLong, askLong, _ := long.Quotes(0)
	assert.LessOrEqual(t, bidLong, bid0)
	assert.LessOrEqual(t, askLong, ask0)

	short := NewMaker(0.5, 0.0, cfg)
	short.OnFill(80, "sell", 50)
	bidShort, askShort, _ := short.Quotes(0)
	assert.GreaterOrEqual(t, bidShort, bid0)
	assert.GreaterOrEqual(t, askShort, ask0)
}

func TestFullConfidenceMeansMinSpread(t *testing.T) {
	m := NewMaker(0.5, 1.0, testMakerConfig())

	bid, ask, ok := m.Quotes(0)
	require.True(t, ok)
	assert.Equal(t, 2, ask-bid)
}

func TestBidBelowAskAcrossStates(t *testing.T) {
	for _, p := range []float64{0.01, 0.05, 0.5, 0.95, 0.99} {
		for _, c := range []float64{0, 0.5, 1} {
			for _, q := range []int{-100, -10, 0, 10, 100} {
				m := NewMaker(p, c, testMakerConfig())
				m.inventory = q
				for _, tt := range []float64{0, 30, 59.9} {
					bid, ask, ok := m.Quotes(tt)
					require.True(t, ok)
					assert.Less(t, bid, ask, "p=%v c=%v q=%d t=%v", p, c, q, tt)
					assert.GreaterOrEqual(t, bid, 1)
					assert.LessOrEqual(t, ask, 99)
				}
			}
		}
	}
}

func TestOnFillAccounting(t *testing.T) {
	m := NewMaker(0.65, 0.60, testMakerConfig())

	bid0, _, ok := m.Quotes(0)
	require.True(t, ok)

	m.OnFill(10, "sell", 66)
	assert.Equal(t, -10, m.Inventory())
	assert.Equal(t, 660.0, m.Cash())

	// Short inventory pushes the reservation price up.
	bid1, _, ok := m.Quotes(0)
	require.True(t, ok)
	assert.GreaterOrEqual(t, bid1, bid0)

	m.OnFill(4, "buy", 64)
	assert.Equal(t, -6, m.Inventory())
	assert.Equal(t, 660.0-256.0, m.Cash())
}

func TestUpdateBelief(t *testing.T) {
	m := NewMaker(0.5, 0.5, testMakerConfig())
	m.UpdateBelief(0.9, 0.5)
	assert.InDelta(t, 70.0, m.mid, 1e-9)
}

func TestInventoryLimits(t *testing.T) {
	m := NewMaker(0.5, 0.5, testMakerConfig())
	assert.True(t, m.WantsBid())
	assert.True(t, m.WantsAsk())

	m.inventory = 100
	assert.False(t, m.WantsBid())
	assert.True(t, m.WantsAsk())

	m.inventory = -100
	assert.True(t, m.WantsBid())
	assert.False(t, m.WantsAsk())
}
