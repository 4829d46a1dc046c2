package market

import (
	"math"
	"sync"
)

// MakerConfig holds Avellaneda-Stoikov parameters
type MakerConfig struct {
	RiskAversion   float64 // gamma
	LiquidityParam float64 // k
	TerminalTime   float64 // T, seconds
	VolatilityBase float64 // sigma scale before confidence discount
	MinSpread      float64 // cents
	MaxInventory   int     // contracts, quoting stops one-sided beyond this
}

// DefaultMakerConfig returns the standard parameter set
func DefaultMakerConfig() MakerConfig {
	return MakerConfig{
		RiskAversion:   0.003,
		LiquidityParam: 1.2,
		TerminalTime:   60,
		VolatilityBase: 3.5,
		MinSpread:      2,
		MaxInventory:   100,
	}
}

// Maker quotes two-sided around a reservation price derived from a
// forecasted probability. High confidence narrows quotes; inventory shifts
// the reservation price away from the held side.
type Maker struct {
	mu     sync.Mutex
	config MakerConfig

	mid       float64 // cents
	sigma     float64
	inventory int // positive = long YES
	cash      float64
}

// NewMaker initializes the maker from a forecast probability p in [0,1] and
// confidence c in [0,1]
func NewMaker(p, c float64, config MakerConfig) *Maker {
	if config.RiskAversion == 0 {
		config = DefaultMakerConfig()
	}
	return &Maker{
		config: config,
		mid:    p * 100,
		sigma:  config.VolatilityBase * (1 - c),
	}
}

// Quotes returns the bid and ask at elapsed time t. ok is false once the
// terminal time has passed and the maker stops quoting.
func (m *Maker) Quotes(t float64) (bid, ask int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dt := m.config.TerminalTime - t
	if dt <= 0 {
		return 0, 0, false
	}

	gamma := m.config.RiskAversion
	sigma2 := m.sigma * m.sigma

	// Reservation price shifts away from held inventory.
	r := m.mid - float64(m.inventory)*gamma*sigma2*dt

	// Optimal spread widens with residual uncertainty and time.
	delta := gamma*sigma2*dt + (2/gamma)*math.Log(1+gamma/m.config.LiquidityParam)
	delta = math.Max(delta, m.config.MinSpread)

	bid = int(math.Round(r - delta/2))
	ask = int(math.Round(r + delta/2))

	bid = clampPrice(bid)
	ask = clampPrice(ask)
	if bid >= ask {
		if bid > 1 {
			bid--
		}
		if ask < 99 {
			ask++
		}
	}
	return bid, ask, true
}

// OnFill updates inventory and cash accounting. side is "buy" when the
// maker bought YES, "sell" when it sold.
func (m *Maker) OnFill(quantity int, side string, price int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if side == "buy" {
		m.inventory += quantity
		m.cash -= float64(quantity * price)
	} else {
		m.inventory -= quantity
		m.cash += float64(quantity * price)
	}
}

// UpdateBelief blends the mid toward a new probability estimate
func (m *Maker) UpdateBelief(p, alpha float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mid = alpha*p*100 + (1-alpha)*m.mid
}

// Inventory returns the signed YES inventory
func (m *Maker) Inventory() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inventory
}

// Cash returns net cash in cents (negative while holding paid inventory)
func (m *Maker) Cash() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// WantsBid reports whether inventory allows buying more YES
func (m *Maker) WantsBid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inventory < m.config.MaxInventory
}

// WantsAsk reports whether inventory allows selling more YES
func (m *Maker) WantsAsk() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inventory > -m.config.MaxInventory
}

func clampPrice(p int) int {
	if p < 1 {
		return 1
	}
	if p > 99 {
		return 99
	}
	return p
}
