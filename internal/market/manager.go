package market

import (
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// managerMetrics holds Prometheus metrics for the market registry
type managerMetrics struct {
	marketsOpen  prometheus.Gauge
	ordersPlaced prometheus.Counter
	tradesTotal  prometheus.Counter
	tradedVolume prometheus.Counter
}

// Singleton to avoid duplicate Prometheus registration
var (
	marketMetricsInstance *managerMetrics
	marketMetricsOnce     sync.Once
)

func getManagerMetrics() *managerMetrics {
	marketMetricsOnce.Do(func() {
		marketMetricsInstance = &managerMetrics{
			marketsOpen: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "foresight_markets_open",
				Help: "Number of open markets",
			}),
			ordersPlaced: promauto.NewCounter(prometheus.CounterOpts{
				Name: "foresight_orders_placed_total",
				Help: "Total orders accepted by the matching engine",
			}),
			tradesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "foresight_trades_total",
				Help: "Total trades executed",
			}),
			tradedVolume: promauto.NewCounter(prometheus.CounterOpts{
				Name: "foresight_traded_volume_contracts_total",
				Help: "Total contracts traded",
			}),
		}
	})
	return marketMetricsInstance
}

// Manager owns the session -> order book registry. Books serialize their own
// operations; the manager only guards the map.
type Manager struct {
	mu      sync.RWMutex
	books   map[uuid.UUID]*OrderBook
	metrics *managerMetrics
}

// NewManager creates an empty market registry
func NewManager() *Manager {
	return &Manager{
		books:   make(map[uuid.UUID]*OrderBook),
		metrics: getManagerMetrics(),
	}
}

// Create opens a market for a session. Creating twice for the same session
// returns the existing book.
func (m *Manager) Create(sessionID uuid.UUID) *OrderBook {
	m.mu.Lock()
	defer m.mu.Unlock()

	if book, ok := m.books[sessionID]; ok {
		return book
	}
	book := NewOrderBook(sessionID)
	m.books[sessionID] = book
	m.metrics.marketsOpen.Inc()
	return book
}

// Get returns the book for a session
func (m *Manager) Get(sessionID uuid.UUID) (*OrderBook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[sessionID]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return book, nil
}

// PlaceOrder routes an order to a session's book and records metrics
func (m *Manager) PlaceOrder(sessionID uuid.UUID, trader string, side Side, price, quantity int) (Order, []Trade, error) {
	book, err := m.Get(sessionID)
	if err != nil {
		return Order{}, nil, err
	}
	order, trades, err := book.PlaceOrder(trader, side, price, quantity)
	if err != nil {
		return Order{}, nil, err
	}

	m.metrics.ordersPlaced.Inc()
	for _, trade := range trades {
		m.metrics.tradesTotal.Inc()
		m.metrics.tradedVolume.Add(float64(trade.Quantity))
	}
	return order, trades, nil
}

// Settle resolves a session's market
func (m *Manager) Settle(sessionID uuid.UUID, outcome bool) (map[string]float64, error) {
	book, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	payouts, err := book.Settle(outcome)
	if err != nil {
		return nil, err
	}
	m.metrics.marketsOpen.Dec()
	return payouts, nil
}
