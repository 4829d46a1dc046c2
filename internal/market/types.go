// Package market implements an in-memory price-time-priority limit-order
// book for binary YES/NO prediction markets, plus the Avellaneda-Stoikov
// market maker that quotes into it.
package market

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Side of a binary market order
type Side string

const (
	SideYes Side = "yes" // bid on the event happening
	SideNo  Side = "no"  // bid on the event not happening
)

// MarketStatus lifecycle states
type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
)

// OrderStatus lifecycle states
type OrderStatus string

const (
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
)

// Domain errors surfaced by book operations
var (
	ErrMarketClosed    = errors.New("market is not open")
	ErrOrderNotFound   = errors.New("order not found")
	ErrForbidden       = errors.New("order owned by another trader")
	ErrAlreadyTerminal = errors.New("order is already terminal")
	ErrInvalidOrder    = errors.New("invalid order")
	ErrMarketNotFound  = errors.New("market not found")
)

// Market holds per-market stats. The book owns and mutates it; the market
// never references the book back.
type Market struct {
	ID         uuid.UUID    `json:"id"`
	SessionID  uuid.UUID    `json:"session_id"`
	Status     MarketStatus `json:"status"`
	Resolution *bool        `json:"resolution,omitempty"`
	LastPrice  *int         `json:"last_price,omitempty"` // YES-equivalent cents, nil until first trade
	Volume     int          `json:"volume"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Order is a resting or incoming limit order. Price is integer cents in
// [1,99]: probability-of-YES for the YES side, probability-of-NO for the
// NO side.
type Order struct {
	ID        uuid.UUID   `json:"id"`
	MarketID  uuid.UUID   `json:"market_id"`
	Trader    string      `json:"trader_name"`
	Side      Side        `json:"side"`
	Price     int         `json:"price"`
	Quantity  int         `json:"quantity"`
	Filled    int         `json:"filled_quantity"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() int {
	return o.Quantity - o.Filled
}

// Active reports whether the order is resting on the book
func (o *Order) Active() bool {
	return o.Status == OrderOpen || o.Status == OrderPartiallyFilled
}

// Trade records one match. Price is always the YES-equivalent probability in
// cents; the buy order is the YES side, the sell order the NO side.
type Trade struct {
	ID          uuid.UUID `json:"id"`
	MarketID    uuid.UUID `json:"market_id"`
	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Price       int       `json:"price"`
	Quantity    int       `json:"quantity"`
	ExecutedAt  time.Time `json:"executed_at"`
}

// Position tracks one trader's holdings in one market. Mutated only by the
// book when trades execute or the market settles.
type Position struct {
	Trader      string  `json:"trader_name"`
	YesQuantity int     `json:"yes_quantity"`
	NoQuantity  int     `json:"no_quantity"`
	AvgYesPrice float64 `json:"avg_yes_price"` // cents paid per YES contract
	AvgNoPrice  float64 `json:"avg_no_price"`  // cents paid per NO contract
	RealizedPnL float64 `json:"realized_pnl"`  // dollars
}

// PriceLevel aggregates one price in a snapshot
type PriceLevel struct {
	Price      int `json:"price"`
	Quantity   int `json:"quantity"`
	OrderCount int `json:"order_count"`
}

// BookSnapshot is a point-in-time aggregated view. Ask prices are expressed
// YES-equivalent (100 minus the resting NO price) so bids and asks share a
// scale and spread = best ask - best bid.
type BookSnapshot struct {
	MarketID  uuid.UUID    `json:"market_id"`
	Bids      []PriceLevel `json:"bids"` // descending
	Asks      []PriceLevel `json:"asks"` // ascending
	LastPrice *int         `json:"last_price,omitempty"`
	Volume    int          `json:"volume"`
	Spread    *int         `json:"spread,omitempty"`
	MidPrice  *float64     `json:"mid_price,omitempty"`
}
