package market

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OrderBook matches YES and NO limit orders for one market with price-time
// priority. A YES@P and a NO@(100-P) are exact counterparties; an incoming
// order matches any resting counterparty whose price locks the pair at or
// under 100. Execution happens at the resting order's price.
//
// All operations are serialized by one mutex, so observers never see a
// partially applied trade.
type OrderBook struct {
	mu         sync.Mutex
	market     *Market
	yesOrders  map[int][]*Order // bid side, keyed by YES price, FIFO per level
	noOrders   map[int][]*Order // ask side, keyed by NO price, FIFO per level
	ordersByID map[uuid.UUID]*Order
	positions  map[string]*Position
	trades     []Trade
}

// NewOrderBook creates an open market owned by the given session
func NewOrderBook(sessionID uuid.UUID) *OrderBook {
	return &OrderBook{
		market: &Market{
			ID:        uuid.New(),
			SessionID: sessionID,
			Status:    MarketOpen,
			CreatedAt: time.Now().UTC(),
		},
		yesOrders:  make(map[int][]*Order),
		noOrders:   make(map[int][]*Order),
		ordersByID: make(map[uuid.UUID]*Order),
		positions:  make(map[string]*Position),
	}
}

// PlaceOrder validates, matches, and rests an incoming limit order. It
// returns the resulting order state and the trades generated by the match.
func (b *OrderBook) PlaceOrder(trader string, side Side, price, quantity int) (Order, []Trade, error) {
	if trader == "" {
		return Order{}, nil, fmt.Errorf("%w: trader name required", ErrInvalidOrder)
	}
	if side != SideYes && side != SideNo {
		return Order{}, nil, fmt.Errorf("%w: side must be yes or no", ErrInvalidOrder)
	}
	if price < 1 || price > 99 {
		return Order{}, nil, fmt.Errorf("%w: price %d outside [1,99]", ErrInvalidOrder, price)
	}
	if quantity < 1 {
		return Order{}, nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.market.Status != MarketOpen {
		return Order{}, nil, ErrMarketClosed
	}

	order := &Order{
		ID:        uuid.New(),
		MarketID:  b.market.ID,
		Trader:    trader,
		Side:      side,
		Price:     price,
		Quantity:  quantity,
		Status:    OrderOpen,
		CreatedAt: time.Now().UTC(),
	}
	b.ordersByID[order.ID] = order

	trades := b.match(order)

	if order.Remaining() > 0 {
		if order.Filled > 0 {
			order.Status = OrderPartiallyFilled
		}
		b.sideQueues(order.Side)[order.Price] = append(b.sideQueues(order.Side)[order.Price], order)
	}

	return *order, trades, nil
}

// match walks matchable price levels in priority order and fills FIFO
// within each level. Caller holds b.mu.
func (b *OrderBook) match(incoming *Order) []Trade {
	matchPrice := 100 - incoming.Price

	var resting map[int][]*Order
	if incoming.Side == SideYes {
		resting = b.noOrders
	} else {
		resting = b.yesOrders
	}

	// A pair locks at resting.price + incoming.price when the resting side
	// is the counterparty, so only levels at or below matchPrice qualify.
	levels := make([]int, 0, len(resting))
	for p := range resting {
		if p <= matchPrice {
			levels = append(levels, p)
		}
	}
	if incoming.Side == SideYes {
		sort.Ints(levels) // cheapest NO first
	} else {
		sort.Sort(sort.Reverse(sort.IntSlice(levels))) // highest YES first
	}

	var trades []Trade
	for _, level := range levels {
		queue := resting[level]
		// FIFO within the level, skipping the trader's own resting orders so
		// two-sided quoting never self-trades
		i := 0
		for i < len(queue) && incoming.Remaining() > 0 {
			top := queue[i]
			if top.Trader == incoming.Trader {
				i++
				continue
			}
			fill := min(incoming.Remaining(), top.Remaining())
			trades = append(trades, b.execute(incoming, top, fill))
			if top.Remaining() == 0 {
				top.Status = OrderFilled
				queue = append(queue[:i], queue[i+1:]...)
			}
		}
		if len(queue) == 0 {
			delete(resting, level)
		} else {
			resting[level] = queue
		}
		if incoming.Remaining() == 0 {
			break
		}
	}

	if incoming.Remaining() == 0 {
		incoming.Status = OrderFilled
	}
	return trades
}

// execute records one fill between the incoming and a resting order.
// The trade price is the resting order's price expressed YES-equivalent.
// Caller holds b.mu.
func (b *OrderBook) execute(incoming, resting *Order, fill int) Trade {
	execPrice := resting.Price
	tradePrice := execPrice
	if resting.Side == SideNo {
		tradePrice = 100 - execPrice
	}

	buyOrder, sellOrder := incoming, resting
	if incoming.Side == SideNo {
		buyOrder, sellOrder = resting, incoming
	}

	trade := Trade{
		ID:          uuid.New(),
		MarketID:    b.market.ID,
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		Buyer:       buyOrder.Trader,
		Seller:      sellOrder.Trader,
		Price:       tradePrice,
		Quantity:    fill,
		ExecutedAt:  time.Now().UTC(),
	}

	incoming.Filled += fill
	resting.Filled += fill
	if incoming.Filled > 0 && incoming.Remaining() > 0 {
		incoming.Status = OrderPartiallyFilled
	}
	if resting.Remaining() > 0 {
		resting.Status = OrderPartiallyFilled
	}

	b.applyToPosition(trade.Buyer, SideYes, tradePrice, fill)
	b.applyToPosition(trade.Seller, SideNo, 100-tradePrice, fill)

	last := tradePrice
	b.market.LastPrice = &last
	b.market.Volume += fill

	b.trades = append(b.trades, trade)
	return trade
}

// applyToPosition folds a fill into a trader's average paid price.
// Caller holds b.mu.
func (b *OrderBook) applyToPosition(trader string, side Side, price, quantity int) {
	pos, ok := b.positions[trader]
	if !ok {
		pos = &Position{Trader: trader}
		b.positions[trader] = pos
	}
	if side == SideYes {
		pos.AvgYesPrice = (pos.AvgYesPrice*float64(pos.YesQuantity) + float64(price*quantity)) /
			float64(pos.YesQuantity+quantity)
		pos.YesQuantity += quantity
	} else {
		pos.AvgNoPrice = (pos.AvgNoPrice*float64(pos.NoQuantity) + float64(price*quantity)) /
			float64(pos.NoQuantity+quantity)
		pos.NoQuantity += quantity
	}
}

// CancelOrder removes one active order owned by trader
func (b *OrderBook) CancelOrder(orderID uuid.UUID, trader string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.ordersByID[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	if order.Trader != trader {
		return Order{}, ErrForbidden
	}
	if !order.Active() {
		return Order{}, ErrAlreadyTerminal
	}

	order.Status = OrderCancelled
	b.removeFromQueue(order)
	return *order, nil
}

// CancelAll sweeps every active order owned by trader
func (b *OrderBook) CancelAll(trader string) []Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cancelled []Order
	for _, order := range b.ordersByID {
		if order.Trader == trader && order.Active() {
			order.Status = OrderCancelled
			b.removeFromQueue(order)
			cancelled = append(cancelled, *order)
		}
	}
	return cancelled
}

// removeFromQueue drops an order from its price level, deleting the level
// when it empties. Caller holds b.mu.
func (b *OrderBook) removeFromQueue(order *Order) {
	queues := b.sideQueues(order.Side)
	queue := queues[order.Price]
	for i, o := range queue {
		if o.ID == order.ID {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(queues, order.Price)
	} else {
		queues[order.Price] = queue
	}
}

func (b *OrderBook) sideQueues(side Side) map[int][]*Order {
	if side == SideYes {
		return b.yesOrders
	}
	return b.noOrders
}

// Snapshot aggregates the book into per-level totals
func (b *OrderBook) Snapshot() BookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BookSnapshot{
		MarketID: b.market.ID,
		Volume:   b.market.Volume,
	}
	if b.market.LastPrice != nil {
		last := *b.market.LastPrice
		snap.LastPrice = &last
	}

	for price, queue := range b.yesOrders {
		snap.Bids = append(snap.Bids, aggregateLevel(price, queue))
	}
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Price > snap.Bids[j].Price })

	for price, queue := range b.noOrders {
		snap.Asks = append(snap.Asks, aggregateLevel(100-price, queue))
	}
	sort.Slice(snap.Asks, func(i, j int) bool { return snap.Asks[i].Price < snap.Asks[j].Price })

	if len(snap.Bids) > 0 && len(snap.Asks) > 0 {
		spread := snap.Asks[0].Price - snap.Bids[0].Price
		mid := float64(snap.Asks[0].Price+snap.Bids[0].Price) / 2
		snap.Spread = &spread
		snap.MidPrice = &mid
	}
	return snap
}

func aggregateLevel(price int, queue []*Order) PriceLevel {
	level := PriceLevel{Price: price, OrderCount: len(queue)}
	for _, o := range queue {
		level.Quantity += o.Remaining()
	}
	return level
}

// Settle resolves the market and realizes every position. Payout is one
// dollar per winning contract; returns owner -> payout in dollars.
func (b *OrderBook) Settle(outcome bool) (map[string]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.market.Status == MarketResolved {
		return nil, fmt.Errorf("%w: market already resolved", ErrMarketClosed)
	}

	b.market.Status = MarketResolved
	b.market.Resolution = &outcome

	payouts := make(map[string]float64, len(b.positions))
	for owner, pos := range b.positions {
		payout := float64(pos.NoQuantity)
		if outcome {
			payout = float64(pos.YesQuantity)
		}
		cost := (float64(pos.YesQuantity)*pos.AvgYesPrice + float64(pos.NoQuantity)*pos.AvgNoPrice) / 100
		pos.RealizedPnL = payout - cost
		payouts[owner] = payout
	}
	return payouts, nil
}

// Market returns a copy of the market stats
func (b *OrderBook) Market() Market {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := *b.market
	return m
}

// Order returns a copy of one order by id
func (b *OrderBook) Order(orderID uuid.UUID) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.ordersByID[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return *order, nil
}

// OrdersFor lists a trader's orders, optionally only active ones
func (b *OrderBook) OrdersFor(trader string, activeOnly bool) []Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var orders []Order
	for _, order := range b.ordersByID {
		if order.Trader != trader {
			continue
		}
		if activeOnly && !order.Active() {
			continue
		}
		orders = append(orders, *order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders
}

// Trades returns up to limit trades, newest first
func (b *OrderBook) Trades(limit int) []Trade {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.trades)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Trade, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.trades[n-1-i]
	}
	return out
}

// Position returns a copy of one trader's position
func (b *OrderBook) Position(trader string) Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos, ok := b.positions[trader]; ok {
		return *pos
	}
	return Position{Trader: trader}
}

// Positions returns copies of all positions keyed by trader
func (b *OrderBook) Positions() map[string]Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Position, len(b.positions))
	for owner, pos := range b.positions {
		out[owner] = *pos
	}
	return out
}
