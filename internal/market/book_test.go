package market

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoMatchWhenPairExceedsHundred(t *testing.T) {
	book := NewOrderBook(uuid.New())

	_, trades, err := book.PlaceOrder("alice", SideYes, 60, 10)
	require.NoError(t, err)
	require.Empty(t, trades)

	// NO@41 with YES@60 locks at 101; no match.
	_, trades, err = book.PlaceOrder("bob", SideNo, 41, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	snap := book.Snapshot()
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 60, snap.Bids[0].Price)
	assert.Equal(t, 59, snap.Asks[0].Price) // NO@41 shown YES-equivalent
}

func TestExactCounterpartyMatch(t *testing.T) {
	book := NewOrderBook(uuid.New())

	yes, _, err := book.PlaceOrder("alice", SideYes, 60, 10)
	require.NoError(t, err)

	no, trades, err := book.PlaceOrder("bob", SideNo, 40, 10)
	require.NoError(t, err)

	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, 60, trade.Price) // resting YES price, YES-equivalent
	assert.Equal(t, 10, trade.Quantity)
	assert.Equal(t, "alice", trade.Buyer)
	assert.Equal(t, "bob", trade.Seller)
	assert.Equal(t, yes.ID, trade.BuyOrderID)
	assert.Equal(t, no.ID, trade.SellOrderID)

	assert.Equal(t, OrderFilled, no.Status)
	restingYes, err := book.Order(yes.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, restingYes.Status)
}

func TestOwnOrdersNeverSelfMatch(t *testing.T) {
	book := NewOrderBook(uuid.New())

	// alice quotes both sides; her NO would lock against her own YES
	_, trades, err := book.PlaceOrder("alice", SideYes, 58, 100)
	require.NoError(t, err)
	require.Empty(t, trades)

	_, trades, err = book.PlaceOrder("alice", SideNo, 38, 100)
	require.NoError(t, err)
	assert.Empty(t, trades)

	snap := book.Snapshot()
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)

	// a different owner at the same price still locks with alice's bid
	_, trades, err = book.PlaceOrder("bob", SideNo, 38, 100)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "alice", trades[0].Buyer)
	assert.Equal(t, 58, trades[0].Price)
}

func TestTimePriorityWithinLevel(t *testing.T) {
	book := NewOrderBook(uuid.New())

	a, _, err := book.PlaceOrder("a", SideYes, 60, 10)
	require.NoError(t, err)
	bOrder, _, err := book.PlaceOrder("b", SideYes, 60, 10)
	require.NoError(t, err)

	_, trades, err := book.PlaceOrder("c", SideNo, 40, 5)
	require.NoError(t, err)

	require.Len(t, trades, 1)
	assert.Equal(t, 5, trades[0].Quantity)
	assert.Equal(t, a.ID, trades[0].BuyOrderID)

	gotA, _ := book.Order(a.ID)
	gotB, _ := book.Order(bOrder.ID)
	assert.Equal(t, OrderPartiallyFilled, gotA.Status)
	assert.Equal(t, 5, gotA.Remaining())
	assert.Equal(t, OrderOpen, gotB.Status)
	assert.Equal(t, 10, gotB.Remaining())
}

func TestPartialFillUpdatesMarketAndPositions(t *testing.T) {
	book := NewOrderBook(uuid.New())

	yes, _, err := book.PlaceOrder("alice", SideYes, 60, 10)
	require.NoError(t, err)

	_, trades, err := book.PlaceOrder("bob", SideNo, 30, 4)
	require.NoError(t, err)

	require.Len(t, trades, 1)
	assert.Equal(t, 60, trades[0].Price)
	assert.Equal(t, 4, trades[0].Quantity)

	m := book.Market()
	require.NotNil(t, m.LastPrice)
	assert.Equal(t, 60, *m.LastPrice)
	assert.Equal(t, 4, m.Volume)

	alice := book.Position("alice")
	assert.Equal(t, 4, alice.YesQuantity)
	assert.Equal(t, 60.0, alice.AvgYesPrice)

	bob := book.Position("bob")
	assert.Equal(t, 4, bob.NoQuantity)
	assert.Equal(t, 40.0, bob.AvgNoPrice)

	resting, _ := book.Order(yes.ID)
	assert.Equal(t, OrderPartiallyFilled, resting.Status)
	assert.Equal(t, 6, resting.Remaining())
}

func TestIncomingSweepsMultipleLevels(t *testing.T) {
	book := NewOrderBook(uuid.New())

	// Two NO levels, both matchable against YES@70 (match price 30).
	_, _, err := book.PlaceOrder("n1", SideNo, 20, 5)
	require.NoError(t, err)
	_, _, err = book.PlaceOrder("n2", SideNo, 30, 5)
	require.NoError(t, err)

	incoming, trades, err := book.PlaceOrder("buyer", SideYes, 70, 8)
	require.NoError(t, err)

	// Cheapest NO level first: NO@20 (trade at 80), then NO@30 (trade at 70).
	require.Len(t, trades, 2)
	assert.Equal(t, 80, trades[0].Price)
	assert.Equal(t, 5, trades[0].Quantity)
	assert.Equal(t, 70, trades[1].Price)
	assert.Equal(t, 3, trades[1].Quantity)
	assert.Equal(t, OrderFilled, incoming.Status)

	// Remaining NO@30 quantity rests.
	snap := book.Snapshot()
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, 70, snap.Asks[0].Price)
	assert.Equal(t, 2, snap.Asks[0].Quantity)
}

func TestCancelOrder(t *testing.T) {
	book := NewOrderBook(uuid.New())

	order, _, err := book.PlaceOrder("alice", SideYes, 55, 10)
	require.NoError(t, err)

	_, err = book.CancelOrder(uuid.New(), "alice")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = book.CancelOrder(order.ID, "mallory")
	assert.ErrorIs(t, err, ErrForbidden)

	cancelled, err := book.CancelOrder(order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, cancelled.Status)

	_, err = book.CancelOrder(order.ID, "alice")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	assert.Empty(t, book.Snapshot().Bids)
}

func TestCancelAll(t *testing.T) {
	book := NewOrderBook(uuid.New())

	// alice's NO at 60 keeps bob's bid from locking with it (45+60 > 100)
	_, _, _ = book.PlaceOrder("alice", SideYes, 50, 10)
	_, _, _ = book.PlaceOrder("alice", SideNo, 60, 10)
	_, _, _ = book.PlaceOrder("bob", SideYes, 45, 10)

	cancelled := book.CancelAll("alice")
	assert.Len(t, cancelled, 2)

	snap := book.Snapshot()
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, 45, snap.Bids[0].Price)
	assert.Empty(t, snap.Asks)
}

func TestPlaceOrderValidation(t *testing.T) {
	book := NewOrderBook(uuid.New())

	_, _, err := book.PlaceOrder("alice", SideYes, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = book.PlaceOrder("alice", SideYes, 100, 10)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = book.PlaceOrder("alice", SideYes, 50, 0)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = book.PlaceOrder("", SideYes, 50, 10)
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, _, err = book.PlaceOrder("alice", Side("maybe"), 50, 10)
	assert.ErrorIs(t, err, ErrInvalidOrder)
}

func TestMarketClosedRejectsOrders(t *testing.T) {
	book := NewOrderBook(uuid.New())
	_, err := book.Settle(true)
	require.NoError(t, err)

	_, _, err = book.PlaceOrder("alice", SideYes, 50, 10)
	assert.ErrorIs(t, err, ErrMarketClosed)

	_, err = book.Settle(false)
	assert.ErrorIs(t, err, ErrMarketClosed)
}

func TestSettlement(t *testing.T) {
	book := NewOrderBook(uuid.New())

	_, _, err := book.PlaceOrder("alice", SideYes, 60, 10)
	require.NoError(t, err)
	_, trades, err := book.PlaceOrder("bob", SideNo, 40, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	payouts, err := book.Settle(true)
	require.NoError(t, err)

	// Alice holds 10 YES at 60c; YES wins: payout $10, cost $6.
	assert.Equal(t, 10.0, payouts["alice"])
	assert.Equal(t, 0.0, payouts["bob"])

	alice := book.Position("alice")
	assert.InDelta(t, 4.0, alice.RealizedPnL, 1e-9)
	bob := book.Position("bob")
	assert.InDelta(t, -4.0, bob.RealizedPnL, 1e-9)

	m := book.Market()
	assert.Equal(t, MarketResolved, m.Status)
	require.NotNil(t, m.Resolution)
	assert.True(t, *m.Resolution)
}

func TestTradesNewestFirst(t *testing.T) {
	book := NewOrderBook(uuid.New())

	_, _, _ = book.PlaceOrder("a", SideYes, 60, 5)
	_, _, _ = book.PlaceOrder("b", SideNo, 40, 5)
	_, _, _ = book.PlaceOrder("a", SideYes, 55, 5)
	_, _, _ = book.PlaceOrder("b", SideNo, 45, 5)

	trades := book.Trades(10)
	require.Len(t, trades, 2)
	assert.Equal(t, 55, trades[0].Price)
	assert.Equal(t, 60, trades[1].Price)

	assert.Len(t, book.Trades(1), 1)
}

// checkInvariants verifies the structural book invariants after a batch of
// random operations.
func checkInvariants(t *testing.T, book *OrderBook) {
	t.Helper()
	book.mu.Lock()
	defer book.mu.Unlock()

	filledSum := 0
	for _, order := range book.ordersByID {
		// filled == quantity iff status filled
		if order.Status == OrderFilled {
			require.Equal(t, order.Quantity, order.Filled)
		} else {
			require.Less(t, order.Filled, order.Quantity)
		}
		filledSum += order.Filled

		// active orders appear exactly once at their price level
		occurrences := 0
		for _, o := range book.sideQueues(order.Side)[order.Price] {
			if o.ID == order.ID {
				occurrences++
			}
		}
		if order.Active() {
			require.Equal(t, 1, occurrences, "active order must rest at its level")
		} else {
			require.Equal(t, 0, occurrences, "terminal order must not rest")
		}
	}

	tradeSum := 0
	for _, trade := range book.trades {
		require.GreaterOrEqual(t, trade.Price, 1)
		require.LessOrEqual(t, trade.Price, 99)
		tradeSum += trade.Quantity
	}
	require.Equal(t, 2*tradeSum, filledSum)
}

func TestBookInvariantsUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	book := NewOrderBook(uuid.New())
	traders := []string{"a", "b", "c", "d"}
	var placed []uuid.UUID

	for i := 0; i < 500; i++ {
		if rng.Intn(5) == 0 && len(placed) > 0 {
			id := placed[rng.Intn(len(placed))]
			_, _ = book.CancelOrder(id, traders[rng.Intn(len(traders))])
		} else {
			side := SideYes
			if rng.Intn(2) == 0 {
				side = SideNo
			}
			order, _, err := book.PlaceOrder(
				traders[rng.Intn(len(traders))],
				side,
				1+rng.Intn(99),
				1+rng.Intn(20),
			)
			require.NoError(t, err)
			placed = append(placed, order.ID)
		}
		if i%50 == 0 {
			checkInvariants(t, book)
		}
	}
	checkInvariants(t, book)
}

func TestManagerRegistry(t *testing.T) {
	m := NewManager()
	sessionID := uuid.New()

	_, err := m.Get(sessionID)
	assert.ErrorIs(t, err, ErrMarketNotFound)

	book := m.Create(sessionID)
	assert.Same(t, book, m.Create(sessionID))

	got, err := m.Get(sessionID)
	require.NoError(t, err)
	assert.Same(t, book, got)

	_, trades, err := m.PlaceOrder(sessionID, "alice", SideYes, 60, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)

	_, _, err = m.PlaceOrder(uuid.New(), "alice", SideYes, 60, 10)
	assert.ErrorIs(t, err, ErrMarketNotFound)
}
