package sim

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/foresight/internal/config"
	"github.com/quantfold/foresight/internal/db"
	"github.com/quantfold/foresight/internal/market"
)

// MakerName is the trader name the market maker quotes under
const MakerName = "market_maker"

// makerBeliefAlpha is the weight given to the latest trade price when the
// maker drifts its belief toward the market
const makerBeliefAlpha = 0.1

// makerQuoteSize is the contracts per quoted side
const makerQuoteSize = 50

// MakerLoop cancel-replaces the market maker's quotes on a fixed cadence.
// Each tick it pulls fresh Avellaneda-Stoikov quotes, bids YES at the bid,
// asks via a NO order at the complement of the ask, and drifts its belief
// toward the last traded price.
type MakerLoop struct {
	sessionID uuid.UUID
	book      *market.OrderBook
	maker     *market.Maker
	store     Store
	interval  time.Duration
	onTrade   func(market.Trade)
	started   time.Time
}

// NewMakerLoop builds the quoting loop. onTrade may be nil.
func NewMakerLoop(sessionID uuid.UUID, book *market.OrderBook, maker *market.Maker, store Store, interval time.Duration, onTrade func(market.Trade)) *MakerLoop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MakerLoop{
		sessionID: sessionID,
		book:      book,
		maker:     maker,
		store:     store,
		interval:  interval,
		onTrade:   onTrade,
	}
}

// Run quotes until the maker's terminal time passes, the market closes, or
// the context ends
func (l *MakerLoop) Run(ctx context.Context) error {
	logger := config.NewSessionLogger("market_maker", l.sessionID.String())
	l.started = time.Now()
	logger.Info().Dur("interval", l.interval).Msg("Market maker loop started")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if l.book.Market().Status != market.MarketOpen {
			l.book.CancelAll(MakerName)
			logger.Info().Msg("Market no longer open, maker loop ending")
			return nil
		}
		if !l.Tick(ctx) {
			l.book.CancelAll(MakerName)
			logger.Info().Int("inventory", l.maker.Inventory()).Float64("cash", l.maker.Cash()).
				Msg("Terminal time reached, maker loop ending")
			return nil
		}

		select {
		case <-ctx.Done():
			l.book.CancelAll(MakerName)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one quote refresh. It returns false once the maker has
// stopped quoting for good.
func (l *MakerLoop) Tick(ctx context.Context) bool {
	if snap := l.book.Snapshot(); snap.LastPrice != nil {
		l.maker.UpdateBelief(float64(*snap.LastPrice)/100, makerBeliefAlpha)
	}

	bid, ask, ok := l.maker.Quotes(time.Since(l.started).Seconds())
	if !ok {
		return false
	}

	l.book.CancelAll(MakerName)

	if l.maker.WantsBid() {
		_, trades, err := l.book.PlaceOrder(MakerName, market.SideYes, bid, makerQuoteSize)
		if err == nil {
			l.settleFills(ctx, trades)
		}
	}
	if l.maker.WantsAsk() {
		// selling YES is expressed as a NO bid at the complement
		_, trades, err := l.book.PlaceOrder(MakerName, market.SideNo, 100-ask, makerQuoteSize)
		if err == nil {
			l.settleFills(ctx, trades)
		}
	}
	return true
}

// HandleFill attributes one trade to the maker's inventory when the maker
// was on either side. Wire it into Simulation.OnTrade so traders hitting the
// maker's resting quotes are accounted for.
func (l *MakerLoop) HandleFill(t market.Trade) {
	switch {
	case t.Buyer == MakerName:
		l.maker.OnFill(t.Quantity, "buy", t.Price)
	case t.Seller == MakerName:
		l.maker.OnFill(t.Quantity, "sell", t.Price)
	}
}

// settleFills updates maker inventory for its side of each trade and
// persists the trade
func (l *MakerLoop) settleFills(ctx context.Context, trades []market.Trade) {
	for _, t := range trades {
		l.HandleFill(t)

		rec := db.TradeRecord{
			ID:          t.ID,
			SessionID:   l.sessionID,
			BuyOrderID:  t.BuyOrderID,
			SellOrderID: t.SellOrderID,
			Buyer:       t.Buyer,
			Seller:      t.Seller,
			Price:       t.Price,
			Quantity:    t.Quantity,
		}
		if err := l.store.RecordTrade(ctx, &rec); err != nil {
			logger := config.NewSessionLogger("market_maker", l.sessionID.String())
			logger.Warn().Err(err).Msg("Failed to record trade")
		}
		if l.onTrade != nil {
			l.onTrade(t)
		}
	}
}
