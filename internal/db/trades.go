package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TradeRecord mirrors an executed order-book trade for durable views. The
// book itself stays in memory; this table is append-only.
type TradeRecord struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"session_id"`
	BuyOrderID  uuid.UUID `json:"buy_order_id"`
	SellOrderID uuid.UUID `json:"sell_order_id"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Price       int       `json:"price"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordTrade appends one executed trade
func (db *DB) RecordTrade(ctx context.Context, trade *TradeRecord) error {
	if trade.ID == uuid.Nil {
		trade.ID = uuid.New()
	}
	if trade.CreatedAt.IsZero() {
		trade.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO trades (id, session_id, buy_order_id, sell_order_id,
		                    buyer, seller, price, quantity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := db.pool.Exec(ctx, query,
		trade.ID, trade.SessionID, trade.BuyOrderID, trade.SellOrderID,
		trade.Buyer, trade.Seller, trade.Price, trade.Quantity, trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// ListTrades returns a session's trades newest-first
func (db *DB) ListTrades(ctx context.Context, sessionID uuid.UUID, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, buy_order_id, sell_order_id,
		       buyer, seller, price, quantity, created_at
		FROM trades
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := db.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.ID, &t.SessionID, &t.BuyOrderID, &t.SellOrderID,
			&t.Buyer, &t.Seller, &t.Price, &t.Quantity, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
