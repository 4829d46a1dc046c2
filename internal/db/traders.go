package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TraderState carries a simulated trader's memory between rounds. One row
// per (session, trader name); the simulation overwrites notes each round.
type TraderState struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"` // fundamental | noise | user
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertTrader creates or overwrites a trader's state row
func (db *DB) UpsertTrader(ctx context.Context, sessionID uuid.UUID, name, traderType, notes string) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO trader_states (id, session_id, name, type, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (session_id, name) DO UPDATE
		SET type = EXCLUDED.type, notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at
	`
	_, err := db.pool.Exec(ctx, query, uuid.New(), sessionID, name, traderType, notes, now)
	if err != nil {
		return fmt.Errorf("failed to upsert trader state: %w", err)
	}
	return nil
}

// GetTrader fetches one trader's state, nil when absent
func (db *DB) GetTrader(ctx context.Context, sessionID uuid.UUID, name string) (*TraderState, error) {
	query := `
		SELECT id, session_id, name, type, notes, created_at, updated_at
		FROM trader_states
		WHERE session_id = $1 AND name = $2
	`
	var t TraderState
	err := db.pool.QueryRow(ctx, query, sessionID, name).Scan(
		&t.ID, &t.SessionID, &t.Name, &t.Type, &t.Notes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get trader state: %w", err)
	}
	return &t, nil
}

// ListTraders returns all trader states for a session
func (db *DB) ListTraders(ctx context.Context, sessionID uuid.UUID) ([]TraderState, error) {
	query := `
		SELECT id, session_id, name, type, notes, created_at, updated_at
		FROM trader_states
		WHERE session_id = $1
		ORDER BY name
	`
	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trader states: %w", err)
	}
	defer rows.Close()

	var traders []TraderState
	for rows.Next() {
		var t TraderState
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Name, &t.Type, &t.Notes, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trader state: %w", err)
		}
		traders = append(traders, t)
	}
	return traders, rows.Err()
}
