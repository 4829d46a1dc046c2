package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResponseStatus tracks a forecaster response lifecycle
type ResponseStatus string

const (
	ResponseStatusRunning   ResponseStatus = "running"
	ResponseStatusCompleted ResponseStatus = "completed"
	ResponseStatusFailed    ResponseStatus = "failed"
)

// ForecasterResponse holds one persona's final prediction for a session.
// At most one row exists per (session, forecaster).
type ForecasterResponse struct {
	ID             uuid.UUID              `json:"id"`
	SessionID      uuid.UUID              `json:"session_id"`
	Forecaster     string                 `json:"forecaster"`
	Prediction     map[string]interface{} `json:"prediction,omitempty"`
	PhaseDurations map[string]float64     `json:"phase_durations,omitempty"`
	Status         ResponseStatus         `json:"status"`
	Error          *string                `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// CreateForecasterResponse inserts a running response row for a persona.
// The (session_id, forecaster) pair is unique; a second create for the same
// pair replaces the earlier row so a rerun starts clean.
func (db *DB) CreateForecasterResponse(ctx context.Context, resp *ForecasterResponse) error {
	if resp.ID == uuid.Nil {
		resp.ID = uuid.New()
	}
	if resp.Status == "" {
		resp.Status = ResponseStatusRunning
	}
	resp.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO forecaster_responses (id, session_id, forecaster, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, forecaster) DO UPDATE
		SET id = EXCLUDED.id, status = EXCLUDED.status, created_at = EXCLUDED.created_at,
		    prediction = NULL, phase_durations = NULL, error = NULL, completed_at = NULL
	`
	_, err := db.pool.Exec(ctx, query, resp.ID, resp.SessionID, resp.Forecaster, resp.Status, resp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create forecaster response: %w", err)
	}
	return nil
}

// CompleteForecasterResponse stores the prediction payload and phase timings
func (db *DB) CompleteForecasterResponse(ctx context.Context, id uuid.UUID, prediction map[string]interface{}, phaseDurations map[string]float64) error {
	query := `
		UPDATE forecaster_responses
		SET status = $2, prediction = $3, phase_durations = $4, completed_at = $5
		WHERE id = $1
	`
	_, err := db.pool.Exec(ctx, query, id, ResponseStatusCompleted, prediction, phaseDurations, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to complete forecaster response: %w", err)
	}
	return nil
}

// FailForecasterResponse records the failure cause
func (db *DB) FailForecasterResponse(ctx context.Context, id uuid.UUID, cause string) error {
	query := `
		UPDATE forecaster_responses
		SET status = $2, error = $3, completed_at = $4
		WHERE id = $1
	`
	_, err := db.pool.Exec(ctx, query, id, ResponseStatusFailed, cause, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark forecaster response failed: %w", err)
	}
	return nil
}

// GetForecasterResponses returns all persona responses for a session
func (db *DB) GetForecasterResponses(ctx context.Context, sessionID uuid.UUID) ([]ForecasterResponse, error) {
	query := `
		SELECT id, session_id, forecaster, prediction, phase_durations,
		       status, error, created_at, completed_at
		FROM forecaster_responses
		WHERE session_id = $1
		ORDER BY created_at
	`
	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list forecaster responses: %w", err)
	}
	defer rows.Close()

	var responses []ForecasterResponse
	for rows.Next() {
		var r ForecasterResponse
		if err := rows.Scan(
			&r.ID, &r.SessionID, &r.Forecaster, &r.Prediction, &r.PhaseDurations,
			&r.Status, &r.Error, &r.CreatedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan forecaster response: %w", err)
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}
