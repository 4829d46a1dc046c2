package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionStatus represents a forecast session's lifecycle state
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// QuestionType classifies the forecasting question
type QuestionType string

const (
	QuestionTypeBinary      QuestionType = "binary"
	QuestionTypeNumeric     QuestionType = "numeric"
	QuestionTypeCategorical QuestionType = "categorical"
)

// Session represents one forecast run over a single question. It is created
// by the HTTP layer and mutated only by the orchestrator that owns it; once
// completed_at is set the row is terminal.
type Session struct {
	ID               uuid.UUID     `json:"id"`
	QuestionText     string        `json:"question_text"`
	QuestionType     QuestionType  `json:"question_type"`
	Status           SessionStatus `json:"status"`
	CurrentPhase     *string       `json:"current_phase,omitempty"`
	FinalProbability *float64      `json:"final_probability,omitempty"`
	FinalConfidence  *float64      `json:"final_confidence,omitempty"`
	DurationSeconds  *float64      `json:"duration_seconds,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

// CreateSession inserts a new forecast session
func (db *DB) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.Status == "" {
		session.Status = SessionStatusPending
	}
	session.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO sessions (id, question_text, question_type, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := db.pool.Exec(ctx, query,
		session.ID,
		session.QuestionText,
		session.QuestionType,
		session.Status,
		session.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	log.Info().
		Str("session_id", session.ID.String()).
		Str("question_type", string(session.QuestionType)).
		Msg("Forecast session created")

	return nil
}

// GetSession retrieves a session by id, nil when absent
func (db *DB) GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	query := `
		SELECT id, question_text, question_type, status, current_phase,
		       final_probability, final_confidence, duration_seconds,
		       created_at, started_at, completed_at
		FROM sessions
		WHERE id = $1
	`

	var s Session
	err := db.pool.QueryRow(ctx, query, sessionID).Scan(
		&s.ID,
		&s.QuestionText,
		&s.QuestionType,
		&s.Status,
		&s.CurrentPhase,
		&s.FinalProbability,
		&s.FinalConfidence,
		&s.DurationSeconds,
		&s.CreatedAt,
		&s.StartedAt,
		&s.CompletedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// SessionFilter narrows ListSessions
type SessionFilter struct {
	QuestionText string
	Status       SessionStatus
	Limit        int
	Offset       int
}

// ListSessions returns sessions newest-first plus the total count for the
// filter, ignoring limit and offset.
func (db *DB) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	if filter.QuestionText != "" {
		args = append(args, "%"+filter.QuestionText+"%")
		where += fmt.Sprintf(" AND question_text ILIKE $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT id, question_text, question_type, status, current_phase,
		       final_probability, final_confidence, duration_seconds,
		       created_at, started_at, completed_at
		FROM sessions%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(
			&s.ID, &s.QuestionText, &s.QuestionType, &s.Status, &s.CurrentPhase,
			&s.FinalProbability, &s.FinalConfidence, &s.DurationSeconds,
			&s.CreatedAt, &s.StartedAt, &s.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, total, rows.Err()
}

// StartSession marks a session running and stamps started_at
func (db *DB) StartSession(ctx context.Context, sessionID uuid.UUID) error {
	query := `UPDATE sessions SET status = $2, started_at = $3 WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, sessionID, SessionStatusRunning, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// UpdateSessionPhase records which pipeline phase the session is in
func (db *DB) UpdateSessionPhase(ctx context.Context, sessionID uuid.UUID, phase string) error {
	query := `UPDATE sessions SET current_phase = $2 WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, sessionID, phase)
	if err != nil {
		return fmt.Errorf("failed to update session phase: %w", err)
	}
	return nil
}

// CompleteSession stores the final prediction and closes the session
func (db *DB) CompleteSession(ctx context.Context, sessionID uuid.UUID, probability, confidence, durationSeconds float64) error {
	query := `
		UPDATE sessions
		SET status = $2, final_probability = $3, final_confidence = $4,
		    duration_seconds = $5, completed_at = $6, current_phase = NULL
		WHERE id = $1
	`
	_, err := db.pool.Exec(ctx, query, sessionID,
		SessionStatusCompleted, probability, confidence, durationSeconds, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Float64("probability", probability).
		Msg("Forecast session completed")

	return nil
}

// FailSession marks the session failed and stamps completed_at
func (db *DB) FailSession(ctx context.Context, sessionID uuid.UUID) error {
	query := `UPDATE sessions SET status = $2, completed_at = $3 WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, sessionID, SessionStatusFailed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark session failed: %w", err)
	}
	return nil
}
