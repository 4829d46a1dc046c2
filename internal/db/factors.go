package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Factor is one discovered driver of a forecasting question. Discovery
// creates the row, validation writes importance_score back by name, research
// fills research_summary.
type Factor struct {
	ID              uuid.UUID `json:"id"`
	SessionID       uuid.UUID `json:"session_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Category        string    `json:"category"`
	ImportanceScore *float64  `json:"importance_score,omitempty"`
	ResearchSummary *string   `json:"research_summary,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// maxFactorNameLen guards against runaway model output in the name column
const maxFactorNameLen = 200

// CreateFactor inserts a discovered factor
func (db *DB) CreateFactor(ctx context.Context, factor *Factor) error {
	if factor.ID == uuid.Nil {
		factor.ID = uuid.New()
	}
	factor.CreatedAt = time.Now().UTC()
	if len(factor.Name) > maxFactorNameLen {
		factor.Name = factor.Name[:maxFactorNameLen]
	}

	query := `
		INSERT INTO factors (id, session_id, name, description, category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := db.pool.Exec(ctx, query,
		factor.ID, factor.SessionID, factor.Name, factor.Description, factor.Category, factor.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create factor: %w", err)
	}
	return nil
}

// GetSessionFactors returns a session's factors. With orderByImportance,
// rows sort by importance descending with unscored factors last.
func (db *DB) GetSessionFactors(ctx context.Context, sessionID uuid.UUID, orderByImportance bool) ([]Factor, error) {
	order := "created_at"
	if orderByImportance {
		order = "importance_score DESC NULLS LAST, created_at"
	}

	query := fmt.Sprintf(`
		SELECT id, session_id, name, description, category,
		       importance_score, research_summary, created_at
		FROM factors
		WHERE session_id = $1
		ORDER BY %s
	`, order)

	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}
	defer rows.Close()

	var factors []Factor
	for rows.Next() {
		var f Factor
		if err := rows.Scan(
			&f.ID, &f.SessionID, &f.Name, &f.Description, &f.Category,
			&f.ImportanceScore, &f.ResearchSummary, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan factor: %w", err)
		}
		factors = append(factors, f)
	}
	return factors, rows.Err()
}

// SetFactorImportance writes an importance score back by factor name
func (db *DB) SetFactorImportance(ctx context.Context, sessionID uuid.UUID, name string, score float64) error {
	query := `UPDATE factors SET importance_score = $3 WHERE session_id = $1 AND name = $2`
	_, err := db.pool.Exec(ctx, query, sessionID, name, score)
	if err != nil {
		return fmt.Errorf("failed to set factor importance: %w", err)
	}
	return nil
}

// SetFactorResearchSummary stores the concatenated research blob
func (db *DB) SetFactorResearchSummary(ctx context.Context, factorID uuid.UUID, summary string) error {
	query := `UPDATE factors SET research_summary = $2 WHERE id = $1`
	_, err := db.pool.Exec(ctx, query, factorID, summary)
	if err != nil {
		return fmt.Errorf("failed to set factor research summary: %w", err)
	}
	return nil
}

// CountSessionFactors returns how many factors a session holds
func (db *DB) CountSessionFactors(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM factors WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count factors: %w", err)
	}
	return count, nil
}
