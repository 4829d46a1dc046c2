package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentLog records one agent execution. The row is created when the agent
// starts and updated exactly once with its terminal state; status moves
// running -> completed | failed and never back.
type AgentLog struct {
	ID          uuid.UUID              `json:"id"`
	SessionID   uuid.UUID              `json:"session_id"`
	AgentName   string                 `json:"agent_name"`
	Phase       string                 `json:"phase"`
	Status      string                 `json:"status"`
	TokensUsed  int                    `json:"tokens_used"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       *string                `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// CreateAgentLog inserts a running log row and returns its id
func (db *DB) CreateAgentLog(ctx context.Context, sessionID uuid.UUID, agentName, phase string) (uuid.UUID, error) {
	id := uuid.New()
	query := `
		INSERT INTO agent_logs (id, session_id, agent_name, phase, status, created_at)
		VALUES ($1, $2, $3, $4, 'running', $5)
	`
	_, err := db.pool.Exec(ctx, query, id, sessionID, agentName, phase, time.Now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create agent log: %w", err)
	}
	return id, nil
}

// FinishAgentLog writes the terminal state of an execution
func (db *DB) FinishAgentLog(ctx context.Context, id uuid.UUID, status string, tokensUsed int, output map[string]interface{}, errMsg *string) error {
	query := `
		UPDATE agent_logs
		SET status = $2, tokens_used = $3, output = $4, error = $5, completed_at = $6
		WHERE id = $1 AND status = 'running'
	`
	_, err := db.pool.Exec(ctx, query, id, status, tokensUsed, output, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish agent log: %w", err)
	}
	return nil
}

// GetSessionAgentLogs returns all execution logs for a session in start order
func (db *DB) GetSessionAgentLogs(ctx context.Context, sessionID uuid.UUID) ([]AgentLog, error) {
	query := `
		SELECT id, session_id, agent_name, phase, status, tokens_used,
		       output, error, created_at, completed_at
		FROM agent_logs
		WHERE session_id = $1
		ORDER BY created_at
	`
	rows, err := db.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent logs: %w", err)
	}
	defer rows.Close()

	var logs []AgentLog
	for rows.Next() {
		var l AgentLog
		if err := rows.Scan(
			&l.ID, &l.SessionID, &l.AgentName, &l.Phase, &l.Status, &l.TokensUsed,
			&l.Output, &l.Error, &l.CreatedAt, &l.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan agent log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountSessionTokens sums tokens_used across a session's agent logs
func (db *DB) CountSessionTokens(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens_used), 0) FROM agent_logs WHERE session_id = $1`,
		sessionID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count session tokens: %w", err)
	}
	return total, nil
}
