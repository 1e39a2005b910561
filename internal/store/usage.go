// ABOUTME: SQLite methods for per-dispatch usage rows.
// ABOUTME: Stores token counts and derived USD cost keyed by session and agent.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveUsage stores one usage row, generating ID and CreatedAt if unset.
func (s *SQLiteStore) SaveUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO dispatch_usage (
			id, session_id, agent_id, message_id,
			prompt_tokens, completion_tokens, cost_usd, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.SessionID,
		rec.AgentID,
		rec.MessageID,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.CostUSD,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}

	s.logger.Debug("saved usage",
		"session_id", rec.SessionID,
		"agent_id", rec.AgentID,
		"message_id", rec.MessageID,
		"cost_usd", rec.CostUSD,
	)
	return nil
}

// GetSessionUsage returns all usage rows for a session, oldest first.
func (s *SQLiteStore) GetSessionUsage(ctx context.Context, sessionID string) ([]*UsageRecord, error) {
	query := `
		SELECT id, session_id, agent_id, message_id,
		       prompt_tokens, completion_tokens, cost_usd, created_at
		FROM dispatch_usage
		WHERE session_id = ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying session usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*UsageRecord
	for rows.Next() {
		var rec UsageRecord
		var createdAtStr string
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.AgentID, &rec.MessageID,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.CostUSD, &createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		rec.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return recs, nil
}

// GetUsageStats aggregates usage rows; an empty sessionID aggregates all.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, sessionID string) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(cost_usd), 0),
			COUNT(*)
		FROM dispatch_usage
		WHERE (? = '' OR session_id = ?)
	`
	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, sessionID, sessionID).Scan(
		&stats.TotalPrompt,
		&stats.TotalCompletion,
		&stats.TotalCostUSD,
		&stats.RequestCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	return &stats, nil
}
