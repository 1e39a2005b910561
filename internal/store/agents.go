// ABOUTME: SQLite methods for durable agent records.
// ABOUTME: Records name and endpoint; live status comes from the bridge registry.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateAgentRecord inserts a new agent record, generating ID and CreatedAt
// if unset. Name collisions return ErrDuplicateName.
func (s *SQLiteStore) CreateAgentRecord(ctx context.Context, rec *AgentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO agents (id, name, endpoint, created_at) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Name,
		rec.Endpoint,
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateName
		}
		return fmt.Errorf("inserting agent record: %w", err)
	}

	s.logger.Debug("created agent record", "agent_id", rec.ID, "name", rec.Name)
	return nil
}

// GetAgentRecord fetches one agent record by id.
func (s *SQLiteStore) GetAgentRecord(ctx context.Context, id string) (*AgentRecord, error) {
	query := `SELECT id, name, endpoint, created_at FROM agents WHERE id = ?`
	rec, err := scanAgentRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent record: %w", err)
	}
	return rec, nil
}

// ListAgentRecords returns all agent records ordered by name.
func (s *SQLiteStore) ListAgentRecords(ctx context.Context) ([]*AgentRecord, error) {
	query := `SELECT id, name, endpoint, created_at FROM agents ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agent records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*AgentRecord
	for rows.Next() {
		rec, err := scanAgentRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent records: %w", err)
	}
	return recs, nil
}

// HasAgentRecord reports whether an agent record exists for the id.
func (s *SQLiteStore) HasAgentRecord(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking agent record: %w", err)
	}
	return n > 0, nil
}

func scanAgentRecord(scanner interface{ Scan(dest ...any) error }) (*AgentRecord, error) {
	var rec AgentRecord
	var createdAtStr string
	if err := scanner.Scan(&rec.ID, &rec.Name, &rec.Endpoint, &createdAtStr); err != nil {
		return nil, err
	}
	var err error
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}
