// ABOUTME: SQLite methods for the authentication audit trail.
// ABOUTME: Every auth decision is recorded with actor IP and target path.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAuthAudit records one authentication decision. Generates ID and
// Timestamp if unset.
func (s *SQLiteStore) AppendAuthAudit(ctx context.Context, e *AuthAuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO auth_audit (id, actor_ip, path, decision, principal_id, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ActorIP,
		e.Path,
		string(e.Decision),
		nullString(e.PrincipalID),
		nullString(e.Reason),
		e.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting auth audit entry: %w", err)
	}

	s.logger.Debug("recorded auth decision",
		"actor_ip", e.ActorIP,
		"path", e.Path,
		"decision", e.Decision,
	)
	return nil
}

// ListAuthAudit returns audit entries, newest first. Limit defaults to 100
// and is capped at 1000.
func (s *SQLiteStore) ListAuthAudit(ctx context.Context, limit int) ([]*AuthAuditEntry, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	query := `
		SELECT id, actor_ip, path, decision, principal_id, reason, ts
		FROM auth_audit
		ORDER BY ts DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying auth audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*AuthAuditEntry
	for rows.Next() {
		var e AuthAuditEntry
		var decisionStr, tsStr string
		var principalID, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorIP, &e.Path, &decisionStr, &principalID, &reason, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning auth audit entry: %w", err)
		}
		e.Decision = AuthDecision(decisionStr)
		e.PrincipalID = principalID.String
		e.Reason = reason.String
		e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating auth audit entries: %w", err)
	}
	return entries, nil
}

// nullString maps empty strings to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
