// ABOUTME: Persistence entities and interfaces for agent records, usage and audit.
// ABOUTME: The SQLite implementation in this package backs all of them.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a missing row.
var ErrNotFound = errors.New("not found")

// ErrDuplicateName indicates an agent record name collision.
var ErrDuplicateName = errors.New("agent name already registered")

// AgentRecord is a durable registration of an agent with the control plane.
// Live connectivity is tracked separately by the bridge registry.
type AgentRecord struct {
	ID        string
	Name      string
	Endpoint  string
	CreatedAt time.Time
}

// UsageRecord captures the token usage and derived cost of one resolved dispatch.
type UsageRecord struct {
	ID               string
	SessionID        string
	AgentID          string
	MessageID        string
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	CreatedAt        time.Time
}

// UsageStats aggregates usage rows.
type UsageStats struct {
	TotalPrompt     int64
	TotalCompletion int64
	TotalCostUSD    float64
	RequestCount    int64
}

// AuthDecision is the outcome of one authentication attempt.
type AuthDecision string

const (
	AuthDecisionSuccess AuthDecision = "success"
	AuthDecisionFailure AuthDecision = "failure"
)

// AuthAuditEntry records one authentication decision with actor IP and target
// path, independent of the business outcome of the request.
type AuthAuditEntry struct {
	ID          string
	ActorIP     string
	Path        string
	Decision    AuthDecision
	PrincipalID string
	Reason      string
	Timestamp   time.Time
}

// AgentRecordStore persists durable agent registrations.
type AgentRecordStore interface {
	CreateAgentRecord(ctx context.Context, rec *AgentRecord) error
	GetAgentRecord(ctx context.Context, id string) (*AgentRecord, error)
	ListAgentRecords(ctx context.Context) ([]*AgentRecord, error)
	HasAgentRecord(ctx context.Context, id string) (bool, error)
}

// UsageStore persists per-dispatch usage rows.
type UsageStore interface {
	SaveUsage(ctx context.Context, rec *UsageRecord) error
	GetSessionUsage(ctx context.Context, sessionID string) ([]*UsageRecord, error)
	GetUsageStats(ctx context.Context, sessionID string) (*UsageStats, error)
}

// AuditStore persists authentication decisions.
type AuditStore interface {
	AppendAuthAudit(ctx context.Context, e *AuthAuditEntry) error
	ListAuthAudit(ctx context.Context, limit int) ([]*AuthAuditEntry, error)
}

// Store is the full persistence surface.
type Store interface {
	AgentRecordStore
	UsageStore
	AuditStore
	Close() error
}
