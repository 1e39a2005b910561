// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The package exposes specialized interfaces so collaborators depend only on
// what they use:
//
//   - AgentRecordStore: durable agent registrations
//   - UsageStore: per-dispatch token usage and cost rows
//   - AuditStore: authentication decision trail
//
// SQLiteStore implements all of them in a single struct.
//
// # Data Models
//
//   - AgentRecord: a registered agent; live connectivity is the bridge's job
//   - UsageRecord: tokens and USD cost of one resolved dispatch
//   - AuthAuditEntry: one authentication decision with actor IP and path
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 strings in UTC.
//
// # Error Handling
//
// ErrNotFound reports a missing row; ErrDuplicateName reports an agent name
// collision. All methods accept context.Context.
package store
