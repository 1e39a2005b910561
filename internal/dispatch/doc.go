// Package dispatch coordinates asynchronous work sent to agents.
//
// # Correlation
//
// Every dispatch gets a generated message id. The Coordinator keeps the
// pending entry until a Response frame with the same id arrives, the agent
// disconnects, or the send fails. At most one task may be pending per agent;
// the check and the insert happen in a single critical section so concurrent
// dispatches to the same agent cannot both win.
//
// # Admission
//
// Before a dispatch is sent it passes three gates in order: content
// validation (sanitization and length), the sliding-window rate limiter
// (agent id and client IP dimensions), and the cost tracker's budget check.
// A rejected dispatch mutates no state.
//
// # Resolution
//
// Responses record cost with the tracker first, then persist a usage row,
// then emit a completion or failure event. A disconnect fails the agent's
// pending task with a synthetic "agent disconnected" outcome; the task is
// not retried. The agent's most recent session id survives disconnects so a
// follow-up after reconnect still has its conversation context.
//
// # Error Taxonomy
//
// Sentinel errors classify failures for HTTP mapping: invalid content,
// agent not found, agent not connected, active task, no active task.
// RateLimitedError and cost.BudgetError carry structured rejection detail.
// IsConflict groups the errors surfaced as HTTP 409.
package dispatch
