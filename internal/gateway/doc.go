// Package gateway assembles the taskbridge control plane.
//
// # Composition
//
// New wires together the SQLite store, the event broadcaster, the connection
// registry, the rate limiter, the cost tracker, the dispatch coordinator and
// the bridge websocket server, then mounts the HTTP API. Run starts the
// server and the heartbeat reaper and blocks until the context is canceled.
//
// # HTTP Surface
//
// Unauthenticated:
//
//	GET  /health           liveness
//	GET  /health/ready     ready once at least one agent is connected
//	GET  /bridge/agent     agent websocket endpoint
//
// Authenticated (JWT bearer):
//
//	POST /api/agents              create a durable agent record
//	GET  /api/agents              list records joined with live state
//	GET  /api/agents/{id}         one record
//	GET  /api/agents/{id}/task    the agent's pending task, if any
//	POST /api/dispatch            send work to an agent
//	POST /api/followup            continue the agent's last session
//	GET  /api/costs/{session}     budget snapshot and persisted usage
//	GET  /api/bridge/status       connected agents and pending tasks
//	GET  /api/events              server-sent event stream
//	GET  /api/audit               authentication decision trail
//	POST /api/ratelimit/reset     clear all rate-limit buckets
//
// # Error Mapping
//
// Dispatch errors map onto HTTP status codes: invalid content 400, unknown
// agent 404, conflicts (not connected, busy, nothing to follow up) 409,
// budget exceeded 402, rate limited 429 with per-dimension hints.
package gateway
