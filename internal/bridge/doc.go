// Package bridge manages live agent connections over websockets.
//
// # Connection Lifecycle
//
// Agents connect to the bridge endpoint and must send a Register frame as
// their very first message. The server replies with a Registered frame
// carrying a fresh session id, after which Progress, Response and Heartbeat
// frames flow inbound and Dispatch frames flow outbound.
//
// Every connection runs exactly one write pump goroutine that owns all
// websocket writes. Outbound frames are enqueued on a bounded buffer;
// SendFrame never blocks the caller.
//
// # Registry
//
// The Registry holds at most one live connection per agent id. A newer
// registration for the same id atomically replaces the old one; the replaced
// transport is closed with the "replaced by newer registration" reason and
// its eventual unregistration is identity-checked so a stale read loop can
// never evict its successor.
//
// # Liveness
//
// Heartbeats refresh a per-connection timestamp. The reaper started by
// StartReaper force-unregisters any agent whose last heartbeat is older than
// the configured timeout; this is the sole liveness mechanism for dead
// connections.
//
// # Close Reasons
//
// Abnormal closes carry exactly one reason from the protocol package:
// must-register-first, invalid frame, auth failed, replaced, or heartbeat
// timeout.
package bridge
