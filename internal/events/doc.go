// Package events fans bridge and dispatch lifecycle events out to
// subscribers. Delivery is best-effort: a slow subscriber's events are
// dropped rather than blocking the emitter. Subscribe with a specific agent
// id or AllAgents for the full stream.
package events
