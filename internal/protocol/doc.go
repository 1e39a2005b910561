// Package protocol defines the bridge wire format between the gateway and
// remote agents.
//
// Frames are JSON objects discriminated by a "type" tag:
//
//   - register: agent's first frame, carrying its id, auth token and capabilities
//   - registered: gateway's acknowledgment with the assigned session id
//   - dispatch: one unit of work pushed to an agent
//   - progress: streamed status snapshot for a pending dispatch
//   - response: terminal resolution of a dispatch, with usage and optional error
//   - heartbeat: liveness signal, echoed back verbatim by the gateway
//
// DecodeFrame fails closed: unknown or missing type tags are errors, never
// silently ignored. EncodeFrame applies the same normalization (type tag,
// documented defaults) before marshaling, so both directions agree on the
// wire representation.
//
// Dispatch content is bounded by MaxContentLength and sanitized with
// SanitizeContent before crossing the wire.
package protocol
