// ABOUTME: Abnormal close reasons for bridge connections.
// ABOUTME: Exactly one reason applies to every abnormal close.

package protocol

// CloseReason identifies why the gateway severed an agent connection.
type CloseReason string

const (
	// CloseMustRegisterFirst: the first frame after connect was not Register.
	CloseMustRegisterFirst CloseReason = "must register first"

	// CloseReplaced: a newer registration for the same agent_id took over.
	CloseReplaced CloseReason = "replaced by newer registration"

	// CloseHeartbeatTimeout: no heartbeat within the configured interval.
	CloseHeartbeatTimeout CloseReason = "heartbeat timeout"

	// CloseInvalidFrame: the pre-registration frame could not be decoded.
	CloseInvalidFrame CloseReason = "invalid frame format"

	// CloseAuthFailed: the Register frame carried an empty auth token.
	CloseAuthFailed CloseReason = "authentication failed"
)
