// ABOUTME: Bridge lifecycle event types and the Emitter collaborator interface.
// ABOUTME: Events report connection and dispatch state changes to outer layers.

package events

import "time"

// Type identifies a bridge lifecycle event.
type Type string

const (
	TypeAgentConnected    Type = "agent_connected"
	TypeAgentDisconnected Type = "agent_disconnected"
	TypeDispatchCreated   Type = "dispatch_created"
	TypeDispatchProgress  Type = "dispatch_progress"
	TypeDispatchCompleted Type = "dispatch_completed"
	TypeDispatchFailed    Type = "dispatch_failed"
)

// Event is one state-change notification.
type Event struct {
	Type      Type      `json:"type"`
	AgentID   string    `json:"agent_id"`
	MessageID string    `json:"message_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Content   string    `json:"content,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Emitter receives state-change notifications from the bridge and coordinator.
type Emitter interface {
	Emit(e Event)
}

// Discard is an Emitter that drops every event. Useful in tests.
type Discard struct{}

func (Discard) Emit(Event) {}
