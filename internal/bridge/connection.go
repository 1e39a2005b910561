// ABOUTME: Represents a single connected agent and owns its websocket transport.
// ABOUTME: Outbound frames go through a buffered send queue drained by a write pump.

package bridge

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darkpunkki/taskbridge/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 1 << 20 // 1MB
	sendBufferSize = 64
)

// ErrConnectionClosed indicates a send on a connection that is shutting down.
var ErrConnectionClosed = errors.New("connection closed")

// ErrSendBufferFull indicates the agent's outbound queue is saturated.
var ErrSendBufferFull = errors.New("send buffer full")

// AgentStatus is the public connectivity state of an agent.
type AgentStatus string

const (
	StatusConnected    AgentStatus = "connected"
	StatusDisconnected AgentStatus = "disconnected"
)

// AgentDescriptor is the public view of a connection. It never exposes the
// transport handle or the auth token.
type AgentDescriptor struct {
	AgentID       string      `json:"agent_id"`
	Status        AgentStatus `json:"status"`
	Capabilities  []string    `json:"capabilities"`
	Workdir       string      `json:"workdir,omitempty"`
	ConnectedAt   time.Time   `json:"connected_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
}

// Connection is one registered agent's live bridge connection. The registry
// entry exclusively owns the websocket; nothing outside this package touches it.
type Connection struct {
	AgentID      string
	SessionID    string
	Capabilities []string
	Workdir      string
	Metadata     map[string]string

	authToken   string
	conn        *websocket.Conn
	send        chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason protocol.CloseReason
	logger      *slog.Logger

	mu            sync.RWMutex
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// ConnectionParams bundles the registration data for a new connection.
type ConnectionParams struct {
	AgentID      string
	SessionID    string
	AuthToken    string
	Capabilities []string
	Workdir      string
	Metadata     map[string]string
	Conn         *websocket.Conn
	Logger       *slog.Logger
}

// NewConnection wraps an upgraded websocket in a Connection.
func NewConnection(p ConnectionParams) *Connection {
	now := time.Now().UTC()
	return &Connection{
		AgentID:       p.AgentID,
		SessionID:     p.SessionID,
		Capabilities:  p.Capabilities,
		Workdir:       p.Workdir,
		Metadata:      p.Metadata,
		authToken:     p.AuthToken,
		conn:          p.Conn,
		send:          make(chan []byte, sendBufferSize),
		closed:        make(chan struct{}),
		logger:        p.Logger.With("agent_id", p.AgentID),
		connectedAt:   now,
		lastHeartbeat: now,
	}
}

// SendFrame encodes a frame and enqueues it without blocking. A full queue or
// a closed connection returns an error rather than stalling the caller.
func (c *Connection) SendFrame(f protocol.Frame) error {
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// TouchHeartbeat refreshes the last-seen timestamp used for timeout detection.
func (c *Connection) TouchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now().UTC()
	c.mu.Unlock()
}

// LastHeartbeat returns the most recent heartbeat time.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// Descriptor returns the connection's public view.
func (c *Connection) Descriptor() AgentDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps := make([]string, len(c.Capabilities))
	copy(caps, c.Capabilities)
	return AgentDescriptor{
		AgentID:       c.AgentID,
		Status:        StatusConnected,
		Capabilities:  caps,
		Workdir:       c.Workdir,
		ConnectedAt:   c.connectedAt,
		LastHeartbeat: c.lastHeartbeat,
	}
}

// Close severs the connection with the given reason. Idempotent; later calls
// keep the first reason.
func (c *Connection) Close(code int, reason protocol.CloseReason) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closed)
	})
}

// Closed reports whether the connection has been shut down.
func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the websocket and emits pings to keep
// the transport alive. It owns all writes; exactly one pump runs per connection.
func (c *Connection) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				return
			}

		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(c.closeCode, string(c.closeReason))
			_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
			return

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
