// ABOUTME: In-memory table of live agent connections keyed by agent id.
// ABOUTME: Last registration wins; unregistration is idempotent and notifies collaborators.

package bridge

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/darkpunkki/taskbridge/internal/events"
	"github.com/darkpunkki/taskbridge/internal/protocol"
)

// DisconnectHandler is told when a live connection has been removed from the
// registry, so its owner can fail any outstanding dispatch.
type DisconnectHandler interface {
	HandleDisconnect(agentID, sessionID string)
}

// Registry tracks all connected agents. At most one live connection exists
// per agent id at any instant.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Connection

	emitter      events.Emitter
	onDisconnect DisconnectHandler
	logger       *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(emitter events.Emitter, logger *slog.Logger) *Registry {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Registry{
		agents:  make(map[string]*Connection),
		emitter: emitter,
		logger:  logger.With("component", "registry"),
	}
}

// SetDisconnectHandler wires the collaborator notified on unregistration.
// Must be called before the first connection registers.
func (r *Registry) SetDisconnectHandler(h DisconnectHandler) {
	r.onDisconnect = h
}

// Register installs a connection. An existing entry for the same agent id is
// atomically swapped out and its transport closed with the "replaced" reason.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	prior := r.agents[conn.AgentID]
	r.agents[conn.AgentID] = conn
	total := len(r.agents)
	r.mu.Unlock()

	if prior != nil {
		prior.Close(websocket.CloseGoingAway, protocol.CloseReplaced)
		r.logger.Info("agent connection replaced", "agent_id", conn.AgentID)
	}

	r.logger.Info("agent connected",
		"agent_id", conn.AgentID,
		"session_id", conn.SessionID,
		"capabilities", conn.Capabilities,
		"total_agents", total,
	)
	r.emitter.Emit(events.Event{
		Type:      events.TypeAgentConnected,
		AgentID:   conn.AgentID,
		SessionID: conn.SessionID,
	})
}

// UnregisterConnection removes conn if it is still the live entry for its
// agent id. A connection that was already replaced is a no-op, so a stale
// read loop never evicts its successor.
func (r *Registry) UnregisterConnection(conn *Connection) {
	r.mu.Lock()
	current, ok := r.agents[conn.AgentID]
	if !ok || current != conn {
		r.mu.Unlock()
		return
	}
	delete(r.agents, conn.AgentID)
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("agent disconnected",
		"agent_id", conn.AgentID,
		"session_id", conn.SessionID,
		"total_agents", total,
	)
	r.notifyDisconnect(conn)
}

// Unregister removes whatever connection currently holds the agent id.
// Removing an absent agent id is a no-op, never an error.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	conn, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	conn.Close(websocket.CloseNormalClosure, "")
	r.logger.Info("agent unregistered", "agent_id", agentID)
	r.notifyDisconnect(conn)
}

func (r *Registry) notifyDisconnect(conn *Connection) {
	r.emitter.Emit(events.Event{
		Type:      events.TypeAgentDisconnected,
		AgentID:   conn.AgentID,
		SessionID: conn.SessionID,
	})
	if r.onDisconnect != nil {
		r.onDisconnect.HandleDisconnect(conn.AgentID, conn.SessionID)
	}
}

// Get retrieves the live connection for an agent id.
func (r *Registry) Get(agentID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.agents[agentID]
	return conn, ok
}

// ListAgentIDs returns the ids of all connected agents, sorted.
func (r *Registry) ListAgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Descriptors returns the public view of every connected agent.
func (r *Registry) Descriptors() []AgentDescriptor {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.agents))
	for _, c := range r.agents {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	descs := make([]AgentDescriptor, 0, len(conns))
	for _, c := range conns {
		descs = append(descs, c.Descriptor())
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].AgentID < descs[j].AgentID })
	return descs
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// StartReaper launches the heartbeat timeout loop. An agent whose last
// heartbeat is older than timeout is force-unregistered; this is the sole
// liveness mechanism for dead connections.
func (r *Registry) StartReaper(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	interval := timeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reapStale(timeout)
			}
		}
	}()
}

func (r *Registry) reapStale(timeout time.Duration) {
	cutoff := time.Now().UTC().Add(-timeout)

	r.mu.RLock()
	var stale []*Connection
	for _, c := range r.agents {
		if c.LastHeartbeat().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		r.logger.Warn("heartbeat timeout, unregistering agent",
			"agent_id", c.AgentID,
			"last_heartbeat", c.LastHeartbeat(),
		)
		c.Close(websocket.CloseNormalClosure, protocol.CloseHeartbeatTimeout)
		r.UnregisterConnection(c)
	}
}
