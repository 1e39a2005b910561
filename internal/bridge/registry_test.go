// ABOUTME: Tests for the connection registry's replacement and unregistration rules
// ABOUTME: Exercises last-wins registration and identity-checked removal

package bridge

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkpunkki/taskbridge/internal/events"
	"github.com/darkpunkki/taskbridge/internal/protocol"
)

type recordedDisconnect struct {
	agentID   string
	sessionID string
}

type fakeDisconnectHandler struct {
	mu    sync.Mutex
	calls []recordedDisconnect
}

func (f *fakeDisconnectHandler) HandleDisconnect(agentID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedDisconnect{agentID, sessionID})
}

func (f *fakeDisconnectHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) (*Registry, *fakeDisconnectHandler) {
	t.Helper()
	r := NewRegistry(events.Discard{}, discardLogger())
	h := &fakeDisconnectHandler{}
	r.SetDisconnectHandler(h)
	return r, h
}

// testConn builds a Connection without a live websocket. Close never touches
// the transport, so registry behavior is fully observable this way.
func testConn(agentID, sessionID string) *Connection {
	return NewConnection(ConnectionParams{
		AgentID:   agentID,
		SessionID: sessionID,
		Logger:    discardLogger(),
	})
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	conn := testConn("agent-1", "sess-1")
	r.Register(conn)

	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, 1, r.Count())

	_, ok = r.Get("agent-2")
	assert.False(t, ok)
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r, h := newTestRegistry(t)

	first := testConn("agent-1", "sess-1")
	second := testConn("agent-1", "sess-2")
	r.Register(first)
	r.Register(second)

	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Count())

	// The replaced connection is closed with the replacement reason, but the
	// disconnect handler is not told: the agent is still connected.
	assert.True(t, first.Closed())
	assert.Equal(t, protocol.CloseReplaced, first.closeReason)
	assert.False(t, second.Closed())
	assert.Equal(t, 0, h.count())
}

func TestRegistry_UnregisterConnection(t *testing.T) {
	r, h := newTestRegistry(t)

	conn := testConn("agent-1", "sess-1")
	r.Register(conn)
	r.UnregisterConnection(conn)

	_, ok := r.Get("agent-1")
	assert.False(t, ok)
	require.Equal(t, 1, h.count())
	assert.Equal(t, recordedDisconnect{"agent-1", "sess-1"}, h.calls[0])
}

func TestRegistry_UnregisterConnection_StaleIsNoOp(t *testing.T) {
	r, h := newTestRegistry(t)

	first := testConn("agent-1", "sess-1")
	second := testConn("agent-1", "sess-2")
	r.Register(first)
	r.Register(second)

	// The replaced connection's read loop winding down must not evict the
	// successor.
	r.UnregisterConnection(first)

	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 0, h.count())
}

func TestRegistry_Unregister(t *testing.T) {
	r, h := newTestRegistry(t)

	conn := testConn("agent-1", "sess-1")
	r.Register(conn)

	r.Unregister("agent-1")
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1, h.count())

	// Absent agent id is a no-op, never an error.
	r.Unregister("agent-1")
	r.Unregister("no-such-agent")
	assert.Equal(t, 1, h.count())
}

func TestRegistry_ListAgentIDs_Sorted(t *testing.T) {
	r, _ := newTestRegistry(t)

	for _, id := range []string{"charlie", "alpha", "bravo"} {
		r.Register(testConn(id, "sess-"+id))
	}

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, r.ListAgentIDs())
}

func TestRegistry_Descriptors(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Register(NewConnection(ConnectionParams{
		AgentID:      "beta",
		SessionID:    "sess-b",
		Capabilities: []string{"code"},
		Logger:       discardLogger(),
	}))
	r.Register(NewConnection(ConnectionParams{
		AgentID:      "alpha",
		SessionID:    "sess-a",
		Capabilities: []string{"code", "review"},
		Workdir:      "/srv/alpha",
		Logger:       discardLogger(),
	}))

	descs := r.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha", descs[0].AgentID)
	assert.Equal(t, "beta", descs[1].AgentID)
	assert.Equal(t, StatusConnected, descs[0].Status)
	assert.Equal(t, []string{"code", "review"}, descs[0].Capabilities)
	assert.Equal(t, "/srv/alpha", descs[0].Workdir)
	assert.False(t, descs[0].ConnectedAt.IsZero())
}

func TestRegistry_ReapStale(t *testing.T) {
	r, h := newTestRegistry(t)

	stale := testConn("agent-stale", "sess-1")
	fresh := testConn("agent-fresh", "sess-2")
	r.Register(stale)
	r.Register(fresh)

	stale.mu.Lock()
	stale.lastHeartbeat = stale.lastHeartbeat.Add(-time.Minute)
	stale.mu.Unlock()

	r.reapStale(30 * time.Second)

	_, ok := r.Get("agent-stale")
	assert.False(t, ok)
	assert.True(t, stale.Closed())
	assert.Equal(t, protocol.CloseHeartbeatTimeout, stale.closeReason)

	_, ok = r.Get("agent-fresh")
	assert.True(t, ok)
	assert.Equal(t, 1, h.count())
}
