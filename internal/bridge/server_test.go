// ABOUTME: Tests for the bridge websocket server's registration handshake
// ABOUTME: Dials real websockets against httptest and drives the frame protocol

package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkpunkki/taskbridge/internal/events"
	"github.com/darkpunkki/taskbridge/internal/protocol"
)

type progressCall struct {
	messageID string
	agentID   string
	status    string
	text      string
}

type responseCall struct {
	messageID string
	agentID   string
	content   string
	usage     map[string]float64
	errText   string
}

// fakeFrameHandler records inbound frames for assertions.
type fakeFrameHandler struct {
	mu         sync.Mutex
	progress   []progressCall
	responses  []responseCall
	heartbeats []string
}

func (f *fakeFrameHandler) HandleProgress(messageID, agentID, status, text string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progressCall{messageID, agentID, status, text})
}

func (f *fakeFrameHandler) HandleResponse(messageID, agentID, content string, usage map[string]float64, errText string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responseCall{messageID, agentID, content, usage, errText})
}

func (f *fakeFrameHandler) HandleHeartbeat(agentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, agentID)
}

func (f *fakeFrameHandler) lastResponse(t *testing.T) responseCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.responses)
	return f.responses[len(f.responses)-1]
}

func newBridgeTestServer(t *testing.T) (*httptest.Server, *Registry, *fakeFrameHandler) {
	t.Helper()
	registry := NewRegistry(events.Discard{}, discardLogger())
	handler := &fakeFrameHandler{}
	srv := NewServer(registry, handler, 30*time.Second, discardLogger())

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleAgent))
	t.Cleanup(ts.Close)
	return ts, registry, handler
}

func dialBridge(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.EncodeFrame(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, ws *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.DecodeFrame(data)
	require.NoError(t, err)
	return frame
}

// readClose reads until the peer sends a close frame and returns its reason.
func readClose(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return closeErr.Text
	}
}

func register(t *testing.T, ws *websocket.Conn, agentID string) *protocol.Registered {
	t.Helper()
	writeFrame(t, ws, &protocol.Register{
		AgentID:      agentID,
		AuthToken:    "agent-token",
		Capabilities: []string{"code"},
	})
	frame := readFrame(t, ws)
	registered, ok := frame.(*protocol.Registered)
	require.True(t, ok, "expected registered frame, got %s", frame.FrameType())
	return registered
}

func TestHandleAgent_RegisterHandshake(t *testing.T) {
	ts, registry, _ := newBridgeTestServer(t)
	ws := dialBridge(t, ts)

	registered := register(t, ws, "agent-1")
	assert.Equal(t, "agent-1", registered.AgentID)
	assert.NotEmpty(t, registered.SessionID)
	assert.Equal(t, "Registration successful", registered.Message)

	require.Eventually(t, func() bool {
		return registry.Count() == 1
	}, time.Second, 10*time.Millisecond)

	conn, ok := registry.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, registered.SessionID, conn.SessionID)
	assert.Equal(t, []string{"code"}, conn.Capabilities)
}

func TestHandleAgent_FirstFrameMustBeRegister(t *testing.T) {
	ts, registry, _ := newBridgeTestServer(t)
	ws := dialBridge(t, ts)

	writeFrame(t, ws, &protocol.Heartbeat{AgentID: "agent-1"})

	reason := readClose(t, ws)
	assert.Equal(t, string(protocol.CloseMustRegisterFirst), reason)
	assert.Equal(t, 0, registry.Count())
}

func TestHandleAgent_InvalidFirstFrame(t *testing.T) {
	ts, registry, _ := newBridgeTestServer(t)
	ws := dialBridge(t, ts)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json at all")))

	reason := readClose(t, ws)
	assert.Equal(t, string(protocol.CloseInvalidFrame), reason)
	assert.Equal(t, 0, registry.Count())
}

func TestHandleAgent_EmptyAuthToken(t *testing.T) {
	ts, registry, _ := newBridgeTestServer(t)
	ws := dialBridge(t, ts)

	// Build the frame by hand: Register.validate would otherwise not be the
	// layer under test.
	data, err := json.Marshal(map[string]any{
		"type":     "register",
		"agent_id": "agent-1",
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	reason := readClose(t, ws)
	assert.Equal(t, string(protocol.CloseAuthFailed), reason)
	assert.Equal(t, 0, registry.Count())
}

func TestHandleAgent_HeartbeatEchoedVerbatim(t *testing.T) {
	ts, _, handler := newBridgeTestServer(t)
	ws := dialBridge(t, ts)
	register(t, ws, "agent-1")

	sent := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	writeFrame(t, ws, &protocol.Heartbeat{AgentID: "agent-1", Timestamp: sent})

	frame := readFrame(t, ws)
	hb, ok := frame.(*protocol.Heartbeat)
	require.True(t, ok, "expected heartbeat echo, got %s", frame.FrameType())
	assert.Equal(t, "agent-1", hb.AgentID)
	assert.True(t, hb.Timestamp.Equal(sent))

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.heartbeats) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandleAgent_ForwardsProgressAndResponse(t *testing.T) {
	ts, _, handler := newBridgeTestServer(t)
	ws := dialBridge(t, ts)
	register(t, ws, "agent-1")

	writeFrame(t, ws, &protocol.Progress{
		MessageID:    "msg-1",
		AgentID:      "agent-1",
		Status:       "running",
		ProgressText: "compiling",
	})
	writeFrame(t, ws, &protocol.Response{
		MessageID: "msg-1",
		AgentID:   "agent-1",
		Content:   "all done",
		Usage:     map[string]float64{"prompt_tokens": 120, "completion_tokens": 40},
	})

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.progress) == 1 && len(handler.responses) == 1
	}, time.Second, 10*time.Millisecond)

	handler.mu.Lock()
	p := handler.progress[0]
	handler.mu.Unlock()
	assert.Equal(t, progressCall{"msg-1", "agent-1", "running", "compiling"}, p)

	resp := handler.lastResponse(t)
	assert.Equal(t, "all done", resp.content)
	assert.Empty(t, resp.errText)
	assert.Equal(t, float64(120), resp.usage["prompt_tokens"])
}

func TestHandleAgent_MalformedFrameAfterRegistrationIsDropped(t *testing.T) {
	ts, _, handler := newBridgeTestServer(t)
	ws := dialBridge(t, ts)
	register(t, ws, "agent-1")

	// Noise must not sever a working session.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{{{garbage")))
	writeFrame(t, ws, &protocol.Heartbeat{AgentID: "agent-1"})

	frame := readFrame(t, ws)
	_, ok := frame.(*protocol.Heartbeat)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.heartbeats) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHandleAgent_ReplacementClosesPriorConnection(t *testing.T) {
	ts, registry, _ := newBridgeTestServer(t)

	first := dialBridge(t, ts)
	register(t, first, "agent-1")

	second := dialBridge(t, ts)
	registered := register(t, second, "agent-1")

	reason := readClose(t, first)
	assert.Equal(t, string(protocol.CloseReplaced), reason)

	require.Eventually(t, func() bool {
		conn, ok := registry.Get("agent-1")
		return ok && conn.SessionID == registered.SessionID
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, registry.Count())
}

func TestHandleAgent_DisconnectUnregisters(t *testing.T) {
	ts, registry, _ := newBridgeTestServer(t)
	ws := dialBridge(t, ts)
	register(t, ws, "agent-1")

	require.Eventually(t, func() bool {
		return registry.Count() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		return registry.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHandleAgent_ServerPushesDispatch(t *testing.T) {
	ts, registry, _ := newBridgeTestServer(t)
	ws := dialBridge(t, ts)
	register(t, ws, "agent-1")

	conn, ok := registry.Get("agent-1")
	require.True(t, ok)

	require.NoError(t, conn.SendFrame(&protocol.Dispatch{
		MessageID: "msg-1",
		AgentID:   "agent-1",
		Content:   "run diagnostics",
		SessionID: conn.SessionID,
	}))

	frame := readFrame(t, ws)
	d, ok := frame.(*protocol.Dispatch)
	require.True(t, ok, "expected dispatch frame, got %s", frame.FrameType())
	assert.Equal(t, "msg-1", d.MessageID)
	assert.Equal(t, "run diagnostics", d.Content)
	assert.Equal(t, conn.SessionID, d.SessionID)
}
