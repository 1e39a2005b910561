// ABOUTME: Websocket endpoint handling agent connections and the per-connection state machine.
// ABOUTME: First frame must be Register; thereafter Progress, Response and Heartbeat frames flow.

package bridge

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/darkpunkki/taskbridge/internal/protocol"
)

// registerWait bounds how long a fresh connection may sit silent before its
// first frame arrives.
const registerWait = 10 * time.Second

// FrameHandler receives the post-registration inbound frames. The dispatch
// coordinator implements it.
type FrameHandler interface {
	HandleProgress(messageID, agentID, status, text string, metadata map[string]string)
	HandleResponse(messageID, agentID, content string, usage map[string]float64, errText string)
	HandleHeartbeat(agentID string)
}

// Server upgrades agent websocket connections and runs their receive loops.
type Server struct {
	registry *Registry
	handler  FrameHandler
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// heartbeatTimeout also bounds the websocket read deadline; the pong
	// handler extends it while the transport is alive.
	heartbeatTimeout time.Duration
}

// NewServer creates the bridge websocket server.
func NewServer(registry *Registry, handler FrameHandler, heartbeatTimeout time.Duration, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		handler:  handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents authenticate via the Register frame, not via origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger.With("component", "bridge"),
	}
}

// HandleAgent is the HTTP handler for the agent bridge endpoint.
//
// Protocol flow:
//  1. Agent connects and sends Register.
//  2. Server replies Registered with a fresh session id.
//  3. Agent streams Progress/Response/Heartbeat; server pushes Dispatch.
//  4. Disconnect (close, error, heartbeat timeout) unregisters the agent.
func (s *Server) HandleAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn, ok := s.awaitRegistration(ws, r.RemoteAddr)
	if !ok {
		return
	}

	s.registry.Register(conn)
	go conn.writePump(s.pingPeriod())

	if err := conn.SendFrame(&protocol.Registered{
		SessionID: conn.SessionID,
		AgentID:   conn.AgentID,
	}); err != nil {
		s.logger.Error("sending registered frame", "agent_id", conn.AgentID, "error", err)
		conn.Close(websocket.CloseInternalServerErr, "")
		s.registry.UnregisterConnection(conn)
		return
	}

	s.receiveLoop(conn, ws)

	conn.Close(websocket.CloseNormalClosure, "")
	s.registry.UnregisterConnection(conn)
}

// awaitRegistration enforces the first-frame-must-register rule. On failure
// the connection is closed with the single applicable abnormal reason.
func (s *Server) awaitRegistration(ws *websocket.Conn, remote string) (*Connection, bool) {
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(registerWait))

	_, data, err := ws.ReadMessage()
	if err != nil {
		s.logger.Debug("connection closed before registration", "remote", remote, "error", err)
		_ = ws.Close()
		return nil, false
	}

	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.rejectPreRegistration(ws, remote, protocol.CloseInvalidFrame)
		return nil, false
	}

	reg, ok := frame.(*protocol.Register)
	if !ok {
		s.rejectPreRegistration(ws, remote, protocol.CloseMustRegisterFirst)
		return nil, false
	}

	// Accept any non-empty token here; authoritative verification is the
	// auth layer's job, not the bridge's.
	if reg.AuthToken == "" {
		s.rejectPreRegistration(ws, remote, protocol.CloseAuthFailed)
		return nil, false
	}

	return NewConnection(ConnectionParams{
		AgentID:      reg.AgentID,
		SessionID:    uuid.New().String(),
		AuthToken:    reg.AuthToken,
		Capabilities: reg.Capabilities,
		Workdir:      reg.Workdir,
		Metadata:     reg.Metadata,
		Conn:         ws,
		Logger:       s.logger,
	}), true
}

// rejectPreRegistration closes a connection that never completed the
// handshake. No pump is running yet, so writing directly is safe.
func (s *Server) rejectPreRegistration(ws *websocket.Conn, remote string, reason protocol.CloseReason) {
	s.logger.Warn("rejecting connection", "remote", remote, "reason", reason)
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(reason))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
	_ = ws.Close()
}

// receiveLoop processes inbound frames until the transport drops. Malformed
// frames after registration are dropped, not fatal; a working session is not
// severed over noise.
func (s *Server) receiveLoop(conn *Connection, ws *websocket.Conn) {
	_ = ws.SetReadDeadline(time.Now().Add(s.readWait()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.readWait()))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("agent connection lost", "agent_id", conn.AgentID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.readWait()))

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "agent_id", conn.AgentID, "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.Progress:
			s.handler.HandleProgress(f.MessageID, f.AgentID, f.Status, f.ProgressText, f.Metadata)

		case *protocol.Response:
			s.handler.HandleResponse(f.MessageID, f.AgentID, f.Content, f.Usage, f.Error)

		case *protocol.Heartbeat:
			conn.TouchHeartbeat()
			s.handler.HandleHeartbeat(f.AgentID)
			// Echo back verbatim.
			if err := conn.SendFrame(f); err != nil {
				s.logger.Debug("heartbeat echo failed", "agent_id", conn.AgentID, "error", err)
			}

		case *protocol.Register:
			s.logger.Warn("dropping duplicate registration frame", "agent_id", conn.AgentID)

		default:
			s.logger.Warn("dropping unexpected frame", "agent_id", conn.AgentID, "frame_type", frame.FrameType())
		}
	}
}

func (s *Server) readWait() time.Duration {
	if s.heartbeatTimeout > 0 {
		return 2 * s.heartbeatTimeout
	}
	return 3 * time.Minute
}

func (s *Server) pingPeriod() time.Duration {
	return s.readWait() * 9 / 20
}
