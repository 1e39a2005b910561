// ABOUTME: Creates dispatch requests, correlates asynchronous replies by message id,
// ABOUTME: and enforces at most one active task per agent.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/darkpunkki/taskbridge/internal/bridge"
	"github.com/darkpunkki/taskbridge/internal/cost"
	"github.com/darkpunkki/taskbridge/internal/events"
	"github.com/darkpunkki/taskbridge/internal/protocol"
	"github.com/darkpunkki/taskbridge/internal/ratelimit"
	"github.com/darkpunkki/taskbridge/internal/store"
)

// Pending is one dispatched task awaiting its Response frame. The progress
// fields hold the latest snapshot streamed by the agent.
type Pending struct {
	MessageID    string    `json:"message_id"`
	AgentID      string    `json:"agent_id"`
	SessionID    string    `json:"session_id"`
	Content      string    `json:"content"`
	SubmittedAt  time.Time `json:"submitted_at"`
	Status       string    `json:"status"`
	ProgressText string    `json:"progress_text,omitempty"`
}

// Request carries the caller's dispatch parameters. ClientIP feeds the rate
// limiter's second keyspace; an empty value skips that dimension.
type Request struct {
	AgentID   string
	Content   string
	Context   map[string]string
	SessionID string
	ClientIP  string
}

// Coordinator owns the pending-dispatch table. It implements
// bridge.FrameHandler and bridge.DisconnectHandler so inbound frames and
// disconnects resolve or fail the entries it created.
type Coordinator struct {
	mu          sync.Mutex
	pending     map[string]*Pending // keyed by message id
	byAgent     map[string]*Pending // at most one entry per agent id
	lastSession map[string]string   // most recent session id per agent, for follow-ups

	registry *bridge.Registry
	records  store.AgentRecordStore
	usage    store.UsageStore
	limiter  *ratelimit.Limiter
	costs    *cost.Tracker
	emitter  events.Emitter
	logger   *slog.Logger
}

// NewCoordinator wires the coordinator to its collaborators. Pass a nil
// emitter to discard events.
func NewCoordinator(
	registry *bridge.Registry,
	records store.AgentRecordStore,
	usage store.UsageStore,
	limiter *ratelimit.Limiter,
	costs *cost.Tracker,
	emitter events.Emitter,
	logger *slog.Logger,
) *Coordinator {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Coordinator{
		pending:     make(map[string]*Pending),
		byAgent:     make(map[string]*Pending),
		lastSession: make(map[string]string),
		registry:    registry,
		records:     records,
		usage:       usage,
		limiter:     limiter,
		costs:       costs,
		emitter:     emitter,
		logger:      logger.With("component", "dispatch"),
	}
}

// Dispatch validates, admits and sends one unit of work to an agent, returning
// the correlation message id. The no-pending-task precondition and the insert
// of the new entry happen in one critical section, so two concurrent calls for
// the same agent cannot both win.
func (c *Coordinator) Dispatch(ctx context.Context, req Request) (string, error) {
	content, err := c.validateContent(req.Content)
	if err != nil {
		return "", err
	}

	conn, err := c.lookupConnection(ctx, req.AgentID)
	if err != nil {
		return "", err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = conn.SessionID
	}

	if err := c.admit(req.AgentID, req.ClientIP, sessionID); err != nil {
		return "", err
	}

	return c.send(conn, sessionID, content, req.Context)
}

// FollowUp sends additional work in the context of the agent's most recent
// task. An agent that never had a task here is a conflict; so is one whose
// previous task is still pending.
func (c *Coordinator) FollowUp(ctx context.Context, req Request) (string, error) {
	content, err := c.validateContent(req.Content)
	if err != nil {
		return "", err
	}

	conn, err := c.lookupConnection(ctx, req.AgentID)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	sessionID, hadTask := c.lastSession[req.AgentID]
	c.mu.Unlock()
	if !hadTask {
		return "", fmt.Errorf("%w: nothing to follow up on for agent %s", ErrNoActiveTask, req.AgentID)
	}

	if err := c.admit(req.AgentID, req.ClientIP, sessionID); err != nil {
		return "", err
	}

	return c.send(conn, sessionID, content, req.Context)
}

// validateContent sanitizes and length-checks dispatch content before any
// state mutation.
func (c *Coordinator) validateContent(raw string) (string, error) {
	content := protocol.SanitizeContent(raw)
	if content == "" {
		return "", fmt.Errorf("%w: content is required", ErrInvalidContent)
	}
	if n := len([]rune(content)); n > protocol.MaxContentLength {
		return "", fmt.Errorf("%w: content is %d characters, max %d",
			ErrInvalidContent, n, protocol.MaxContentLength)
	}
	return content, nil
}

// lookupConnection distinguishes an unknown agent from a known but
// disconnected one.
func (c *Coordinator) lookupConnection(ctx context.Context, agentID string) (*bridge.Connection, error) {
	if conn, ok := c.registry.Get(agentID); ok {
		return conn, nil
	}
	known, err := c.records.HasAgentRecord(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("looking up agent record: %w", err)
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return nil, fmt.Errorf("%w: %s", ErrAgentNotConnected, agentID)
}

// admit runs the rate and budget gates. Neither holds the coordinator lock.
func (c *Coordinator) admit(agentID, clientIP, sessionID string) error {
	if res := c.limiter.Check(agentID, clientIP); !res.Allowed {
		return &RateLimitedError{Result: res}
	}
	if err := c.costs.CheckBudget(sessionID); err != nil {
		return err
	}
	return nil
}

// send performs the atomic check-and-insert, then hands the frame to the
// connection's transport.
func (c *Coordinator) send(conn *bridge.Connection, sessionID, content string, frameCtx map[string]string) (string, error) {
	messageID := uuid.New().String()
	p := &Pending{
		MessageID:   messageID,
		AgentID:     conn.AgentID,
		SessionID:   sessionID,
		Content:     content,
		SubmittedAt: time.Now().UTC(),
		Status:      "dispatched",
	}

	c.mu.Lock()
	if existing, ok := c.byAgent[conn.AgentID]; ok {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: agent %s is working on %s",
			ErrActiveTask, conn.AgentID, existing.MessageID)
	}
	priorSession, hadSession := c.lastSession[conn.AgentID]
	c.pending[messageID] = p
	c.byAgent[conn.AgentID] = p
	c.lastSession[conn.AgentID] = sessionID
	c.mu.Unlock()

	err := conn.SendFrame(&protocol.Dispatch{
		MessageID: messageID,
		AgentID:   conn.AgentID,
		Content:   content,
		Context:   frameCtx,
		SessionID: sessionID,
	})
	if err != nil {
		// A failed send must leave no trace: the pending entries go, and
		// lastSession reverts so the agent gains no follow-up context from a
		// dispatch that was reported to the caller as an error.
		c.mu.Lock()
		delete(c.pending, messageID)
		if c.byAgent[conn.AgentID] == p {
			delete(c.byAgent, conn.AgentID)
		}
		if hadSession {
			c.lastSession[conn.AgentID] = priorSession
		} else {
			delete(c.lastSession, conn.AgentID)
		}
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s: %v", ErrAgentNotConnected, conn.AgentID, err)
	}

	c.logger.Info("dispatch created",
		"message_id", messageID,
		"agent_id", conn.AgentID,
		"session_id", sessionID,
	)
	c.emitter.Emit(events.Event{
		Type:      events.TypeDispatchCreated,
		AgentID:   conn.AgentID,
		MessageID: messageID,
		SessionID: sessionID,
		Status:    p.Status,
	})
	return messageID, nil
}

// ActiveTask returns a copy of the agent's pending dispatch, if any.
func (c *Coordinator) ActiveTask(agentID string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byAgent[agentID]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// PendingCount returns the number of outstanding dispatches.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// HandleProgress updates the pending entry's progress snapshot. It never
// resolves the entry. Progress for an unknown message id is dropped.
func (c *Coordinator) HandleProgress(messageID, agentID, status, text string, metadata map[string]string) {
	c.mu.Lock()
	p, ok := c.pending[messageID]
	if ok && p.AgentID == agentID {
		p.Status = status
		p.ProgressText = text
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("progress for unknown message", "message_id", messageID, "agent_id", agentID)
		return
	}
	if p.AgentID != agentID {
		c.logger.Warn("progress agent mismatch",
			"message_id", messageID, "agent_id", agentID, "expected", p.AgentID)
		return
	}

	c.logger.Debug("dispatch progress",
		"message_id", messageID,
		"agent_id", agentID,
		"status", status,
	)
	c.emitter.Emit(events.Event{
		Type:      events.TypeDispatchProgress,
		AgentID:   agentID,
		MessageID: messageID,
		SessionID: p.SessionID,
		Status:    status,
		Content:   text,
	})
}

// HandleResponse resolves and removes the pending entry for messageID. Usage
// is recorded with the cost tracker before anything else, then persisted, then
// the outcome is forwarded to the event collaborator.
func (c *Coordinator) HandleResponse(messageID, agentID, content string, usage map[string]float64, errText string) {
	c.mu.Lock()
	p, ok := c.pending[messageID]
	if ok {
		delete(c.pending, messageID)
		if c.byAgent[p.AgentID] == p {
			delete(c.byAgent, p.AgentID)
		}
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown message", "message_id", messageID, "agent_id", agentID)
		return
	}

	costUSD := c.costs.Record(p.SessionID, usage)
	c.persistUsage(p, usage, costUSD)

	evt := events.Event{
		Type:      events.TypeDispatchCompleted,
		AgentID:   p.AgentID,
		MessageID: messageID,
		SessionID: p.SessionID,
		Status:    "completed",
		Content:   content,
	}
	if errText != "" {
		evt.Type = events.TypeDispatchFailed
		evt.Status = "failed"
		evt.Error = errText
	}

	c.logger.Info("dispatch resolved",
		"message_id", messageID,
		"agent_id", p.AgentID,
		"status", evt.Status,
		"cost_usd", costUSD,
	)
	c.emitter.Emit(evt)
}

func (c *Coordinator) persistUsage(p *Pending, usage map[string]float64, costUSD float64) {
	if c.usage == nil {
		return
	}
	rec := &store.UsageRecord{
		SessionID:        p.SessionID,
		AgentID:          p.AgentID,
		MessageID:        p.MessageID,
		PromptTokens:     int64(usage["prompt_tokens"]),
		CompletionTokens: int64(usage["completion_tokens"]),
		CostUSD:          costUSD,
	}
	if err := c.usage.SaveUsage(context.Background(), rec); err != nil {
		c.logger.Error("failed to persist usage", "message_id", p.MessageID, "error", err)
	}
}

// HandleHeartbeat observes an agent liveness signal. The bridge already
// refreshed the connection's timestamp; this is observability only.
func (c *Coordinator) HandleHeartbeat(agentID string) {
	c.logger.Debug("heartbeat", "agent_id", agentID)
}

// HandleDisconnect fails the agent's pending dispatch, if any, with a
// synthetic disconnected outcome. The dispatch is not retried. The agent's
// last session is kept so a follow-up after reconnect still has its context.
func (c *Coordinator) HandleDisconnect(agentID, sessionID string) {
	c.mu.Lock()
	p, ok := c.byAgent[agentID]
	if ok {
		delete(c.byAgent, agentID)
		delete(c.pending, p.MessageID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	c.logger.Warn("failing pending dispatch, agent disconnected",
		"message_id", p.MessageID,
		"agent_id", agentID,
	)
	c.emitter.Emit(events.Event{
		Type:      events.TypeDispatchFailed,
		AgentID:   agentID,
		MessageID: p.MessageID,
		SessionID: p.SessionID,
		Status:    "failed",
		Error:     "agent disconnected",
	})
}

// IsConflict reports whether err belongs to the conflict class surfaced as
// HTTP 409: not connected, already busy, or nothing to follow up on.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAgentNotConnected) ||
		errors.Is(err, ErrActiveTask) ||
		errors.Is(err, ErrNoActiveTask)
}
