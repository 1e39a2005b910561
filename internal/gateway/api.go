// ABOUTME: HTTP control API over chi: agent records, dispatch, costs, bridge status.
// ABOUTME: Maps the dispatch error taxonomy onto HTTP status codes.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/darkpunkki/taskbridge/internal/auth"
	"github.com/darkpunkki/taskbridge/internal/bridge"
	"github.com/darkpunkki/taskbridge/internal/cost"
	"github.com/darkpunkki/taskbridge/internal/dispatch"
	"github.com/darkpunkki/taskbridge/internal/events"
	"github.com/darkpunkki/taskbridge/internal/ratelimit"
	"github.com/darkpunkki/taskbridge/internal/store"
)

// routes builds the HTTP router. The bridge endpoint and health checks are
// unauthenticated; agents authenticate in-band via the Register frame.
func (g *Gateway) routes(authMW *auth.Middleware) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)
	r.Get("/bridge/agent", g.bridgeSrv.HandleAgent)

	r.Group(func(r chi.Router) {
		r.Use(authMW.RequireAuth)
		r.Post("/api/agents", g.handleCreateAgent)
		r.Get("/api/agents", g.handleListAgents)
		r.Get("/api/agents/{id}", g.handleGetAgent)
		r.Get("/api/agents/{id}/task", g.handleGetTask)
		r.Post("/api/dispatch", g.handleDispatch)
		r.Post("/api/followup", g.handleFollowUp)
		r.Get("/api/costs/{session}", g.handleCosts)
		r.Get("/api/bridge/status", g.handleBridgeStatus)
		r.Post("/api/ratelimit/reset", g.handleRateLimitReset)
		r.Get("/api/events", g.handleEvents)
		r.Get("/api/audit", g.handleAudit)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// writeDispatchError maps the dispatch error taxonomy onto HTTP status codes.
func (g *Gateway) writeDispatchError(w http.ResponseWriter, err error) {
	var rateErr *dispatch.RateLimitedError
	var budgetErr *cost.BudgetError

	switch {
	case errors.Is(err, dispatch.ErrInvalidContent):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrAgentNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case dispatch.IsConflict(err):
		respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &budgetErr):
		respondError(w, http.StatusPaymentRequired, err.Error())
	case errors.As(err, &rateErr):
		respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error": rateErr.Error(),
			"agent": rateDimension(rateErr.Result.Agent),
			"ip":    rateDimension(rateErr.Result.IP),
		})
	default:
		g.logger.Error("dispatch failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func rateDimension(d ratelimit.Decision) map[string]any {
	return map[string]any{
		"limit":         d.Limit,
		"remaining":     d.Remaining,
		"reset_seconds": d.ResetAfter.Seconds(),
	}
}

// agentView joins a durable agent record with its live connection state.
type agentView struct {
	AgentID   string                  `json:"agent_id"`
	Name      string                  `json:"name"`
	Endpoint  string                  `json:"endpoint,omitempty"`
	Status    bridge.AgentStatus      `json:"status"`
	CreatedAt time.Time               `json:"created_at"`
	Live      *bridge.AgentDescriptor `json:"live,omitempty"`
}

func (g *Gateway) agentView(rec *store.AgentRecord) agentView {
	v := agentView{
		AgentID:   rec.ID,
		Name:      rec.Name,
		Endpoint:  rec.Endpoint,
		Status:    bridge.StatusDisconnected,
		CreatedAt: rec.CreatedAt,
	}
	if conn, ok := g.registry.Get(rec.ID); ok {
		desc := conn.Descriptor()
		v.Status = bridge.StatusConnected
		v.Live = &desc
	}
	return v
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	rec := &store.AgentRecord{Name: req.Name, Endpoint: req.Endpoint}
	if err := g.store.CreateAgentRecord(r.Context(), rec); err != nil {
		if errors.Is(err, store.ErrDuplicateName) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		g.logger.Error("creating agent record", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, http.StatusCreated, g.agentView(rec))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	recs, err := g.store.ListAgentRecords(r.Context())
	if err != nil {
		g.logger.Error("listing agent records", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]agentView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, g.agentView(rec))
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": views})
}

func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := g.store.GetAgentRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, fmt.Sprintf("agent %s not found", id))
			return
		}
		g.logger.Error("getting agent record", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, g.agentView(rec))
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if p, ok := g.coordinator.ActiveTask(id); ok {
		respondJSON(w, http.StatusOK, map[string]any{"agent_id": id, "active": true, "task": p})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"agent_id": id, "active": false})
}

type dispatchRequest struct {
	AgentID   string            `json:"agent_id"`
	Content   string            `json:"content"`
	Context   map[string]string `json:"context"`
	SessionID string            `json:"session_id"`
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	messageID, err := g.coordinator.Dispatch(r.Context(), dispatch.Request{
		AgentID:   req.AgentID,
		Content:   req.Content,
		Context:   req.Context,
		SessionID: req.SessionID,
		ClientIP:  clientIP(r),
	})
	if err != nil {
		g.writeDispatchError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"message_id": messageID,
		"status":     "dispatched",
	})
}

func (g *Gateway) handleFollowUp(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	messageID, err := g.coordinator.FollowUp(r.Context(), dispatch.Request{
		AgentID:  req.AgentID,
		Content:  req.Content,
		Context:  req.Context,
		ClientIP: clientIP(r),
	})
	if err != nil {
		g.writeDispatchError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"message_id": messageID,
		"status":     "dispatched",
	})
}

func (g *Gateway) handleCosts(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	snap := g.costs.Snapshot(sessionID)

	stats, err := g.store.GetUsageStats(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("getting usage stats", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"budget": snap,
		"usage": map[string]any{
			"prompt_tokens":     stats.TotalPrompt,
			"completion_tokens": stats.TotalCompletion,
			"total_cost_usd":    stats.TotalCostUSD,
			"request_count":     stats.RequestCount,
		},
	})
}

func (g *Gateway) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"connected_agents": g.registry.Count(),
		"pending_tasks":    g.coordinator.PendingCount(),
		"agents":           g.registry.Descriptors(),
	})
}

// handleRateLimitReset clears every rate-limit bucket in both keyspaces.
func (g *Gateway) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	g.limiter.Reset()

	principal := ""
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		principal = authCtx.PrincipalID
	}
	g.logger.Info("rate limit buckets reset", "principal_id", principal)
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleEvents streams bridge lifecycle events as server-sent events. The
// optional agent_id query parameter narrows the stream to one agent.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = events.AllAgents
	}

	ch, _ := g.broadcaster.Subscribe(r.Context(), agentID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
			flusher.Flush()
		}
	}
}

func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if _, err := fmt.Sscanf(s, "%d", &limit); err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	entries, err := g.store.ListAuthAudit(r.Context(), limit)
	if err != nil {
		g.logger.Error("listing auth audit", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	type auditView struct {
		ID          string    `json:"id"`
		ActorIP     string    `json:"actor_ip"`
		Path        string    `json:"path"`
		Decision    string    `json:"decision"`
		PrincipalID string    `json:"principal_id,omitempty"`
		Reason      string    `json:"reason,omitempty"`
		Timestamp   time.Time `json:"timestamp"`
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView{
			ID:          e.ID,
			ActorIP:     e.ActorIP,
			Path:        e.Path,
			Decision:    string(e.Decision),
			PrincipalID: e.PrincipalID,
			Reason:      e.Reason,
			Timestamp:   e.Timestamp,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready only once at least one agent is connected, so a
// load balancer does not route dispatch traffic at an empty bridge.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	count := g.registry.Count()
	if count == 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":           "not ready",
			"connected_agents": 0,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ready",
		"connected_agents": count,
	})
}
