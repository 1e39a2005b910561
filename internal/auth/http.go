// ABOUTME: HTTP middleware for JWT authentication on control API endpoints
// ABOUTME: Records every authentication decision to the audit trail

package auth

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/darkpunkki/taskbridge/internal/store"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// actorIP extracts the client address from a request. chi's RealIP middleware
// rewrites RemoteAddr from X-Forwarded-For before this runs.
func actorIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware verifies bearer tokens and attaches the principal to the request
// context. Every decision, allow or deny, is appended to the audit trail with
// the actor IP and target path regardless of what the handler does afterwards.
type Middleware struct {
	verifier TokenVerifier
	audit    store.AuditStore
	logger   *slog.Logger
}

// NewMiddleware creates an auth middleware backed by the given verifier and
// audit store.
func NewMiddleware(verifier TokenVerifier, audit store.AuditStore) *Middleware {
	return &Middleware{
		verifier: verifier,
		audit:    audit,
		logger:   slog.Default().With("component", "auth"),
	}
}

func (m *Middleware) record(r *http.Request, decision store.AuthDecision, principalID, reason string) {
	entry := &store.AuthAuditEntry{
		ActorIP:     actorIP(r),
		Path:        r.URL.Path,
		Decision:    decision,
		PrincipalID: principalID,
		Reason:      reason,
	}
	if err := m.audit.AppendAuthAudit(r.Context(), entry); err != nil {
		// Audit failures must not turn into auth failures.
		m.logger.Error("failed to record auth decision", "error", err, "path", r.URL.Path)
	}
}

// RequireAuth wraps a handler, rejecting requests without a valid token.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
		if errMsg != "" {
			m.record(r, store.AuthDecisionFailure, "", errMsg)
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}

		principalID, err := m.verifier.Verify(token)
		if err != nil {
			m.record(r, store.AuthDecisionFailure, "", err.Error())
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		m.record(r, store.AuthDecisionSuccess, principalID, "")
		authCtx := &AuthContext{PrincipalID: principalID}
		next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
	})
}
