// ABOUTME: Tests for the HTTP auth middleware and its audit recording
// ABOUTME: Every decision must land in the audit store with actor IP and path

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkpunkki/taskbridge/internal/store"
)

// memAudit collects audit entries in memory.
type memAudit struct {
	mu      sync.Mutex
	entries []*store.AuthAuditEntry
}

func (m *memAudit) AppendAuthAudit(_ context.Context, e *store.AuthAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) ListAuthAudit(_ context.Context, _ int) ([]*store.AuthAuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries, nil
}

func (m *memAudit) last(t *testing.T) *store.AuthAuditEntry {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.entries)
	return m.entries[len(m.entries)-1]
}

func newTestMiddleware(t *testing.T) (*Middleware, *JWTVerifier, *memAudit) {
	t.Helper()
	verifier := NewJWTVerifier([]byte("test-secret"))
	audit := &memAudit{}
	return NewMiddleware(verifier, audit), verifier, audit
}

func protectedHandler(t *testing.T, sawPrincipal *string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		require.NotNil(t, authCtx)
		*sawPrincipal = authCtx.PrincipalID
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAuth_ValidToken(t *testing.T) {
	mw, verifier, audit := newTestMiddleware(t)

	token, err := verifier.Generate("admin-1", time.Hour)
	require.NoError(t, err)

	var sawPrincipal string
	handler := mw.RequireAuth(protectedHandler(t, &sawPrincipal))

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin-1", sawPrincipal)

	entry := audit.last(t)
	assert.Equal(t, store.AuthDecisionSuccess, entry.Decision)
	assert.Equal(t, "admin-1", entry.PrincipalID)
	assert.Equal(t, "10.1.2.3", entry.ActorIP)
	assert.Equal(t, "/api/agents", entry.Path)
}

func TestRequireAuth_Failures(t *testing.T) {
	mw, verifier, audit := newTestMiddleware(t)

	expired, err := verifier.Generate("admin-1", -time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc123"},
		{"empty token", "Bearer "},
		{"garbage token", "Bearer not-a-jwt"},
		{"expired token", "Bearer " + expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := mw.RequireAuth(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/dispatch", nil)
			req.RemoteAddr = "10.1.2.3:4567"
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			entry := audit.last(t)
			assert.Equal(t, store.AuthDecisionFailure, entry.Decision)
			assert.Equal(t, "10.1.2.3", entry.ActorIP)
			assert.Equal(t, "/api/dispatch", entry.Path)
			assert.NotEmpty(t, entry.Reason)
		})
	}
}

func TestRequireAuth_EveryDecisionAudited(t *testing.T) {
	mw, verifier, audit := newTestMiddleware(t)

	token, err := verifier.Generate("admin-1", time.Hour)
	require.NoError(t, err)

	handler := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries, err := audit.ListAuthAudit(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestFromContext_Absent(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}
