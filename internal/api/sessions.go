package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spendo/spendo/internal/identity"
)

// SessionManager issues bearer session tokens and mirrors each login
// into the session registry so the identity resolver can see who is
// active.
type SessionManager struct {
	registry identity.SessionRegistry
	logger   *slog.Logger

	mu     sync.Mutex
	tokens map[string]string // token -> user id
}

// NewSessionManager creates a SessionManager backed by the given registry.
func NewSessionManager(registry identity.SessionRegistry) *SessionManager {
	return &SessionManager{
		registry: registry,
		logger:   slog.Default(),
		tokens:   make(map[string]string),
	}
}

// Login issues a fresh token for the user and marks their session active.
func (m *SessionManager) Login(ctx context.Context, userID string) (string, error) {
	token := uuid.NewString()
	m.mu.Lock()
	m.tokens[token] = userID
	m.mu.Unlock()
	if err := m.registry.TouchSession(ctx, userID); err != nil {
		return "", err
	}
	return token, nil
}

// Logout revokes the token and clears the user's active-session marker.
func (m *SessionManager) Logout(ctx context.Context, token string) error {
	m.mu.Lock()
	userID, ok := m.tokens[token]
	delete(m.tokens, token)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.registry.RemoveSession(ctx, userID)
}

// UserForToken resolves a token to its user id.
func (m *SessionManager) UserForToken(token string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.tokens[token]
	return userID, ok
}

// WithSession attaches the authenticated user to the request context
// when a valid bearer token is present. Requests without one pass
// through untouched: the chat surface works unauthenticated, the token
// only adds identity evidence.
func (m *SessionManager) WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := bearerToken(r); token != "" {
			if userID, ok := m.UserForToken(token); ok {
				ctx := identity.WithUser(r.Context(), userID)
				if err := m.registry.TouchSession(ctx, userID); err != nil {
					m.logger.Warn("session touch failed", "user_id", userID, "error", err)
				}
				r = r.WithContext(ctx)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return auth[len(prefix):]
}
