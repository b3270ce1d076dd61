package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// SessionCookie is the name of the browser session cookie.
const SessionCookie = "rag_session"

// ContextKey is the key type for context values set by the middleware.
type ContextKey string

// UserContextKey is the context key for the authenticated username.
const UserContextKey ContextKey = "user"

// publicPaths are served without a session.
var publicPaths = map[string]bool{
	"/healthz":    true,
	"/readyz":     true,
	"/metrics":    true,
	"/auth/login": true,
}

// Middleware enforces a valid session on every non-public route. The
// session token is read from the cookie first, then from a Bearer
// Authorization header for non-browser clients.
type Middleware struct {
	sessions *SessionManager
	logger   *zap.Logger
}

// NewMiddleware creates the session-enforcing middleware.
func NewMiddleware(sessions *SessionManager, logger *zap.Logger) *Middleware {
	return &Middleware{
		sessions: sessions,
		logger:   logger,
	}
}

// Handler wraps next with session validation. CORS preflight requests
// and public paths pass through untouched.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token := sessionToken(r)
		if token == "" {
			writeUnauthorized(w)
			return
		}

		username, err := m.sessions.Validate(token)
		if err != nil {
			m.logger.Debug("rejected session token", zap.Error(err))
			writeUnauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionToken pulls the session token from the cookie or, failing
// that, from the Authorization header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, err := ExtractBearerToken(header); err == nil {
			return token
		}
	}
	return ""
}

// writeUnauthorized sends the JSON 401 body shared by all protected
// routes.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"ok":false,"error":"unauthorized"}`))
}

// UserFromContext returns the username set by the middleware.
func UserFromContext(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(UserContextKey).(string)
	return username, ok
}
