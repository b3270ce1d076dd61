package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/auth"
	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/metrics"
)

// AuthHandler serves login and logout for the single configured user.
type AuthHandler struct {
	cfg      config.AuthConfig
	sessions *auth.SessionManager
	limiter  *auth.LoginLimiter
	logger   *zap.Logger
}

// NewAuthHandler constructs a new handler.
func NewAuthHandler(cfg config.AuthConfig, sessions *auth.SessionManager, limiter *auth.LoginLimiter, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, sessions: sessions, limiter: limiter, logger: logger}
}

// RegisterRoutes registers auth endpoints on the given mux.
func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/logout", h.handleLogout)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	if retry, limited := h.limiter.RetryAfter(req.Username); limited {
		metrics.RecordLoginAttempt("rate_limited")
		h.logger.Warn("login throttled", zap.String("username", req.Username))
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"ok":    false,
			"error": "too_many_attempts",
		})
		return
	}

	if req.Username != h.cfg.AppUser || !auth.VerifyPassword(req.Password, h.cfg.AppUserHashBcrypt) {
		h.limiter.Record(req.Username)
		metrics.RecordLoginAttempt("failure")
		h.logger.Warn("login failed", zap.String("username", req.Username))
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"ok":    false,
			"error": "invalid_credentials",
		})
		return
	}

	token, err := h.sessions.Issue(req.Username)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ok":    false,
			"error": "internal_error",
		})
		return
	}

	metrics.RecordLoginAttempt("success")
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessions.TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
