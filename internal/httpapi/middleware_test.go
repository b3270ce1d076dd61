package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rtyshyk/telegram-rag/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCorrelationIDGenerated(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})
	handler := withCorrelationID(zaptest.NewLogger(t), inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Correlation-ID"))
}

func TestCorrelationIDProvided(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	})
	handler := withCorrelationID(zaptest.NewLogger(t), inner)

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("X-Correlation-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get("X-Correlation-ID"))
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	mw := newCORSMiddleware(config.AuthConfig{UIOrigin: "http://localhost:4321"})
	handler := mw.Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://localhost:4321")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:4321", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Values("Vary"), "Origin")
}

func TestCORSAllowsHostVariants(t *testing.T) {
	mw := newCORSMiddleware(config.AuthConfig{UIOrigin: "http://localhost:4321"})
	handler := mw.Handler(okHandler())

	for _, origin := range []string{"http://127.0.0.1:4321", "http://0.0.0.0:4321"} {
		req := httptest.NewRequest(http.MethodGet, "/models", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, origin, rec.Header().Get("Access-Control-Allow-Origin"), origin)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	mw := newCORSMiddleware(config.AuthConfig{UIOrigin: "http://localhost:4321"})
	handler := mw.Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	mw := newCORSMiddleware(config.AuthConfig{UIOrigin: "http://localhost:4321"})
	handler := mw.Handler(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/search", nil)
	req.Header.Set("Origin", "http://localhost:4321")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:4321", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORSAllowAllEchoesAnyOrigin(t *testing.T) {
	mw := newCORSMiddleware(config.AuthConfig{CORSAllowAll: true})
	handler := mw.Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://somewhere.else:9999")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "http://somewhere.else:9999", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestMetricsPreservesFlusher(t *testing.T) {
	var flushable bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
	})
	handler := withRequestMetrics(inner)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", nil))

	assert.True(t, flushable)
}
