package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rtyshyk/telegram-rag/internal/health"
)

func TestHealthzAlwaysOK(t *testing.T) {
	h := NewSystemHandler(health.NewRegistry(zaptest.NewLogger(t)), zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","service":"api"}`, rec.Body.String())
}

func TestReadyzReadyWhenChecksPass(t *testing.T) {
	registry := health.NewRegistry(zaptest.NewLogger(t))
	registry.Register(health.NewFuncChecker("database", true, func(ctx context.Context) error { return nil }))
	registry.Register(health.NewFuncChecker("vespa", true, func(ctx context.Context) error { return nil }))
	h := NewSystemHandler(registry, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status string               `json:"status"`
		Checks []health.CheckResult `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	require.Len(t, body.Checks, 2)
	assert.Equal(t, "database", body.Checks[0].Component)
}

func TestReadyzUnavailableOnCriticalFailure(t *testing.T) {
	registry := health.NewRegistry(zaptest.NewLogger(t))
	registry.Register(health.NewFuncChecker("database", true, func(ctx context.Context) error {
		return assert.AnError
	}))
	h := NewSystemHandler(registry, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
}

func TestReadyzStaysReadyOnNonCriticalFailure(t *testing.T) {
	registry := health.NewRegistry(zaptest.NewLogger(t))
	registry.Register(health.NewFuncChecker("database", true, func(ctx context.Context) error { return nil }))
	registry.Register(health.NewFuncChecker("redis", false, func(ctx context.Context) error {
		return assert.AnError
	}))
	h := NewSystemHandler(registry, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	h.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}
