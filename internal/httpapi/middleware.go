package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/metrics"
)

type correlationKey struct{}

const correlationHeader = "X-Correlation-ID"

// CorrelationID returns the request's correlation ID, or "" outside a
// request handled by the middleware chain.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// withCorrelationID tags every request with a correlation ID: the
// caller-provided X-Correlation-ID when present, a fresh uuid otherwise.
// The ID is echoed on the response so degraded search responses can be
// matched to server logs.
func withCorrelationID(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)

		logger.Debug("request received",
			zap.String("correlation_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)

		ctx := context.WithValue(r.Context(), correlationKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware answers cross-origin requests from the UI. The configured
// origin is allowed along with its localhost, 127.0.0.1 and 0.0.0.0 host
// variants so dev setups reach the API regardless of how the UI was
// opened; cors_allow_all echoes any origin back.
type corsMiddleware struct {
	allowAll bool
	origins  map[string]struct{}
}

func newCORSMiddleware(cfg config.AuthConfig) *corsMiddleware {
	return &corsMiddleware{
		allowAll: cfg.CORSAllowAll,
		origins:  originVariants(cfg.UIOrigin),
	}
}

func originVariants(origin string) map[string]struct{} {
	variants := make(map[string]struct{})
	if origin == "" {
		return variants
	}
	variants[origin] = struct{}{}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return variants
	}
	for _, host := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		alt := *u
		if port := u.Port(); port != "" {
			alt.Host = host + ":" + port
		} else {
			alt.Host = host
		}
		variants[alt.String()] = struct{}{}
	}
	return variants
}

func (c *corsMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && c.allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *corsMiddleware) allowed(origin string) bool {
	if c.allowAll {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// statusRecorder captures the response status for request metrics. It
// passes Flush through so SSE streaming works behind the wrapper.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.URL.Path, r.Method, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}
