package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRequestsPerMinute = 120

// opsPaths are exempt from request limiting so probes and scrapes never
// compete with user traffic for the window.
var opsPaths = map[string]struct{}{
	"/healthz": {},
	"/readyz":  {},
	"/metrics": {},
}

// RequestLimiter caps per-client API traffic with a fixed one-minute
// window counted in Redis, shared across replicas. Without a Redis
// client the limiter is a no-op, and Redis errors fail open: the API
// must keep answering when Redis is down.
type RequestLimiter struct {
	redis             redis.UniversalClient
	logger            *zap.Logger
	requestsPerMinute int
}

func NewRequestLimiter(client redis.UniversalClient, requestsPerMinute int, logger *zap.Logger) *RequestLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = defaultRequestsPerMinute
	}
	return &RequestLimiter{
		redis:             client,
		logger:            logger,
		requestsPerMinute: requestsPerMinute,
	}
}

// Handler returns the limiter middleware. It runs before auth, so
// requests are keyed by client address rather than user.
func (rl *RequestLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := opsPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		client := clientAddr(r)
		allowed, remaining, resetAt := rl.check(r.Context(), "ratelimit:client:"+client)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.requestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			rl.logger.Warn("request rate limit exceeded",
				zap.String("client", client),
				zap.String("path", r.URL.Path),
			)
			w.Header().Set("Retry-After", strconv.FormatInt(resetAt.Unix()-time.Now().Unix(), 10))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"ok":    false,
				"error": "rate_limited",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// check counts the request against the current window with INCR plus a
// window-length expiry.
func (rl *RequestLimiter) check(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	now := time.Now()
	window := now.Truncate(time.Minute)
	windowKey := fmt.Sprintf("%s:%d", key, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		return true, rl.requestsPerMinute, window.Add(time.Minute)
	}

	count := incr.Val()
	remaining = rl.requestsPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.requestsPerMinute), remaining, window.Add(time.Minute)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
