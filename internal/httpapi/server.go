package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/auth"
	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/health"
)

// Deps carries the wired services the route table needs.
type Deps struct {
	Sessions     *auth.SessionManager
	LoginLimiter *auth.LoginLimiter
	Search       Searcher
	Chats        ChatLister
	Answerer     ChatStreamer
	Ready        *health.Registry
	Redis        redis.UniversalClient
}

// Server is the assembled HTTP surface: route table plus the middleware
// chain (CORS, correlation ID, request metrics, request limiter, auth).
type Server struct {
	http     *http.Server
	graceful time.Duration
	logger   *zap.Logger
}

// New builds the server from config and wired dependencies.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	NewSystemHandler(deps.Ready, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	NewAuthHandler(cfg.Auth, deps.Sessions, deps.LoginLimiter, logger).RegisterRoutes(mux)
	NewSearchHandler(cfg.Chat, deps.Search, deps.Chats, logger).RegisterRoutes(mux)
	NewChatHandler(deps.Answerer, logger).RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = auth.NewMiddleware(deps.Sessions, logger).Handler(handler)
	handler = NewRequestLimiter(deps.Redis, cfg.Service.RequestsPerMinute, logger).Handler(handler)
	handler = withRequestMetrics(handler)
	handler = withCorrelationID(logger, handler)
	handler = newCORSMiddleware(cfg.Auth).Handler(handler)

	addr := cfg.Service.ListenAddr
	if addr == "" {
		addr = ":8000"
	}
	readTimeout := cfg.Service.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	graceful := cfg.Service.GracefulTimeout
	if graceful <= 0 {
		graceful = 15 * time.Second
	}

	return &Server{
		http: &http.Server{
			Addr:        addr,
			Handler:     handler,
			ReadTimeout: readTimeout,
			// WriteTimeout stays at the configured zero: /chat streams for
			// as long as the model talks.
			WriteTimeout: cfg.Service.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		graceful: graceful,
		logger:   logger,
	}
}

// Handler exposes the assembled middleware chain; used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then drains connections within the
// graceful timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.graceful)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return <-errCh
}
