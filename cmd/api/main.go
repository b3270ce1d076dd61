package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rtyshyk/telegram-rag/internal/answer"
	"github.com/rtyshyk/telegram-rag/internal/auth"
	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/embed"
	"github.com/rtyshyk/telegram-rag/internal/health"
	"github.com/rtyshyk/telegram-rag/internal/httpapi"
	"github.com/rtyshyk/telegram-rag/internal/llm"
	"github.com/rtyshyk/telegram-rag/internal/search"
	"github.com/rtyshyk/telegram-rag/internal/store"
	"github.com/rtyshyk/telegram-rag/internal/tracing"
	"github.com/rtyshyk/telegram-rag/internal/vespa"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	readiness := health.NewRegistry(logger)

	// Postgres backs the embedding cache used by the indexer; the API only
	// needs it for readiness reporting, so it stays optional here.
	var db *store.Store
	if cfg.Postgres.DatabaseURL != "" {
		db, err = store.Open(cfg.Postgres.DatabaseURL, cfg.Postgres.MaxOpen, cfg.Postgres.MaxIdle, logger)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		readiness.Register(health.NewDatabaseChecker(db))
	}

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		readiness.Register(health.NewRedisChecker(redisClient))
	}

	engine := vespa.New(vespa.Config{
		Endpoint:        cfg.Vespa.Endpoint,
		Timeout:         cfg.Vespa.Timeout,
		FeedConcurrency: cfg.Vespa.FeedConcurrency,
		FeedAttempts:    cfg.Vespa.FeedAttempts,
	}, logger)
	readiness.Register(health.NewVespaChecker(engine))

	openai := llm.New("", cfg.Embedding.OpenAIAPIKey, 0, logger)

	var l2 embed.QueryCache
	if redisClient != nil {
		l2 = embed.NewRedisQueryCache(redisClient)
	}
	var embedCache embed.CacheStore
	if db != nil {
		embedCache = db
	}
	backoffBase, backoffMax := cfg.Embedding.Backoff()
	embedder := embed.New(embed.Config{
		Model:             cfg.Embedding.Model,
		Dimensions:        cfg.Embedding.Dimensions,
		BatchSize:         cfg.Embedding.BatchSize,
		Concurrency:       cfg.Embedding.Concurrency,
		DailyBudgetUSD:    cfg.Embedding.DailyBudgetUSD,
		BackoffBase:       backoffBase,
		BackoffMax:        backoffMax,
		Stub:              cfg.Embedding.Stub,
		ChunkingVersion:   cfg.Ingest.ChunkingVersion,
		PreprocessVersion: cfg.Ingest.PreprocessVersion,
		QueryCacheSize:    cfg.Embedding.QueryCacheSize,
		QueryCacheTTL:     cfg.Embedding.QueryCacheTTL(),
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	}, embedCache, openai, l2, logger)

	var rerankProvider search.RerankProvider
	if cfg.Rerank.Enabled && !cfg.Rerank.Stub && cfg.Rerank.VoyageAPIKey != "" {
		rerankProvider = llm.NewVoyage("", cfg.Rerank.VoyageAPIKey, 0, logger)
	}
	reranker := search.NewRerankerFromConfig(cfg.Rerank, rerankProvider, logger)
	searcher := search.New(cfg.Search, cfg.Rerank.CandidateLimit, engine, embedder, reranker, logger)

	answerer := answer.New(cfg.Chat, searcher, answer.NewClientProvider(openai), logger)

	sessions := auth.NewSessionManager(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL())
	loginLimiter := auth.NewLoginLimiter(cfg.Auth.LoginRateMaxAttempts, cfg.Auth.LoginRateWindow())

	server := httpapi.New(cfg, httpapi.Deps{
		Sessions:     sessions,
		LoginLimiter: loginLimiter,
		Search:       searcher,
		Chats:        searcher,
		Answerer:     answerer,
		Ready:        readiness,
		Redis:        redisClient,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		logger.Fatal("API server failed", zap.Error(err))
	}
	logger.Info("API server stopped")
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(strings.ToLower(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
