package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rtyshyk/telegram-rag/internal/chunk"
	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/embed"
	"github.com/rtyshyk/telegram-rag/internal/ingest"
	"github.com/rtyshyk/telegram-rag/internal/llm"
	"github.com/rtyshyk/telegram-rag/internal/store"
	"github.com/rtyshyk/telegram-rag/internal/tracing"
	"github.com/rtyshyk/telegram-rag/internal/vespa"
)

type cliArgs struct {
	once                 bool
	chats                string
	days                 int
	dryRun               bool
	limitMessages        int
	embedBatchSize       int
	embedConcurrency     int
	sleepMs              int
	logLevel             string
	lookbackMinutes      int
	connectionCheckSecs  int
	workerConcurrency    int
	sweepDays            int
	sweepIntervalMinutes int
	statePath            string
	checkpointInterval   int
	lookbackLimit        int
}

func parseFlags() (cliArgs, map[string]bool) {
	var a cliArgs
	flag.BoolVar(&a.once, "once", false, "run one-shot indexing and exit")
	flag.StringVar(&a.chats, "chats", "", "comma-separated chat names or ids (default: all chats)")
	flag.IntVar(&a.days, "days", 0, "days of history to fetch (default: entire history)")
	flag.BoolVar(&a.dryRun, "dry-run", false, "estimate embedding cost without writing anything")
	flag.IntVar(&a.limitMessages, "limit-messages", 0, "cap the total number of messages scanned")
	flag.IntVar(&a.embedBatchSize, "embed-batch-size", 0, "override embedding batch size")
	flag.IntVar(&a.embedConcurrency, "embed-concurrency", 0, "override embedding concurrency")
	flag.IntVar(&a.sleepMs, "sleep-ms", 0, "sleep between messages (ms)")
	flag.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.IntVar(&a.lookbackMinutes, "daemon-lookback-minutes", 0, "minutes of history to replay on startup and reconnect")
	flag.IntVar(&a.connectionCheckSecs, "daemon-connection-check-secs", 0, "seconds between connection checks")
	flag.IntVar(&a.workerConcurrency, "daemon-worker-concurrency", 0, "concurrent message processing workers")
	flag.IntVar(&a.sweepDays, "hourly-sweep-days", 0, "days of history to re-scan each sweep")
	flag.IntVar(&a.sweepIntervalMinutes, "hourly-sweep-interval-minutes", 0, "minutes between sweep iterations")
	flag.StringVar(&a.statePath, "backfill-state-path", "", "path of the backfill checkpoint file")
	flag.IntVar(&a.checkpointInterval, "backfill-checkpoint-interval", 0, "persist backfill progress every N messages")
	flag.IntVar(&a.lookbackLimit, "lookback-message-limit", 0, "max messages per chat when replaying recent history")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return a, set
}

// applyOverrides copies explicitly passed flags over the loaded config.
// Unset flags leave the config (and its env bindings) alone.
func applyOverrides(cfg *config.Config, a cliArgs, set map[string]bool) {
	if set["log-level"] {
		cfg.Logging.Level = a.logLevel
	}
	if set["embed-batch-size"] {
		cfg.Embedding.BatchSize = a.embedBatchSize
	}
	if set["embed-concurrency"] {
		cfg.Embedding.Concurrency = a.embedConcurrency
	}
	if set["daemon-lookback-minutes"] {
		cfg.Ingest.DaemonLookbackMinutes = a.lookbackMinutes
	}
	if set["daemon-connection-check-secs"] {
		cfg.Ingest.DaemonConnectionCheckSecs = a.connectionCheckSecs
	}
	if set["daemon-worker-concurrency"] {
		cfg.Ingest.DaemonWorkerConcurrency = a.workerConcurrency
	}
	if set["hourly-sweep-days"] {
		cfg.Ingest.HourlySweepDays = a.sweepDays
	}
	if set["hourly-sweep-interval-minutes"] {
		cfg.Ingest.HourlySweepIntervalMinutes = a.sweepIntervalMinutes
	}
	if set["backfill-state-path"] {
		cfg.Ingest.BackfillStatePath = a.statePath
	}
	if set["backfill-checkpoint-interval"] {
		cfg.Ingest.BackfillCheckpointInterval = a.checkpointInterval
	}
	if set["lookback-message-limit"] {
		cfg.Ingest.LookbackMessageLimit = a.lookbackLimit
	}
}

func main() {
	args, set := parseFlags()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	applyOverrides(cfg, args, set)
	if err := cfg.ValidateIndexer(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	mode := "daemon"
	if args.once {
		mode = "one-shot"
	}
	logger.Info("starting indexer",
		zap.String("mode", mode),
		zap.Bool("dry_run", args.dryRun),
		zap.String("source", cfg.Source.Type))

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

	if cfg.Ingest.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics server listening", zap.String("addr", cfg.Ingest.MetricsAddr))
			if err := http.ListenAndServe(cfg.Ingest.MetricsAddr, mux); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	db, err := store.Open(cfg.Postgres.DatabaseURL, cfg.Postgres.MaxOpen, cfg.Postgres.MaxIdle, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.EnsureSchema(schemaCtx)
	cancelSchema()
	if err != nil {
		logger.Fatal("Failed to ensure database schema", zap.Error(err))
	}

	engine := vespa.New(vespa.Config{
		Endpoint:        cfg.Vespa.Endpoint,
		Timeout:         cfg.Vespa.Timeout,
		FeedConcurrency: cfg.Vespa.FeedConcurrency,
		FeedAttempts:    cfg.Vespa.FeedAttempts,
	}, logger)

	openai := llm.New("", cfg.Embedding.OpenAIAPIKey, 0, logger)
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
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
	}, db, openai, nil, logger)

	chunker := chunk.New(chunk.Config{
		TargetTokens:  cfg.Ingest.TargetChunkTokens,
		OverlapTokens: cfg.Ingest.ChunkOverlapTokens,
	}, nil)

	source, err := buildSource(cfg.Source, logger)
	if err != nil {
		logger.Fatal("Failed to build message source", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := source.Start(ctx); err != nil {
		logger.Fatal("Failed to start message source", zap.Error(err))
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := source.Stop(stopCtx); err != nil {
			logger.Warn("source stop failed", zap.Error(err))
		}
	}()

	counters := &ingest.Counters{}
	proc := ingest.NewProcessor(db, source, chunker, embedder, engine, ingest.ProcessorConfig{
		ChunkingVersion:    cfg.Ingest.ChunkingVersion,
		ReplyContextTokens: cfg.Ingest.ReplyContextTokens,
		DryRun:             args.dryRun,
	}, counters, logger)

	state := ingest.NewCheckpointStore(cfg.Ingest.BackfillStatePath, logger)

	var chats []string
	if args.chats != "" {
		for _, name := range strings.Split(args.chats, ",") {
			if name = strings.TrimSpace(name); name != "" {
				chats = append(chats, name)
			}
		}
	}

	coord := ingest.NewCoordinator(source, proc, state, ingest.Options{
		Chats:              chats,
		Days:               args.days,
		LimitMessages:      args.limitMessages,
		SleepPerMessage:    time.Duration(args.sleepMs) * time.Millisecond,
		WorkerConcurrency:  cfg.Ingest.DaemonWorkerConcurrency,
		LookbackWindow:     cfg.Ingest.LookbackWindow(),
		LookbackLimit:      cfg.Ingest.LookbackMessageLimit,
		SweepInterval:      cfg.Ingest.SweepInterval(),
		SweepDays:          cfg.Ingest.HourlySweepDays,
		ConnectionCheck:    time.Duration(cfg.Ingest.DaemonConnectionCheckSecs) * time.Second,
		CheckpointInterval: cfg.Ingest.BackfillCheckpointInterval,
	}, counters, logger)

	if args.once {
		if err := coord.RunOnce(ctx); err != nil {
			logger.Fatal("indexing failed", zap.Error(err))
		}
		return
	}
	if err := coord.RunDaemon(ctx); err != nil {
		logger.Fatal("daemon failed", zap.Error(err))
	}
	logger.Info("daemon stopped")
}

func buildSource(cfg config.SourceConfig, logger *zap.Logger) (ingest.Source, error) {
	switch cfg.Type {
	case "export", "":
		if cfg.ExportPath == "" {
			return nil, fmt.Errorf("source.export_path is required for the export source")
		}
		return ingest.NewExportSource(cfg.ExportPath, logger), nil
	case "stub":
		return ingest.NewStubSource(), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Type)
	}
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
