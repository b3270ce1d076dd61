package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration shared by the API server and the indexer.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Vespa     VespaConfig     `mapstructure:"vespa"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Search    SearchConfig    `mapstructure:"search"`
	Rerank    RerankConfig    `mapstructure:"rerank"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Source    SourceConfig    `mapstructure:"source"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServiceConfig contains HTTP server settings.
type ServiceConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout   time.Duration `mapstructure:"graceful_timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
}

// AuthConfig contains the single-user auth and CORS settings.
type AuthConfig struct {
	AppUser                string `mapstructure:"app_user"`
	AppUserHashBcrypt      string `mapstructure:"app_user_hash_bcrypt"`
	SessionSecret          string `mapstructure:"session_secret"`
	SessionTTLHours        int    `mapstructure:"session_ttl_hours"`
	LoginRateMaxAttempts   int    `mapstructure:"login_rate_max_attempts"`
	LoginRateWindowSeconds int    `mapstructure:"login_rate_window_seconds"`
	UIOrigin               string `mapstructure:"ui_origin"`
	CORSAllowAll           bool   `mapstructure:"cors_allow_all"`
}

// PostgresConfig contains durable storage settings.
type PostgresConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	MaxOpen     int    `mapstructure:"max_open"`
	MaxIdle     int    `mapstructure:"max_idle"`
}

// RedisConfig contains the optional Redis settings used for the API request
// limiter and the query embedding cache. Empty Addr disables Redis and the
// consumers fall back to in-process state.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// VespaConfig contains search engine settings.
type VespaConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	Timeout         time.Duration `mapstructure:"timeout"`
	FeedConcurrency int           `mapstructure:"feed_concurrency"`
	FeedAttempts    int           `mapstructure:"feed_attempts"`
}

// EmbeddingConfig contains embedding provider settings.
type EmbeddingConfig struct {
	OpenAIAPIKey      string  `mapstructure:"openai_api_key"`
	Model             string  `mapstructure:"model"`
	Dimensions        int     `mapstructure:"dimensions"`
	BatchSize         int     `mapstructure:"batch_size"`
	Concurrency       int     `mapstructure:"concurrency"`
	DailyBudgetUSD    float64 `mapstructure:"daily_budget_usd"`
	BackoffBaseMs     int     `mapstructure:"backoff_base_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	Stub              bool    `mapstructure:"stub"`
	QueryCacheSize    int     `mapstructure:"query_cache_size"`
	QueryCacheTTLSecs int     `mapstructure:"query_cache_ttl_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// SearchConfig contains retrieval knobs.
type SearchConfig struct {
	DefaultLimit           int `mapstructure:"default_limit"`
	SeedLimit              int `mapstructure:"seed_limit"`
	SeedsPerChat           int `mapstructure:"seeds_per_chat"`
	SeedDedupeMessageGap   int `mapstructure:"seed_dedupe_message_gap"`
	SeedDedupeTimeGapSecs  int `mapstructure:"seed_dedupe_time_gap_seconds"`
	NeighborMessageWindow  int `mapstructure:"neighbor_message_window"`
	NeighborTimeWindowMins int `mapstructure:"neighbor_time_window_minutes"`
	NeighborMinMessages    int `mapstructure:"neighbor_min_messages"`
	CandidateMaxMessages   int `mapstructure:"candidate_max_messages"`
	CandidateTokenLimit    int `mapstructure:"candidate_token_limit"`
	ContextMaxReturn       int `mapstructure:"context_max_return"`
	ExpansionMaxLevel      int `mapstructure:"expansion_max_level"`
	ExpansionSeedStep      int `mapstructure:"expansion_seed_step"`
	ExpansionResultStep    int `mapstructure:"expansion_result_step"`
	ExpansionRerankStep    int `mapstructure:"expansion_rerank_step"`
}

// RerankConfig contains reranker settings.
type RerankConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	VoyageAPIKey   string `mapstructure:"voyage_api_key"`
	Stub           bool   `mapstructure:"stub"`
	Model          string `mapstructure:"model"`
	CandidateLimit int    `mapstructure:"candidate_limit"`
}

// ModelOption is one selectable chat model.
type ModelOption struct {
	Label string `mapstructure:"label" json:"label"`
	ID    string `mapstructure:"id" json:"id"`
}

// ChatConfig contains answerer settings.
type ChatConfig struct {
	DefaultK            int           `mapstructure:"default_k"`
	MaxContextTokens    int           `mapstructure:"max_context_tokens"`
	RateLimitRPM        int           `mapstructure:"rate_limit_rpm"`
	SearchDecisionModel string        `mapstructure:"search_decision_model"`
	ReformulationModel  string        `mapstructure:"reformulation_model"`
	Models              []ModelOption `mapstructure:"models"`
}

// IngestConfig contains indexer pipeline settings.
type IngestConfig struct {
	ChunkingVersion            int    `mapstructure:"chunking_version"`
	PreprocessVersion          int    `mapstructure:"preprocess_version"`
	ReplyContextTokens         int    `mapstructure:"reply_context_tokens"`
	TargetChunkTokens          int    `mapstructure:"target_chunk_tokens"`
	ChunkOverlapTokens         int    `mapstructure:"chunk_overlap_tokens"`
	DaemonWorkerConcurrency    int    `mapstructure:"daemon_worker_concurrency"`
	DaemonLookbackMinutes      int    `mapstructure:"daemon_lookback_minutes"`
	DaemonConnectionCheckSecs  int    `mapstructure:"daemon_connection_check_secs"`
	HourlySweepIntervalMinutes int    `mapstructure:"hourly_sweep_interval_minutes"`
	HourlySweepDays            int    `mapstructure:"hourly_sweep_days"`
	BackfillStatePath          string `mapstructure:"backfill_state_path"`
	BackfillCheckpointInterval int    `mapstructure:"backfill_checkpoint_interval"`
	LookbackMessageLimit       int    `mapstructure:"lookback_message_limit"`
	MetricsAddr                string `mapstructure:"metrics_addr"`
}

// SourceConfig selects where the indexer reads messages from.
type SourceConfig struct {
	Type       string `mapstructure:"type"`
	ExportPath string `mapstructure:"export_path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// DefaultModels is the chat model catalog exposed on /models.
func DefaultModels() []ModelOption {
	return []ModelOption{
		{Label: "gpt 5", ID: "gpt-5"},
		{Label: "gpt5 mini", ID: "gpt-5-mini"},
		{Label: "gpt5 nano", ID: "gpt-5-nano"},
	}
}

// ResolveModelID maps a model label or id to a model id, falling back to the
// default (first) model when the input is unknown or empty.
func (c *ChatConfig) ResolveModelID(labelOrID string) string {
	models := c.Models
	if len(models) == 0 {
		models = DefaultModels()
	}
	for _, m := range models {
		if m.Label == labelOrID || m.ID == labelOrID {
			return m.ID
		}
	}
	return models[0].ID
}

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"service.listen_addr":                  "API_ADDR",
	"service.requests_per_minute":          "API_REQUESTS_PER_MINUTE",
	"auth.app_user":                        "APP_USER",
	"auth.app_user_hash_bcrypt":            "APP_USER_HASH_BCRYPT",
	"auth.session_secret":                  "SESSION_SECRET",
	"auth.session_ttl_hours":               "SESSION_TTL_HOURS",
	"auth.login_rate_max_attempts":         "LOGIN_RATE_MAX_ATTEMPTS",
	"auth.login_rate_window_seconds":       "LOGIN_RATE_WINDOW_SECONDS",
	"auth.ui_origin":                       "UI_ORIGIN",
	"auth.cors_allow_all":                  "CORS_ALLOW_ALL",
	"postgres.database_url":                "DATABASE_URL",
	"redis.addr":                           "REDIS_ADDR",
	"redis.password":                       "REDIS_PASSWORD",
	"vespa.endpoint":                       "VESPA_ENDPOINT",
	"embedding.openai_api_key":             "OPENAI_API_KEY",
	"embedding.model":                      "EMBED_MODEL",
	"embedding.dimensions":                 "EMBED_DIMENSIONS",
	"embedding.batch_size":                 "EMBED_BATCH_SIZE",
	"embedding.concurrency":                "EMBED_CONCURRENCY",
	"embedding.daily_budget_usd":           "DAILY_EMBED_BUDGET_USD",
	"embedding.backoff_base_ms":            "BACKOFF_BASE_MS",
	"embedding.backoff_max_ms":             "BACKOFF_MAX_MS",
	"embedding.stub":                       "OPENAI_STUB",
	"search.default_limit":                 "SEARCH_DEFAULT_LIMIT",
	"search.seed_limit":                    "SEARCH_SEED_LIMIT",
	"search.seeds_per_chat":                "SEARCH_SEEDS_PER_CHAT",
	"search.seed_dedupe_message_gap":       "SEARCH_SEED_DEDUPE_MESSAGE_GAP",
	"search.seed_dedupe_time_gap_seconds":  "SEARCH_SEED_DEDUPE_TIME_GAP_SECONDS",
	"search.neighbor_message_window":       "SEARCH_NEIGHBOR_MESSAGE_WINDOW",
	"search.neighbor_time_window_minutes":  "SEARCH_NEIGHBOR_TIME_WINDOW_MINUTES",
	"search.neighbor_min_messages":         "SEARCH_NEIGHBOR_MIN_MESSAGES",
	"search.candidate_max_messages":        "SEARCH_CANDIDATE_MAX_MESSAGES",
	"search.candidate_token_limit":         "SEARCH_CANDIDATE_TOKEN_LIMIT",
	"search.context_max_return":            "SEARCH_CONTEXT_MAX_RETURN",
	"search.expansion_max_level":           "SEARCH_EXPANSION_MAX_LEVEL",
	"search.expansion_seed_step":           "SEARCH_EXPANSION_SEED_STEP",
	"search.expansion_result_step":         "SEARCH_EXPANSION_RESULT_STEP",
	"search.expansion_rerank_step":         "SEARCH_EXPANSION_RERANK_STEP",
	"rerank.enabled":                       "RERANK_ENABLED",
	"rerank.voyage_api_key":                "VOYAGE_API_KEY",
	"rerank.stub":                          "VOYAGE_STUB",
	"rerank.model":                         "RERANK_MODEL",
	"rerank.candidate_limit":               "RERANK_CANDIDATE_LIMIT",
	"chat.default_k":                       "CHAT_DEFAULT_K",
	"chat.max_context_tokens":              "CHAT_MAX_CONTEXT_TOKENS",
	"chat.rate_limit_rpm":                  "CHAT_RATE_LIMIT_RPM",
	"chat.search_decision_model":           "CHAT_SEARCH_DECISION_MODEL",
	"chat.reformulation_model":             "CHAT_REFORMULATION_MODEL",
	"ingest.chunking_version":              "CHUNKING_VERSION",
	"ingest.preprocess_version":            "PREPROCESS_VERSION",
	"ingest.reply_context_tokens":          "REPLY_CONTEXT_TOKENS",
	"ingest.target_chunk_tokens":           "TARGET_CHUNK_TOKENS",
	"ingest.chunk_overlap_tokens":          "CHUNK_OVERLAP_TOKENS",
	"ingest.daemon_worker_concurrency":     "DAEMON_WORKER_CONCURRENCY",
	"ingest.daemon_lookback_minutes":       "DAEMON_LOOKBACK_MINUTES",
	"ingest.daemon_connection_check_secs":  "DAEMON_CONNECTION_CHECK_SECS",
	"ingest.hourly_sweep_interval_minutes": "HOURLY_SWEEP_INTERVAL_MINUTES",
	"ingest.hourly_sweep_days":             "HOURLY_SWEEP_DAYS",
	"ingest.backfill_state_path":           "BACKFILL_STATE_PATH",
	"ingest.backfill_checkpoint_interval":  "BACKFILL_CHECKPOINT_INTERVAL",
	"ingest.lookback_message_limit":        "LOOKBACK_MESSAGE_LIMIT",
	"ingest.metrics_addr":                  "INDEXER_METRICS_ADDR",
	"source.type":                          "SOURCE_TYPE",
	"source.export_path":                   "SOURCE_EXPORT_PATH",
	"logging.level":                        "LOG_LEVEL",
	"logging.encoding":                     "LOG_ENCODING",
	"tracing.enabled":                      "ENABLE_TRACING",
	"tracing.service_name":                 "TRACING_SERVICE_NAME",
	"tracing.otlp_endpoint":                "OTLP_ENDPOINT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.listen_addr", ":8000")
	v.SetDefault("service.read_timeout", 30*time.Second)
	v.SetDefault("service.write_timeout", 0) // streaming responses manage their own deadlines
	v.SetDefault("service.graceful_timeout", 15*time.Second)
	v.SetDefault("service.requests_per_minute", 120)

	v.SetDefault("auth.session_ttl_hours", 24)
	v.SetDefault("auth.login_rate_max_attempts", 5)
	v.SetDefault("auth.login_rate_window_seconds", 900)
	v.SetDefault("auth.cors_allow_all", false)

	v.SetDefault("postgres.max_open", 10)
	v.SetDefault("postgres.max_idle", 5)

	v.SetDefault("redis.db", 0)

	v.SetDefault("vespa.endpoint", "http://vespa:8080")
	v.SetDefault("vespa.timeout", 20*time.Second)
	v.SetDefault("vespa.feed_concurrency", 5)
	v.SetDefault("vespa.feed_attempts", 3)

	v.SetDefault("embedding.model", "text-embedding-3-large")
	v.SetDefault("embedding.dimensions", 3072)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("embedding.daily_budget_usd", 0.0)
	v.SetDefault("embedding.backoff_base_ms", 500)
	v.SetDefault("embedding.backoff_max_ms", 30000)
	v.SetDefault("embedding.query_cache_size", 256)
	v.SetDefault("embedding.query_cache_ttl_seconds", 600)
	v.SetDefault("embedding.requests_per_second", 0.0)

	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.seed_limit", 30)
	v.SetDefault("search.seeds_per_chat", 0)
	v.SetDefault("search.seed_dedupe_message_gap", 10)
	v.SetDefault("search.seed_dedupe_time_gap_seconds", 120)
	v.SetDefault("search.neighbor_message_window", 15)
	v.SetDefault("search.neighbor_time_window_minutes", 45)
	v.SetDefault("search.neighbor_min_messages", 5)
	v.SetDefault("search.candidate_max_messages", 80)
	v.SetDefault("search.candidate_token_limit", 1800)
	v.SetDefault("search.context_max_return", 25)
	v.SetDefault("search.expansion_max_level", 3)
	v.SetDefault("search.expansion_seed_step", 30)
	v.SetDefault("search.expansion_result_step", 5)
	v.SetDefault("search.expansion_rerank_step", 40)

	v.SetDefault("rerank.enabled", false)
	v.SetDefault("rerank.model", "rerank-2.5-lite")
	v.SetDefault("rerank.candidate_limit", 40)

	v.SetDefault("chat.default_k", 50)
	v.SetDefault("chat.max_context_tokens", 50000)
	v.SetDefault("chat.rate_limit_rpm", 30)
	v.SetDefault("chat.search_decision_model", "gpt-4.1")
	v.SetDefault("chat.reformulation_model", "gpt-4.1")

	v.SetDefault("ingest.chunking_version", 1)
	v.SetDefault("ingest.preprocess_version", 1)
	v.SetDefault("ingest.reply_context_tokens", 120)
	v.SetDefault("ingest.target_chunk_tokens", 1000)
	v.SetDefault("ingest.chunk_overlap_tokens", 150)
	v.SetDefault("ingest.daemon_worker_concurrency", 3)
	v.SetDefault("ingest.daemon_lookback_minutes", 5)
	v.SetDefault("ingest.daemon_connection_check_secs", 60)
	v.SetDefault("ingest.hourly_sweep_interval_minutes", 60)
	v.SetDefault("ingest.hourly_sweep_days", 7)
	v.SetDefault("ingest.backfill_state_path", "/data/backfill_state.json")
	v.SetDefault("ingest.backfill_checkpoint_interval", 50)
	v.SetDefault("ingest.lookback_message_limit", 250)
	v.SetDefault("ingest.metrics_addr", ":2112")

	v.SetDefault("source.type", "export")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.encoding", "json")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "telegram-rag")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads configuration from an optional yaml file (CONFIG_PATH, then
// ./config/app.yaml) with environment variables taking precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("./config/app.yaml"); err == nil {
			cfgPath = "./config/app.yaml"
		}
	}
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Chat.Models) == 0 {
		cfg.Chat.Models = DefaultModels()
	}
	return &cfg, nil
}

// ValidateAPI checks the fields the API server cannot run without.
func (c *Config) ValidateAPI() error {
	var missing []string
	if c.Auth.AppUser == "" {
		missing = append(missing, "app_user")
	}
	if c.Auth.AppUserHashBcrypt == "" {
		missing = append(missing, "app_user_hash_bcrypt")
	}
	if c.Auth.SessionSecret == "" {
		missing = append(missing, "session_secret")
	}
	if c.Vespa.Endpoint == "" {
		missing = append(missing, "vespa_endpoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if len(c.Auth.SessionSecret) < 16 {
		return fmt.Errorf("session_secret must be at least 16 characters")
	}
	if !c.Embedding.Stub && c.Embedding.OpenAIAPIKey == "" {
		return fmt.Errorf("openai_api_key is required unless the embedding stub is enabled")
	}
	if c.Rerank.Enabled && !c.Rerank.Stub && c.Rerank.VoyageAPIKey == "" {
		return fmt.Errorf("voyage_api_key is required when rerank is enabled")
	}
	return c.validateEmbedding()
}

// ValidateIndexer checks the fields the indexer cannot run without.
func (c *Config) ValidateIndexer() error {
	var missing []string
	if c.Postgres.DatabaseURL == "" {
		missing = append(missing, "database_url")
	}
	if c.Vespa.Endpoint == "" {
		missing = append(missing, "vespa_endpoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if !c.Embedding.Stub && c.Embedding.OpenAIAPIKey == "" {
		return fmt.Errorf("openai_api_key is required unless the embedding stub is enabled")
	}
	return c.validateEmbedding()
}

func (c *Config) validateEmbedding() error {
	switch c.Embedding.Model {
	case "text-embedding-3-small":
		if c.Embedding.Dimensions != 1536 {
			return fmt.Errorf("embed_dimensions must be 1536 for %s", c.Embedding.Model)
		}
	case "text-embedding-3-large":
		if c.Embedding.Dimensions != 3072 {
			return fmt.Errorf("embed_dimensions must be 3072 for %s", c.Embedding.Model)
		}
	default:
		return fmt.Errorf("unsupported embed_model %q", c.Embedding.Model)
	}
	return nil
}

// SessionTTL returns the session lifetime as a duration.
func (c *AuthConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

// LoginRateWindow returns the login throttling window as a duration.
func (c *AuthConfig) LoginRateWindow() time.Duration {
	return time.Duration(c.LoginRateWindowSeconds) * time.Second
}

// QueryCacheTTL returns the query embedding cache TTL as a duration.
func (c *EmbeddingConfig) QueryCacheTTL() time.Duration {
	return time.Duration(c.QueryCacheTTLSecs) * time.Second
}

// Backoff returns the embedding retry backoff bounds.
func (c *EmbeddingConfig) Backoff() (base, max time.Duration) {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond,
		time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// LookbackWindow returns the daemon look-back duration.
func (c *IngestConfig) LookbackWindow() time.Duration {
	return time.Duration(c.DaemonLookbackMinutes) * time.Minute
}

// SweepInterval returns the hourly sweep tick interval.
func (c *IngestConfig) SweepInterval() time.Duration {
	return time.Duration(c.HourlySweepIntervalMinutes) * time.Minute
}
