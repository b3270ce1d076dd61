package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_messages_processed_total",
			Help: "Total number of messages processed by the indexer",
		},
		[]string{"status"},
	)

	ChunksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgrag_chunks_indexed_total",
			Help: "Total number of chunks fed to the search index",
		},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tgrag_ingest_queue_depth",
			Help: "Number of messages waiting in the ingest queue",
		},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_embedding_requests_total",
			Help: "Total number of embedding API requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgrag_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgrag_embedding_tokens_total",
			Help: "Total tokens sent to the embedding API",
		},
	)

	EmbeddingCostUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgrag_embedding_cost_usd_total",
			Help: "Estimated cumulative embedding cost in USD",
		},
	)

	// Embedding cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgrag_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgrag_embedding_cache_misses_total",
			Help: "Total number of embedding cache misses",
		},
	)

	QueryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgrag_query_cache_hits_total",
			Help: "Total number of query embedding cache hits",
		},
	)

	QueryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgrag_query_cache_misses_total",
			Help: "Total number of query embedding cache misses",
		},
	)

	// Index feed metrics
	FeedOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_feed_operations_total",
			Help: "Total number of index feed operations",
		},
		[]string{"operation", "status"},
	)

	FeedLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgrag_feed_latency_seconds",
			Help:    "Index feed operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Search metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"profile", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgrag_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"profile"},
	)

	RerankRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_rerank_requests_total",
			Help: "Total number of rerank requests",
		},
		[]string{"status"},
	)

	RerankLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tgrag_rerank_latency_seconds",
			Help:    "Rerank latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Chat metrics
	ChatRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_chat_requests_total",
			Help: "Total number of chat completions",
		},
		[]string{"model", "status"},
	)

	ChatTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tgrag_chat_tokens_used",
			Help:    "Number of tokens used per chat turn",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
	)

	ChatCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tgrag_chat_cost_usd",
			Help:    "Cost in USD per chat turn",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
	)

	ActiveChatStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tgrag_chat_streams_active",
			Help: "Number of chat answer streams currently open",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tgrag_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// Auth metrics
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"result"},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Budget metrics
	BudgetRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tgrag_budget_rejections_total",
			Help: "Total number of embedding runs refused by the daily budget gate",
		},
	)

	// Checkpoint metrics
	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tgrag_checkpoint_writes_total",
			Help: "Total number of backfill checkpoint writes",
		},
		[]string{"status"},
	)
)

// RecordMessageProcessed records the outcome of one ingested message.
func RecordMessageProcessed(status string) {
	MessagesProcessed.WithLabelValues(status).Inc()
}

// RecordEmbeddingMetrics records embedding request metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordEmbeddingUsage accumulates tokens and estimated cost for embedding calls.
func RecordEmbeddingUsage(tokens int, costUSD float64) {
	if tokens > 0 {
		EmbeddingTokens.Add(float64(tokens))
	}
	if costUSD > 0 {
		EmbeddingCostUSD.Add(costUSD)
	}
}

// RecordFeedMetrics records index feed metrics
func RecordFeedMetrics(operation, status string, durationSeconds float64) {
	FeedOperations.WithLabelValues(operation, status).Inc()
	if durationSeconds > 0 {
		FeedLatency.WithLabelValues(operation).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics
func RecordVectorSearchMetrics(profile, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(profile, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(profile).Observe(durationSeconds)
	}
}

// RecordRerankMetrics records rerank metrics
func RecordRerankMetrics(status string, durationSeconds float64) {
	RerankRequests.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		RerankLatency.Observe(durationSeconds)
	}
}

// RecordChatMetrics records metrics for a completed chat turn
func RecordChatMetrics(model, status string, tokensUsed int, costUSD float64) {
	ChatRequests.WithLabelValues(model, status).Inc()
	if tokensUsed > 0 {
		ChatTokensUsed.Observe(float64(tokensUsed))
	}
	if costUSD > 0 {
		ChatCostUSD.Observe(costUSD)
	}
}

// RecordHTTPRequest records metrics for one HTTP request
func RecordHTTPRequest(path, method, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(path, method, status).Inc()
	HTTPRequestDuration.WithLabelValues(path, method).Observe(durationSeconds)
}

// RecordLoginAttempt records a login attempt outcome
func RecordLoginAttempt(result string) {
	LoginAttempts.WithLabelValues(result).Inc()
}
