// Package embed turns chunk texts into vectors through a durable
// content-addressed cache, with batching, cost guarding, and a deterministic
// stub mode for offline runs.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rtyshyk/telegram-rag/internal/llm"
	"github.com/rtyshyk/telegram-rag/internal/metrics"
	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/pricing"
)

// ErrBudgetExceeded aborts an embedding run whose estimated cost would meet
// or exceed the configured daily budget. Raised before any provider call.
var ErrBudgetExceeded = errors.New("daily embedding budget exceeded")

const embedAttempts = 3

// CacheStore is the durable embedding cache backing EmbedTexts.
type CacheStore interface {
	GetCachedEmbeddings(ctx context.Context, hashes []string) (map[string]models.EmbeddingCacheEntry, error)
	CacheEmbedding(ctx context.Context, e models.EmbeddingCacheEntry) error
}

// Provider produces embeddings remotely.
type Provider interface {
	Embeddings(ctx context.Context, model string, inputs []string) (*llm.EmbeddingResult, error)
}

// Config tunes the embedder. Zero values pick the defaults noted per field.
type Config struct {
	Model             string        // text-embedding-3-large
	Dimensions        int           // inferred from Model when 0
	BatchSize         int           // 64
	Concurrency       int           // 4
	DailyBudgetUSD    float64       // 0 disables the gate
	BackoffBase       time.Duration // 500ms
	BackoffMax        time.Duration // 0 means uncapped
	Stub              bool
	ChunkingVersion   int
	PreprocessVersion int
	QueryCacheSize    int           // 256
	QueryCacheTTL     time.Duration // 10m
	RequestsPerSecond float64       // 0 disables pacing
}

// Embedder batches texts to the provider, caching every vector it produces.
type Embedder struct {
	cfg     Config
	cache   CacheStore
	client  Provider
	l2      QueryCache
	lru     *LocalLRU
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds an Embedder. cache may be nil (query-only use), client may be
// nil in stub mode, l2 is an optional shared query cache.
func New(cfg Config, cache CacheStore, client Provider, l2 QueryCache, logger *zap.Logger) *Embedder {
	if cfg.Model == "" {
		cfg.Model = models.EmbedModelLarge
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = models.EmbedDim(cfg.Model)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.QueryCacheTTL <= 0 {
		cfg.QueryCacheTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Embedder{
		cfg:     cfg,
		cache:   cache,
		client:  client,
		l2:      l2,
		lru:     NewLocalLRU(cfg.QueryCacheSize),
		limiter: limiter,
		logger:  logger,
	}
}

// Model returns the embedding model in use.
func (e *Embedder) Model() string { return e.cfg.Model }

// Dimensions returns the expected vector width.
func (e *Embedder) Dimensions() int { return e.cfg.Dimensions }

// Hash computes the cache key of a chunk text under the current settings.
func (e *Embedder) Hash(text string) string {
	return TextHash(text, e.cfg.Model, e.cfg.ChunkingVersion, e.cfg.PreprocessVersion, "")
}

type pendingText struct {
	hash string
	text string
}

// EmbedTexts returns a vector per distinct text, keyed by text hash. Cached
// vectors are served from the durable cache; misses are embedded in batches
// and written back. In dry-run mode misses are costed but never embedded.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string, dryRun bool) (map[string][]float32, error) {
	results := make(map[string][]float32, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	seen := make(map[string]string, len(texts))
	order := make([]string, 0, len(texts))
	for _, t := range texts {
		h := e.Hash(t)
		if _, ok := seen[h]; !ok {
			seen[h] = t
			order = append(order, h)
		}
	}

	cached := map[string]models.EmbeddingCacheEntry{}
	if e.cache != nil {
		var err error
		cached, err = e.cache.GetCachedEmbeddings(ctx, order)
		if err != nil {
			return nil, fmt.Errorf("failed to probe embedding cache: %w", err)
		}
	}

	var pending []pendingText
	for _, h := range order {
		if entry, ok := cached[h]; ok && entry.Model == e.cfg.Model && len(entry.Vector) > 0 {
			results[h] = entry.Vector
			metrics.CacheHits.Inc()
			continue
		}
		pending = append(pending, pendingText{hash: h, text: seen[h]})
		metrics.CacheMisses.Inc()
	}

	if len(pending) == 0 {
		e.logger.Info("all embeddings served from cache", zap.Int("texts", len(texts)))
		return results, nil
	}

	var estTokens float64
	for _, p := range pending {
		estTokens += float64(len(strings.Fields(p.text))) * 1.3
	}
	estCost := pricing.EmbeddingCostUSD(e.cfg.Model, int(estTokens))
	metrics.RecordEmbeddingUsage(int(estTokens), estCost)

	e.logger.Info("embedding misses",
		zap.Int("to_embed", len(pending)),
		zap.Int("from_cache", len(results)),
		zap.Int("estimated_tokens", int(estTokens)),
		zap.Float64("estimated_cost_usd", estCost))

	if dryRun {
		e.logger.Info("dry run, skipping embedding")
		return results, nil
	}

	if e.cfg.DailyBudgetUSD > 0 && estCost >= e.cfg.DailyBudgetUSD {
		metrics.BudgetRejections.Inc()
		e.logger.Warn("embedding budget gate tripped",
			zap.Float64("estimated_cost_usd", estCost),
			zap.Float64("budget_usd", e.cfg.DailyBudgetUSD),
			zap.Int("texts", len(pending)))
		return nil, fmt.Errorf("estimated cost $%.6f >= budget $%.6f: %w",
			estCost, e.cfg.DailyBudgetUSD, ErrBudgetExceeded)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	batches := 0
	for start := 0; start < len(pending); start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		batches++

		g.Go(func() error {
			vectors, err := e.embedBatch(gctx, batch)
			if err != nil {
				return err
			}
			for i, p := range batch {
				vec := vectors[i]
				if len(vec) != e.cfg.Dimensions {
					e.logger.Warn("vector dimension mismatch",
						zap.String("model", e.cfg.Model),
						zap.Int("got", len(vec)),
						zap.Int("want", e.cfg.Dimensions))
				}
				mu.Lock()
				results[p.hash] = vec
				mu.Unlock()

				if e.cache != nil {
					entry := models.EmbeddingCacheEntry{
						TextHash:          p.hash,
						Model:             e.cfg.Model,
						Dim:               len(vec),
						Vector:            vec,
						ChunkingVersion:   e.cfg.ChunkingVersion,
						PreprocessVersion: e.cfg.PreprocessVersion,
					}
					if err := e.cache.CacheEmbedding(gctx, entry); err != nil {
						e.logger.Warn("failed to cache embedding", zap.String("text_hash", p.hash), zap.Error(err))
					}
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.logger.Info("embedded texts", zap.Int("texts", len(pending)), zap.Int("batches", batches))
	return results, nil
}

// embedBatch embeds one batch with retry, returning vectors in batch order.
func (e *Embedder) embedBatch(ctx context.Context, batch []pendingText) ([][]float32, error) {
	if e.cfg.Stub {
		out := make([][]float32, len(batch))
		for i, p := range batch {
			out[i] = StubVector(p.hash, e.cfg.Dimensions)
		}
		return out, nil
	}
	if e.client == nil {
		return nil, errors.New("embedding provider not configured")
	}

	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.text
	}

	var lastErr error
	for attempt := 0; attempt < embedAttempts; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		res, err := e.client.Embeddings(ctx, e.cfg.Model, texts)
		if err == nil {
			return res.Vectors, nil
		}
		lastErr = err
		e.logger.Warn("embedding batch failed",
			zap.Int("attempt", attempt+1),
			zap.Int("batch_size", len(texts)),
			zap.Error(err))
		if !llm.IsRetryable(err) || attempt == embedAttempts-1 {
			break
		}
		wait := e.cfg.BackoffBase * time.Duration(1<<attempt)
		if e.cfg.BackoffMax > 0 && wait > e.cfg.BackoffMax {
			wait = e.cfg.BackoffMax
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("embedding batch failed after %d attempts: %w", embedAttempts, lastErr)
}

// EmbedQuery embeds one search query through the in-process LRU and the
// optional shared cache. Query embedding bypasses the daily budget gate;
// interactive search must not be starved by a large backfill.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := QueryKey(e.cfg.Model, text)

	if v, ok := e.lru.Get(ctx, key); ok {
		metrics.QueryCacheHits.Inc()
		return v, nil
	}
	if e.l2 != nil {
		if v, ok := e.l2.Get(ctx, key); ok {
			e.lru.Set(ctx, key, v, e.cfg.QueryCacheTTL)
			metrics.QueryCacheHits.Inc()
			return v, nil
		}
	}
	metrics.QueryCacheMisses.Inc()

	var vec []float32
	if e.cfg.Stub {
		sum := sha256.Sum256([]byte(e.cfg.Model + ":" + text))
		vec = StubVector(hex.EncodeToString(sum[:]), e.cfg.Dimensions)
	} else {
		if e.client == nil {
			return nil, errors.New("embedding provider not configured")
		}
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		res, err := e.client.Embeddings(ctx, e.cfg.Model, []string{text})
		if err != nil {
			return nil, err
		}
		if len(res.Vectors) != 1 {
			return nil, fmt.Errorf("expected 1 query vector, got %d", len(res.Vectors))
		}
		vec = res.Vectors[0]
	}

	e.lru.Set(ctx, key, vec, e.cfg.QueryCacheTTL)
	if e.l2 != nil {
		e.l2.Set(ctx, key, vec, e.cfg.QueryCacheTTL)
	}
	return vec, nil
}

// StubVector derives a unit-length pseudo vector from a hash string. Equal
// hashes always map to equal vectors, which is what the offline tests need.
func StubVector(textHash string, dim int) []float32 {
	raw, err := hex.DecodeString(textHash)
	if err != nil || len(raw) == 0 {
		sum := sha256.Sum256([]byte(textHash))
		raw = sum[:]
	}
	v := make([]float32, dim)
	var mag float64
	for i := range v {
		f := float64(raw[i%len(raw)])/255.0*2.0 - 1.0
		v[i] = float32(f)
		mag += f * f
	}
	mag = math.Sqrt(mag)
	if mag > 0 {
		for i := range v {
			v[i] = float32(float64(v[i]) / mag)
		}
	}
	return v
}
