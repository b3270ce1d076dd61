package search

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/llm"
	"github.com/rtyshyk/telegram-rag/internal/models"
)

type fakeRerankProvider struct {
	mu    sync.Mutex
	model string
	query string
	docs  []string
	topN  int
	hits  []llm.RerankHit
	err   error
}

func (f *fakeRerankProvider) Rerank(_ context.Context, model, query string, documents []string, topN int) ([]llm.RerankHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.model, f.query, f.docs, f.topN = model, query, documents, topN
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func candidate(id int64, text string, retrieval float64) models.SearchResult {
	return models.SearchResult{
		ChatID:         "chat",
		SeedMessageID:  id,
		Text:           text,
		SeedScore:      retrieval,
		RetrievalScore: retrieval,
	}
}

func TestStubRerankerOrdersByOverlap(t *testing.T) {
	cands := []models.SearchResult{
		candidate(50, "Lunch at noon?\nLunch tomorrow?", 0.8),
		candidate(60, "Travel update\nFlight leaves 11:34", 0.6),
	}

	out := StubReranker{}.Rerank(context.Background(), "flight 11:34", cands, 2)

	require.Len(t, out, 2)
	assert.Equal(t, int64(60), out[0].SeedMessageID)
	require.NotNil(t, out[0].RerankScore)
	assert.Equal(t, 1.0, *out[0].RerankScore)
	require.NotNil(t, out[1].RerankScore)
	assert.Equal(t, 0.0, *out[1].RerankScore)
}

func TestStubRerankerTieBreaksByRetrievalScore(t *testing.T) {
	cands := []models.SearchResult{
		candidate(1, "nothing relevant", 0.5),
		candidate(2, "also irrelevant", 0.9),
	}

	out := StubReranker{}.Rerank(context.Background(), "flight", cands, 2)

	assert.Equal(t, int64(2), out[0].SeedMessageID)
	assert.Equal(t, int64(1), out[1].SeedMessageID)
}

func TestStubRerankerTruncatesToTopN(t *testing.T) {
	cands := []models.SearchResult{
		candidate(1, "flight one", 0.9),
		candidate(2, "flight two", 0.8),
		candidate(3, "flight three", 0.7),
	}

	out := StubReranker{}.Rerank(context.Background(), "flight", cands, 2)

	assert.Len(t, out, 2)
}

func TestStubRerankerCaseInsensitiveOverlap(t *testing.T) {
	cands := []models.SearchResult{
		candidate(1, "FLIGHT LEAVES SOON", 0.1),
		candidate(2, "lunch plans", 0.9),
	}

	out := StubReranker{}.Rerank(context.Background(), "Flight", cands, 2)

	assert.Equal(t, int64(1), out[0].SeedMessageID)
}

func TestVoyageRerankerAppliesProviderOrder(t *testing.T) {
	provider := &fakeRerankProvider{hits: []llm.RerankHit{
		{Index: 1, Score: 0.93},
		{Index: 0, Score: 0.54},
	}}
	r := NewVoyageReranker(provider, "rerank-2.5-lite", zaptest.NewLogger(t))
	cands := []models.SearchResult{
		candidate(10, "first", 0.9),
		candidate(20, "second", 0.8),
	}

	out := r.Rerank(context.Background(), "q", cands, 2)

	require.Len(t, out, 2)
	assert.Equal(t, int64(20), out[0].SeedMessageID)
	assert.Equal(t, 0.93, *out[0].RerankScore)
	assert.Equal(t, int64(10), out[1].SeedMessageID)
	assert.Equal(t, 0.54, *out[1].RerankScore)

	assert.Equal(t, "rerank-2.5-lite", provider.model)
	assert.Equal(t, "q", provider.query)
	assert.Equal(t, []string{"first", "second"}, provider.docs)
	assert.Equal(t, 2, provider.topN)
}

func TestVoyageRerankerBackfillsMissingHits(t *testing.T) {
	provider := &fakeRerankProvider{hits: []llm.RerankHit{{Index: 2, Score: 0.9}}}
	r := NewVoyageReranker(provider, "m", zaptest.NewLogger(t))
	cands := []models.SearchResult{
		candidate(1, "a", 0.9),
		candidate(2, "b", 0.8),
		candidate(3, "c", 0.7),
	}

	out := r.Rerank(context.Background(), "q", cands, 3)

	require.Len(t, out, 3)
	assert.Equal(t, int64(3), out[0].SeedMessageID)
	assert.Equal(t, int64(1), out[1].SeedMessageID)
	assert.Equal(t, int64(2), out[2].SeedMessageID)
	assert.Nil(t, out[1].RerankScore)
}

func TestVoyageRerankerFallsBackOnError(t *testing.T) {
	provider := &fakeRerankProvider{err: errors.New("quota exhausted")}
	r := NewVoyageReranker(provider, "m", zaptest.NewLogger(t))
	cands := []models.SearchResult{
		candidate(1, "a", 0.9),
		candidate(2, "b", 0.8),
		candidate(3, "c", 0.7),
	}

	out := r.Rerank(context.Background(), "q", cands, 2)

	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].SeedMessageID)
	assert.Equal(t, int64(2), out[1].SeedMessageID)
	assert.Nil(t, out[0].RerankScore)
}

func TestVoyageRerankerIgnoresOutOfRangeIndexes(t *testing.T) {
	provider := &fakeRerankProvider{hits: []llm.RerankHit{
		{Index: 99, Score: 0.9},
		{Index: 0, Score: 0.4},
	}}
	r := NewVoyageReranker(provider, "m", zaptest.NewLogger(t))
	cands := []models.SearchResult{
		candidate(1, "a", 0.9),
		candidate(2, "b", 0.8),
	}

	out := r.Rerank(context.Background(), "q", cands, 2)

	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].SeedMessageID)
	assert.Equal(t, 0.4, *out[0].RerankScore)
	assert.Equal(t, int64(2), out[1].SeedMessageID)
}

func TestNewRerankerFromConfig(t *testing.T) {
	logger := zaptest.NewLogger(t)
	provider := &fakeRerankProvider{}

	assert.Nil(t, NewRerankerFromConfig(config.RerankConfig{}, provider, logger))
	assert.IsType(t, StubReranker{}, NewRerankerFromConfig(config.RerankConfig{Enabled: true, Stub: true}, provider, logger))
	assert.IsType(t, &VoyageReranker{}, NewRerankerFromConfig(config.RerankConfig{Enabled: true, VoyageAPIKey: "k"}, provider, logger))
	assert.Nil(t, NewRerankerFromConfig(config.RerankConfig{Enabled: true}, provider, logger))
	assert.Nil(t, NewRerankerFromConfig(config.RerankConfig{Enabled: true, VoyageAPIKey: "k"}, nil, logger))
}
