package search

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/llm"
	"github.com/rtyshyk/telegram-rag/internal/models"
)

// Reranker reorders candidate snippets by relevance to the query and cuts
// the list to topN. Implementations never fail the search: on provider
// trouble they fall back to the incoming order.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []models.SearchResult, topN int) []models.SearchResult
}

// RerankProvider is the slice of the Voyage client the reranker needs.
type RerankProvider interface {
	Rerank(ctx context.Context, model, query string, documents []string, topN int) ([]llm.RerankHit, error)
}

// VoyageReranker scores candidates through a hosted rerank model.
type VoyageReranker struct {
	provider RerankProvider
	model    string
	logger   *zap.Logger
}

func NewVoyageReranker(provider RerankProvider, model string, logger *zap.Logger) *VoyageReranker {
	return &VoyageReranker{provider: provider, model: model, logger: logger}
}

func (r *VoyageReranker) Rerank(ctx context.Context, query string, candidates []models.SearchResult, topN int) []models.SearchResult {
	if len(candidates) == 0 {
		return candidates
	}
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}
	hits, err := r.provider.Rerank(ctx, r.model, query, docs, topN)
	if err != nil {
		r.logger.Warn("rerank failed, keeping retrieval order", zap.Error(err))
		return candidates[:topN]
	}

	out := make([]models.SearchResult, 0, topN)
	seen := make(map[int]bool, len(hits))
	for _, h := range hits {
		if h.Index < 0 || h.Index >= len(candidates) || seen[h.Index] {
			continue
		}
		c := candidates[h.Index]
		score := h.Score
		c.RerankScore = &score
		out = append(out, c)
		seen[h.Index] = true
		if len(out) == topN {
			break
		}
	}
	// Providers may return fewer hits than asked; backfill in retrieval order.
	for i := 0; i < len(candidates) && len(out) < topN; i++ {
		if !seen[i] {
			out = append(out, candidates[i])
		}
	}
	return out
}

// StubReranker scores by query-token overlap. It keeps offline runs and
// tests deterministic without a provider key.
type StubReranker struct{}

func (StubReranker) Rerank(_ context.Context, query string, candidates []models.SearchResult, topN int) []models.SearchResult {
	if len(candidates) == 0 {
		return candidates
	}
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	out := make([]models.SearchResult, len(candidates))
	copy(out, candidates)
	for i := range out {
		score := overlapRatio(query, out[i].Text)
		out[i].RerankScore = &score
	}
	sort.SliceStable(out, func(i, j int) bool {
		if *out[i].RerankScore != *out[j].RerankScore {
			return *out[i].RerankScore > *out[j].RerankScore
		}
		return out[i].RetrievalScore > out[j].RetrievalScore
	})
	return out[:topN]
}

// overlapRatio is the fraction of distinct query tokens present in the
// document, case-insensitive.
func overlapRatio(query, doc string) float64 {
	qTokens := strings.Fields(strings.ToLower(query))
	if len(qTokens) == 0 {
		return 0
	}
	docSet := make(map[string]struct{})
	for _, t := range strings.Fields(strings.ToLower(doc)) {
		docSet[t] = struct{}{}
	}
	qSet := make(map[string]struct{}, len(qTokens))
	matched := 0
	for _, t := range qTokens {
		if _, dup := qSet[t]; dup {
			continue
		}
		qSet[t] = struct{}{}
		if _, ok := docSet[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(qSet))
}
