package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/vespa"
)

// Querier is the slice of the Vespa client the search pipeline needs.
type Querier interface {
	Search(ctx context.Context, req vespa.QueryRequest) (*vespa.QueryResponse, error)
}

// QueryEmbedder turns query text into a vector for the ANN leg.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// vectorNames maps the embedding model in use to the schema field, query
// tensor and rank profile that go with it.
func vectorNames(model string) (field, tensor, profile string) {
	if model == models.EmbedModelSmall {
		return "vector_small", "qv_small", "hybrid-small"
	}
	return "vector_large", "qv_large", "hybrid-large"
}

// seedSearcher runs the hybrid seed query and parses the response into Seeds.
type seedSearcher struct {
	vespa  Querier
	logger *zap.Logger
}

// seeds retrieves up to limit seed hits for the query. A nil vector degrades
// to lexical-only ranking under the default profile. trace turns on staged
// debug payloads for request-level debugging.
func (s *seedSearcher) seeds(ctx context.Context, query string, vector []float32, model string, limit int, f Filters, trace bool) ([]models.Seed, error) {
	req := vespa.QueryRequest{
		Query:   query,
		Hits:    limit,
		Timeout: "5s",
		Ranking: "default",
	}
	var vec *vectorClause
	if len(vector) > 0 {
		field, tensor, profile := vectorNames(model)
		vec = &vectorClause{Field: field, Tensor: tensor, TargetHits: limit}
		req.Ranking = profile
		req.TensorName = tensor
		req.Vector = vector
	}
	req.YQL = buildSeedYQL(f, vec, true)
	if hasCyrillic(query) {
		req.Language = "uk"
	}

	resp, err := s.vespa.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to run seed query: %w", err)
	}
	if trace {
		s.logger.Debug("search trace",
			zap.String("stage", "vespa_results"),
			zap.String("ranking", req.Ranking),
			zap.Int64("total_count", resp.Root.Fields.TotalCount),
			zap.Int("hits", len(resp.Root.Children)))
	}

	seeds := make([]models.Seed, 0, len(resp.Root.Children))
	for _, hit := range resp.Root.Children {
		seed, ok := parseSeed(hit)
		if !ok {
			s.logger.Debug("dropping malformed seed hit", zap.String("hit_id", hit.ID))
			continue
		}
		seeds = append(seeds, seed)
	}
	if trace {
		s.logger.Debug("search trace",
			zap.String("stage", "seed_list"),
			zap.Any("seeds", seedSummaries(seeds)))
	}
	s.logger.Debug("seed search complete",
		zap.String("ranking", req.Ranking),
		zap.Int("hits", len(seeds)),
		zap.Int("limit", limit))
	return seeds, nil
}

// seedSummary is the compact trace form of a seed.
type seedSummary struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

func seedSummaries(seeds []models.Seed) []seedSummary {
	out := make([]seedSummary, len(seeds))
	for i, s := range seeds {
		out[i] = seedSummary{ID: s.ID, Score: s.Score}
	}
	return out
}

// parseSeed converts one Vespa hit into a Seed. Hits without a chat_id or
// message_id are unusable downstream and are dropped.
func parseSeed(hit vespa.Hit) (models.Seed, bool) {
	chatID := vespa.FieldString(hit.Fields, "chat_id")
	messageID, ok := vespa.FieldInt64(hit.Fields, "message_id")
	if chatID == "" || !ok {
		return models.Seed{}, false
	}
	seed := models.Seed{
		ID:        hit.ID,
		ChatID:    chatID,
		MessageID: messageID,
		Text:      vespa.FieldString(hit.Fields, "text"),
		Score:     hit.Relevance,
		RawFields: hit.Fields,
	}
	if secs, ok := vespa.FieldInt64(hit.Fields, "message_date"); ok {
		ms := secs * 1000
		seed.MessageDateMS = &ms
	}
	return seed, true
}
