package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/tokens"
	"github.com/rtyshyk/telegram-rag/internal/vespa"
)

// Request is one retrieval invocation. ExpansionLevel broadens retrieval
// budgets; Trace enables staged debug payloads in the logs.
type Request struct {
	Query          string `json:"query"`
	Limit          int    `json:"limit,omitempty"`
	ChatID         string `json:"chat_id,omitempty"`
	ThreadID       *int64 `json:"thread_id,omitempty"`
	Hybrid         bool   `json:"hybrid,omitempty"`
	ExpansionLevel int    `json:"expansion_level,omitempty"`
	Trace          bool   `json:"trace,omitempty"`
}

// Service runs the retrieval pipeline: seed search, dedupe, context
// expansion and optional rerank.
type Service struct {
	cfg       config.SearchConfig
	rerankCap int
	vespa     Querier
	embedder  QueryEmbedder
	seeds     *seedSearcher
	expander  *expander
	reranker  Reranker
	logger    *zap.Logger
}

// New wires the pipeline. reranker may be nil to disable reranking; see
// NewRerankerFromConfig.
func New(cfg config.SearchConfig, rerankCandidateLimit int, q Querier, embedder QueryEmbedder, reranker Reranker, logger *zap.Logger) *Service {
	return &Service{
		cfg:       cfg,
		rerankCap: rerankCandidateLimit,
		vespa:     q,
		embedder:  embedder,
		seeds:     &seedSearcher{vespa: q, logger: logger},
		expander: &expander{
			vespa:          q,
			estimator:      tokens.NewEstimator(),
			messageWindow:  cfg.NeighborMessageWindow,
			timeWindowMins: cfg.NeighborTimeWindowMins,
			minMessages:    cfg.NeighborMinMessages,
			maxMessages:    cfg.CandidateMaxMessages,
			tokenLimit:     cfg.CandidateTokenLimit,
			logger:         logger,
		},
		reranker: reranker,
		logger:   logger,
	}
}

// NewRerankerFromConfig picks the reranker implementation: the stub when
// configured, the hosted provider when a key is present, nil otherwise.
func NewRerankerFromConfig(cfg config.RerankConfig, provider RerankProvider, logger *zap.Logger) Reranker {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Stub {
		return StubReranker{}
	}
	if cfg.VoyageAPIKey != "" && provider != nil {
		return NewVoyageReranker(provider, cfg.Model, logger)
	}
	return nil
}

// Search runs the full pipeline. A blank query yields no results and no
// engine traffic. Seed search failure is the only hard error; per-seed
// expansion failures and rerank failures degrade gracefully.
func (s *Service) Search(ctx context.Context, req Request) ([]models.SearchResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, nil
	}

	level := clampLevel(req.ExpansionLevel, s.cfg.ExpansionMaxLevel)
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	limit += level * s.cfg.ExpansionResultStep
	if limit > s.cfg.ContextMaxReturn {
		limit = s.cfg.ContextMaxReturn
	}
	seedLimit := s.cfg.SeedLimit + level*s.cfg.ExpansionSeedStep
	rerankCap := s.rerankCap + level*s.cfg.ExpansionRerankStep

	var vector []float32
	model := ""
	if req.Hybrid {
		model = s.embedder.Model()
		v, err := s.embedder.EmbedQuery(ctx, query)
		if err != nil {
			s.logger.Warn("query embedding failed, falling back to lexical search", zap.Error(err))
		} else {
			vector = v
		}
	}

	filters := Filters{ChatID: req.ChatID, ThreadID: req.ThreadID}
	seeds, err := s.seeds.seeds(ctx, query, vector, model, seedLimit, filters, req.Trace)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	deduped := dedupeSeeds(seeds, dedupeOptions{
		IDGap:     int64(s.cfg.SeedDedupeMessageGap),
		TimeGapMS: int64(s.cfg.SeedDedupeTimeGapSecs) * 1000,
		PerChat:   s.cfg.SeedsPerChat,
	})
	s.trace(req.Trace, "seed_list_deduped", zap.Any("seeds", seedSummaries(deduped)))

	candidates := s.expandAll(ctx, deduped)
	if len(candidates) == 0 {
		return nil, nil
	}
	sortCandidates(candidates)

	if s.reranker != nil {
		cut := rerankCap
		if cut > len(candidates) {
			cut = len(candidates)
		}
		reranked := s.reranker.Rerank(ctx, query, candidates[:cut], limit)
		candidates = append(reranked, candidates[cut:]...)
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	s.trace(req.Trace, "rerank_results", zap.Any("results", resultSummaries(candidates)))
	s.trace(req.Trace, "gpt_context", zap.Int("candidates", len(candidates)), zap.Int("chars", totalChars(candidates)))

	s.logger.Info("search complete",
		zap.Int("seeds", len(seeds)),
		zap.Int("deduped", len(deduped)),
		zap.Int("results", len(candidates)),
		zap.Int("expansion_level", level))
	return candidates, nil
}

// expandAll grows every deduped seed concurrently. A failed expansion drops
// that candidate only; order follows the deduped seed order.
func (s *Service) expandAll(ctx context.Context, seeds []models.Seed) []models.SearchResult {
	slots := make([]*models.SearchResult, len(seeds))
	g, gctx := errgroup.WithContext(ctx)
	for i, seed := range seeds {
		g.Go(func() error {
			cand, err := s.expander.expand(gctx, seed)
			if err != nil {
				s.logger.Warn("context expansion failed, dropping seed",
					zap.String("chat_id", seed.ChatID),
					zap.Int64("message_id", seed.MessageID),
					zap.Error(err))
				return nil
			}
			slots[i] = cand
			return nil
		})
	}
	// Closures swallow their errors, so Wait only synchronises.
	_ = g.Wait()

	out := make([]models.SearchResult, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

// AvailableChats aggregates the index by chat id for the chat picker.
func (s *Service) AvailableChats(ctx context.Context) ([]models.ChatInfo, error) {
	resp, err := s.vespa.Search(ctx, vespa.QueryRequest{YQL: chatsGroupingYQL, Timeout: "5s"})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate chats: %w", err)
	}
	group := resp.FindList("grouplist:chat_id")
	if group == nil {
		return []models.ChatInfo{}, nil
	}
	chats := make([]models.ChatInfo, 0, len(group.Children))
	for _, g := range group.Children {
		if g.Value == "" {
			continue
		}
		info := models.ChatInfo{ChatID: g.Value}
		if n, ok := g.FieldInt64("count()"); ok {
			info.MessageCount = n
		}
		if hits := g.FindList("hitlist:hits"); hits != nil && len(hits.Children) > 0 {
			info.SourceTitle = hits.Children[0].FieldString("source_title")
			info.ChatType = hits.Children[0].FieldString("chat_type")
		}
		if info.SourceTitle == "" {
			info.SourceTitle = "Chat " + info.ChatID
		}
		chats = append(chats, info)
	}
	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].MessageCount != chats[j].MessageCount {
			return chats[i].MessageCount > chats[j].MessageCount
		}
		return chats[i].ChatID < chats[j].ChatID
	})
	return chats, nil
}

func (s *Service) trace(enabled bool, stage string, fields ...zap.Field) {
	if !enabled {
		return
	}
	s.logger.Debug("search trace", append([]zap.Field{zap.String("stage", stage)}, fields...)...)
}

// sortCandidates orders by seed score with recency breaking ties.
func sortCandidates(cands []models.SearchResult) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].SeedScore != cands[j].SeedScore {
			return cands[i].SeedScore > cands[j].SeedScore
		}
		return resultDate(cands[i]) > resultDate(cands[j])
	})
}

func resultDate(r models.SearchResult) int64 {
	if r.MessageDate == nil {
		return 0
	}
	return *r.MessageDate
}

func clampLevel(level, max int) int {
	if level < 0 {
		return 0
	}
	if level > max {
		return max
	}
	return level
}

// resultSummary is the compact trace form of a final result.
type resultSummary struct {
	ChatID      string   `json:"chat_id"`
	MessageID   int64    `json:"message_id"`
	SeedScore   float64  `json:"seed_score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

func resultSummaries(results []models.SearchResult) []resultSummary {
	out := make([]resultSummary, len(results))
	for i, r := range results {
		out[i] = resultSummary{ChatID: r.ChatID, MessageID: r.SeedMessageID, SeedScore: r.SeedScore, RerankScore: r.RerankScore}
	}
	return out
}

func totalChars(results []models.SearchResult) int {
	n := 0
	for _, r := range results {
		n += len(r.Text)
	}
	return n
}
