package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/circuitbreaker"
	"github.com/rtyshyk/telegram-rag/internal/metrics"
	"github.com/rtyshyk/telegram-rag/internal/tracing"
)

// DefaultVoyageBaseURL matches the hosted VoyageAI API.
const DefaultVoyageBaseURL = "https://api.voyageai.com/v1"

// RerankHit is one scored document reference returned by the reranker.
type RerankHit struct {
	Index int     `json:"index"`
	Score float64 `json:"relevance_score"`
}

// VoyageClient calls the VoyageAI rerank endpoint.
type VoyageClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewVoyage builds a rerank client. An empty baseURL selects the hosted API.
func NewVoyage(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *VoyageClient {
	if baseURL == "" {
		baseURL = DefaultVoyageBaseURL
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &http.Client{Timeout: timeout}
	return &VoyageClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    circuitbreaker.NewHTTPWrapper(hc, "voyage", logger),
		logger:  logger,
	}
}

type rerankPayload struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n"`
}

type rerankWire struct {
	Data []RerankHit `json:"data"`
}

// Rerank scores documents against the query and returns hits ordered by
// descending relevance. Indexes refer to positions in documents.
func (v *VoyageClient) Rerank(ctx context.Context, model, query string, documents []string, topN int) ([]RerankHit, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(documents) {
		topN = len(documents)
	}

	start := time.Now()
	url := v.baseURL + "/rerank"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(rerankPayload{Model: model, Query: query, Documents: documents, TopN: topN})
	if err != nil {
		return nil, fmt.Errorf("failed to encode rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(buf)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	tracing.InjectTraceparent(ctx, req)

	resp, err := v.http.Do(req)
	if err != nil {
		metrics.RecordRerankMetrics("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("rerank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordRerankMetrics("error", time.Since(start).Seconds())
		return nil, readAPIError(resp)
	}

	var wire rerankWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		metrics.RecordRerankMetrics("error", time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}

	hits := wire.Data
	for _, h := range hits {
		if h.Index < 0 || h.Index >= len(documents) {
			metrics.RecordRerankMetrics("error", time.Since(start).Seconds())
			return nil, fmt.Errorf("rerank index %d out of range", h.Index)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topN {
		hits = hits[:topN]
	}
	metrics.RecordRerankMetrics("ok", time.Since(start).Seconds())
	return hits, nil
}
