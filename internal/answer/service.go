package answer

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/llm"
	"github.com/rtyshyk/telegram-rag/internal/metrics"
	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/search"
	"github.com/rtyshyk/telegram-rag/internal/tokens"
)

// noDataText is streamed when retrieval produced nothing to answer from.
const noDataText = "I don't see this information in your Telegram data."

// historyPromptTurns caps how much history rides in the completion prompt.
const historyPromptTurns = 16

// Searcher runs the retrieval pipeline for one query.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]models.SearchResult, error)
}

// TokenStream yields completion deltas until io.EOF.
type TokenStream interface {
	Recv() (llm.StreamDelta, error)
	Usage() *llm.Usage
	Close() error
}

// Provider is the LLM surface the answerer needs.
type Provider interface {
	ChatCompletion(ctx context.Context, model string, messages []llm.ChatMessage) (*llm.ChatResponse, error)
	StreamChat(ctx context.Context, model string, messages []llm.ChatMessage) (TokenStream, error)
}

// clientProvider adapts *llm.Client to Provider.
type clientProvider struct {
	c *llm.Client
}

// NewClientProvider wraps the concrete LLM client for use as a Provider.
func NewClientProvider(c *llm.Client) Provider {
	return clientProvider{c: c}
}

func (p clientProvider) ChatCompletion(ctx context.Context, model string, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	return p.c.ChatCompletion(ctx, model, messages)
}

func (p clientProvider) StreamChat(ctx context.Context, model string, messages []llm.ChatMessage) (TokenStream, error) {
	stream, err := p.c.StreamChat(ctx, model, messages)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Service answers chat questions over the archive with streamed, cited
// replies.
type Service struct {
	cfg     config.ChatConfig
	search  Searcher
	llm     Provider
	counter tokens.Counter
	limiter *requestLimiter
	prompts prompts
	logger  *zap.Logger
}

// New creates the answer service.
func New(cfg config.ChatConfig, searcher Searcher, provider Provider, logger *zap.Logger) *Service {
	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = 30
	}
	return &Service{
		cfg:     cfg,
		search:  searcher,
		llm:     provider,
		counter: tokens.NewEstimator(),
		limiter: newRequestLimiter(rpm, time.Minute),
		prompts: loadPrompts(),
		logger:  logger,
	}
}

// Stream runs the full answer pipeline, delivering chunks through emit.
// An emit error means the client went away; the pipeline stops without
// further output. Pipeline failures are reported as error chunks, never
// as a return value.
func (s *Service) Stream(ctx context.Context, userID string, req Request, emit Emit) {
	start := time.Now()
	metrics.ActiveChatStreams.Inc()
	defer metrics.ActiveChatStreams.Dec()

	model := s.cfg.ResolveModelID(req.Model)

	if retry, ok := s.limiter.allow(userID); !ok {
		metrics.RecordChatMetrics(model, "rate_limited", 0, 0)
		_ = emit(Chunk{
			Type:    ChunkError,
			Content: fmt.Sprintf("Rate limit exceeded. Retry after %d seconds.", int(retry.Seconds())),
		})
		return
	}

	if !s.shouldSearch(ctx, req.Message, req.History) {
		s.answerFromHistory(ctx, model, req, emit, start)
		return
	}

	query := req.Message
	if len(req.History) > 0 {
		if err := emit(Chunk{Type: ChunkReformulate, Content: "Analyzing conversation context..."}); err != nil {
			return
		}
		query = s.reformulateQuery(ctx, req.Message, req.History, s.reformulationModel(model))
		if query != req.Message {
			if err := emit(Chunk{
				Type:              ChunkReformulate,
				Content:           "Enhanced query based on conversation",
				ReformulatedQuery: query,
			}); err != nil {
				return
			}
		}
	}

	if err := emit(Chunk{Type: ChunkSearch, Content: "Searching your Telegram data..."}); err != nil {
		return
	}

	results, err := s.search.Search(ctx, search.Request{
		Query:          query,
		Limit:          s.cfg.DefaultK,
		ChatID:         req.ChatFilter,
		ThreadID:       req.ThreadID,
		Hybrid:         true,
		ExpansionLevel: req.ExpansionLevel,
	})
	if err != nil {
		s.logger.Error("retrieval failed", zap.Error(err))
		metrics.RecordChatMetrics(model, "error", 0, 0)
		_ = emit(Chunk{Type: ChunkError, Content: "Error: " + err.Error()})
		return
	}

	count := len(results)
	if err := emit(Chunk{
		Type:               ChunkSearch,
		Content:            fmt.Sprintf("Found %d relevant messages", count),
		SearchResultsCount: &count,
	}); err != nil {
		return
	}

	if count == 0 {
		metrics.RecordChatMetrics(model, "no_data", 0, 0)
		if err := emit(Chunk{Type: ChunkContent, Content: noDataText}); err != nil {
			return
		}
		_ = emit(endChunk(zeroUsage(model), start))
		return
	}

	contextBlock, selected := assembleContext(results, s.counter, s.cfg.MaxContextTokens)
	messages := s.buildMessages(query, req.History, contextBlock)

	if err := emit(Chunk{Type: ChunkStart, Content: "Generating response..."}); err != nil {
		return
	}

	usage, ok := s.streamCompletion(ctx, model, messages, emit)
	if !ok {
		return
	}

	if err := emit(Chunk{Type: ChunkCitations, Citations: buildCitations(results, selected)}); err != nil {
		return
	}
	metrics.RecordChatMetrics(model, "ok", usage.TotalTokens, usage.CostUSD)
	_ = emit(endChunk(usage, start))
}

// answerFromHistory serves the decision gate's skip path: the model
// replies from the conversation alone, with no retrieval and no
// citations.
func (s *Service) answerFromHistory(ctx context.Context, model string, req Request, emit Emit, start time.Time) {
	messages := s.buildMessages(req.Message, req.History, "")

	if err := emit(Chunk{Type: ChunkStart, Content: "Generating response..."}); err != nil {
		return
	}

	usage, ok := s.streamCompletion(ctx, model, messages, emit)
	if !ok {
		return
	}

	metrics.RecordChatMetrics(model, "ok", usage.TotalTokens, usage.CostUSD)
	_ = emit(endChunk(usage, start))
}

// streamCompletion runs one streaming completion, emitting a content
// chunk per delta. It returns the resolved usage, falling back to the
// local estimate when the provider sent none, and false when the stream
// failed or the client disconnected.
func (s *Service) streamCompletion(ctx context.Context, model string, messages []llm.ChatMessage, emit Emit) (*models.ChatUsage, bool) {
	stream, err := s.llm.StreamChat(ctx, model, messages)
	if err != nil {
		s.logger.Error("chat stream failed to open", zap.Error(err))
		metrics.RecordChatMetrics(model, "error", 0, 0)
		_ = emit(Chunk{Type: ChunkError, Content: "Error: " + err.Error()})
		return nil, false
	}
	defer stream.Close()

	var full strings.Builder
	var usage *models.ChatUsage
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.logger.Error("chat stream read failed", zap.Error(err))
			metrics.RecordChatMetrics(model, "error", 0, 0)
			_ = emit(Chunk{Type: ChunkError, Content: "Error: " + err.Error()})
			return nil, false
		}
		if delta.Content != "" {
			full.WriteString(delta.Content)
			if err := emit(Chunk{Type: ChunkContent, Content: delta.Content}); err != nil {
				return nil, false
			}
		}
		if delta.Usage != nil {
			usage = usageFromProvider(model, delta.Usage)
		}
	}

	if usage == nil {
		usage = s.estimateUsage(model, messages, full.String())
	}
	return usage, true
}

// buildMessages assembles the completion prompt: rendered system
// prompt, up to the last 16 history turns verbatim, then the user turn.
// With a context block the user turn wraps it around the question;
// without one the question goes in bare.
func (s *Service) buildMessages(question string, history []models.ChatTurn, contextBlock string) []llm.ChatMessage {
	system := renderPrompt(s.prompts.system, map[string]string{
		"current_datetime": time.Now().Format("2006-01-02 15:04:05"),
	})

	messages := []llm.ChatMessage{{Role: "system", Content: system}}
	if len(history) > historyPromptTurns {
		history = history[len(history)-historyPromptTurns:]
	}
	for _, turn := range history {
		messages = append(messages, llm.ChatMessage{Role: turn.Role, Content: turn.Content})
	}

	content := question
	if contextBlock != "" {
		content = "CONTEXT:\n" + contextBlock + "\n\nQUESTION: " + question
	}
	return append(messages, llm.ChatMessage{Role: "user", Content: content})
}

// buildCitations maps the context snippets back to their results, in
// snippet order.
func buildCitations(results []models.SearchResult, selected []int) []Citation {
	citations := make([]Citation, 0, len(selected))
	for _, idx := range selected {
		r := results[idx]
		c := Citation{
			ChatID:      r.ChatID,
			MessageID:   r.SeedMessageID,
			MessageDate: r.MessageDate,
		}
		if r.SourceTitle != nil {
			c.SourceTitle = *r.SourceTitle
		}
		citations = append(citations, c)
	}
	return citations
}

// reformulationModel picks the configured reformulation model, falling
// back to the answer model.
func (s *Service) reformulationModel(answerModel string) string {
	if s.cfg.ReformulationModel != "" {
		return s.cfg.ReformulationModel
	}
	return answerModel
}

func endChunk(usage *models.ChatUsage, start time.Time) Chunk {
	elapsed := math.Round(time.Since(start).Seconds()*100) / 100
	return Chunk{Type: ChunkEnd, Usage: usage, TimingSeconds: &elapsed}
}
