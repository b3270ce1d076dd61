// Package llm talks to the OpenAI-compatible completion and embedding
// endpoints and to the VoyageAI rerank endpoint over plain HTTP.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/circuitbreaker"
	"github.com/rtyshyk/telegram-rag/internal/metrics"
	"github.com/rtyshyk/telegram-rag/internal/tracing"
)

// DefaultBaseURL matches the hosted OpenAI API.
const DefaultBaseURL = "https://api.openai.com/v1"

const defaultTimeout = 60 * time.Second

// Client is a minimal OpenAI-compatible API client. Requests go through a
// circuit breaker so a misbehaving provider stops consuming the daily budget.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// New builds a client for the given endpoint. An empty baseURL selects the
// hosted OpenAI API. The timeout bounds non-streaming calls only; streaming
// completions run until the caller's context is done.
func New(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// No client-level timeout: streaming responses stay open arbitrarily
	// long, so deadlines are applied per call via context.
	hc := &http.Client{}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    circuitbreaker.NewHTTPWrapper(hc, "openai", logger),
		logger:  logger,
	}
}

// Embeddings returns one vector per input, in input order.
func (c *Client) Embeddings(ctx context.Context, model string, inputs []string) (*EmbeddingResult, error) {
	if len(inputs) == 0 {
		return &EmbeddingResult{Vectors: [][]float32{}, Model: model}, nil
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + "/embeddings"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	resp, err := c.postJSON(ctx, url, embeddingPayload{
		Model:          model,
		Input:          inputs,
		EncodingFormat: "float",
	})
	if err != nil {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, readAPIError(resp)
	}

	var wire embeddingWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(wire.Data) != len(inputs) {
		metrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(wire.Data), len(inputs))
	}

	out := make([][]float32, len(inputs))
	for _, d := range wire.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}

	res := &EmbeddingResult{Vectors: out, Model: wire.Model}
	if res.Model == "" {
		res.Model = model
	}
	if wire.Usage != nil {
		res.PromptTokens = wire.Usage.PromptTokens
	}
	metrics.RecordEmbeddingMetrics(model, "ok", time.Since(start).Seconds())
	return res, nil
}

// ChatCompletion runs a non-streaming completion. Used for the small
// auxiliary calls (query reformulation, search decision).
func (c *Client) ChatCompletion(ctx context.Context, model string, messages []ChatMessage) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	resp, err := c.postJSON(ctx, url, chatPayload{Model: model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("chat completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var wire chatCompletionWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return &ChatResponse{
		Content: wire.Choices[0].Message.Content,
		Model:   wire.Model,
		Usage:   wire.Usage,
	}, nil
}

func (c *Client) postJSON(ctx context.Context, url string, payload interface{}) (*http.Response, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectTraceparent(ctx, req)
	return c.http.Do(req)
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// IsRetryable reports whether a failed call is worth another attempt.
// Rate limiting and server-side failures are; context cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return false
	}
	return true
}
