package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/rtyshyk/telegram-rag/internal/tracing"
)

// ChatStream reads server-sent completion deltas. Callers must Close it.
type ChatStream struct {
	body  io.ReadCloser
	sc    *bufio.Scanner
	span  oteltrace.Span
	usage *Usage
}

// StreamChat opens a streaming completion with usage reporting requested in
// the final chunk. The stream lives until [DONE], an error, or ctx is done.
func (c *Client) StreamChat(ctx context.Context, model string, messages []ChatMessage) (*ChatStream, error) {
	url := c.baseURL + "/chat/completions"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)

	resp, err := c.postJSON(ctx, url, chatPayload{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		span.End()
		return nil, fmt.Errorf("chat stream request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		span.End()
		return nil, readAPIError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ChatStream{body: resp.Body, sc: sc, span: span}, nil
}

// Recv returns the next delta. io.EOF signals a normally finished stream.
// Chunks that carry neither content, finish reason, nor usage are skipped.
func (s *ChatStream) Recv() (StreamDelta, error) {
	for s.sc.Scan() {
		line := strings.TrimSpace(s.sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return StreamDelta{}, io.EOF
		}

		var wire streamChunkWire
		if err := json.Unmarshal([]byte(data), &wire); err != nil {
			return StreamDelta{}, fmt.Errorf("failed to decode stream chunk: %w", err)
		}

		delta := StreamDelta{}
		if wire.Usage != nil {
			s.usage = wire.Usage
			delta.Usage = wire.Usage
		}
		if len(wire.Choices) > 0 {
			delta.Content = wire.Choices[0].Delta.Content
			if fr := wire.Choices[0].FinishReason; fr != nil {
				delta.FinishReason = *fr
			}
		}
		if delta.Content == "" && delta.FinishReason == "" && delta.Usage == nil {
			continue
		}
		return delta, nil
	}
	if err := s.sc.Err(); err != nil {
		return StreamDelta{}, fmt.Errorf("stream read failed: %w", err)
	}
	return StreamDelta{}, io.EOF
}

// Usage returns the provider-reported usage, or nil if none arrived.
func (s *ChatStream) Usage() *Usage { return s.usage }

// Close releases the response body. Safe after EOF.
func (s *ChatStream) Close() error {
	s.span.End()
	return s.body.Close()
}
