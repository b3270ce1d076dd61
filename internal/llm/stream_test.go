package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func sseServer(t *testing.T, lines []string, capture *chatPayload) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = io.WriteString(w, line+"\n\n")
		}
	}))
}

func TestStreamChatDeltas(t *testing.T) {
	var payload chatPayload
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		`: keep-alive`,
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":5,"total_tokens":105}}`,
		`data: [DONE]`,
	}, &payload)
	defer srv.Close()

	c := New(srv.URL, "sk-test", 5*time.Second, zaptest.NewLogger(t))
	stream, err := c.StreamChat(context.Background(), "gpt-5", []ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer stream.Close()

	assert.True(t, payload.Stream)
	require.NotNil(t, payload.StreamOptions)
	assert.True(t, payload.StreamOptions.IncludeUsage)

	var content strings.Builder
	var finish string
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content.WriteString(delta.Content)
		if delta.FinishReason != "" {
			finish = delta.FinishReason
		}
	}

	assert.Equal(t, "Hello", content.String())
	assert.Equal(t, "stop", finish)
	require.NotNil(t, stream.Usage())
	assert.Equal(t, 105, stream.Usage().TotalTokens)
}

func TestStreamChatNoUsageReported(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: [DONE]`,
	}, nil)
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second, zaptest.NewLogger(t))
	stream, err := c.StreamChat(context.Background(), "gpt-5", []ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer stream.Close()

	delta, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "ok", delta.Content)

	_, err = stream.Recv()
	assert.Equal(t, io.EOF, err)
	assert.Nil(t, stream.Usage())
}

func TestStreamChatErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad model"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second, zaptest.NewLogger(t))
	_, err := c.StreamChat(context.Background(), "nope", []ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, IsRetryable(err))
}

func TestStreamChatMalformedChunk(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: {not json`,
	}, nil)
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second, zaptest.NewLogger(t))
	stream, err := c.StreamChat(context.Background(), "gpt-5", []ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.ErrorContains(t, err, "decode stream chunk")
}
