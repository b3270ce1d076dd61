package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rtyshyk/telegram-rag/internal/circuitbreaker"
)

func TestEmbeddingsOrdersVectorsByIndex(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "text-embedding-3-small", payload["model"])

		w.Header().Set("Content-Type", "application/json")
		// Vectors deliberately out of order; index wins over position.
		_, _ = w.Write([]byte(`{
			"data": [
				{"index": 1, "embedding": [3.0, 4.0]},
				{"index": 0, "embedding": [1.0, 2.0]}
			],
			"model": "text-embedding-3-small",
			"usage": {"prompt_tokens": 7, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", 5*time.Second, zaptest.NewLogger(t))
	res, err := c.Embeddings(context.Background(), "text-embedding-3-small", []string{"a", "b"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	require.Len(t, res.Vectors, 2)
	assert.Equal(t, []float32{1, 2}, res.Vectors[0])
	assert.Equal(t, []float32{3, 4}, res.Vectors[1])
	assert.Equal(t, 7, res.PromptTokens)
}

func TestEmbeddingsEmptyInput(t *testing.T) {
	c := New("http://unreachable.invalid", "", time.Second, zaptest.NewLogger(t))
	res, err := c.Embeddings(context.Background(), "m", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Vectors)
}

func TestEmbeddingsRateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", 5*time.Second, zaptest.NewLogger(t))
	_, err := c.Embeddings(context.Background(), "m", []string{"a"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.True(t, IsRetryable(err))
}

func TestEmbeddingsCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [{"index": 0, "embedding": [1.0]}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second, zaptest.NewLogger(t))
	_, err := c.Embeddings(context.Background(), "m", []string{"a", "b"})
	assert.ErrorContains(t, err, "1 vectors for 2 inputs")
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-5-mini", payload.Model)
		assert.False(t, payload.Stream)

		_, _ = w.Write([]byte(`{
			"model": "gpt-5-mini",
			"choices": [{"message": {"role": "assistant", "content": "YES_SEARCH"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "sk-test", 5*time.Second, zaptest.NewLogger(t))
	res, err := c.ChatCompletion(context.Background(), "gpt-5-mini", []ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "YES_SEARCH", res.Content)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 15, res.Usage.TotalTokens)
}

func TestChatCompletionNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "", 5*time.Second, zaptest.NewLogger(t))
	_, err := c.ChatCompletion(context.Background(), "m", []ChatMessage{{Role: "user", Content: "hi"}})
	assert.ErrorContains(t, err, "no choices")
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &APIError{StatusCode: 429}, true},
		{"server error", &APIError{StatusCode: 503}, true},
		{"bad request", &APIError{StatusCode: 400}, false},
		{"unauthorized", &APIError{StatusCode: 401}, false},
		{"canceled", context.Canceled, false},
		{"breaker open", circuitbreaker.ErrOpen, false},
		{"network", errors.New("connection refused"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
