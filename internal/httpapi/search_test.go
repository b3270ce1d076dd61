package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/search"
)

type fakeSearcher struct {
	mu       sync.Mutex
	requests []search.Request
	results  []models.SearchResult
	err      error
}

func (f *fakeSearcher) Search(_ context.Context, req search.Request) ([]models.SearchResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func (f *fakeSearcher) calls() []search.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]search.Request(nil), f.requests...)
}

type fakeChatLister struct {
	chats []models.ChatInfo
	err   error
}

func (f *fakeChatLister) AvailableChats(context.Context) ([]models.ChatInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.chats, nil
}

func searchTestHandler(t *testing.T, chat config.ChatConfig, searcher Searcher, chats ChatLister) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	NewSearchHandler(chat, searcher, chats, zaptest.NewLogger(t)).RegisterRoutes(mux)
	return withCorrelationID(zaptest.NewLogger(t), mux)
}

func TestModelsReturnsConfiguredCatalog(t *testing.T) {
	chat := config.ChatConfig{Models: []config.ModelOption{{Label: "fast", ID: "model-fast"}}}
	handler := searchTestHandler(t, chat, &fakeSearcher{}, &fakeChatLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"label":"fast","id":"model-fast"}]`, rec.Body.String())
}

func TestModelsDefaultCatalogIncludesGPT5(t *testing.T) {
	handler := searchTestHandler(t, config.ChatConfig{}, &fakeSearcher{}, &fakeChatLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var options []config.ModelOption
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &options))

	found := false
	for _, m := range options {
		if m.ID == "gpt-5" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestChatsReturnsList(t *testing.T) {
	lister := &fakeChatLister{chats: []models.ChatInfo{
		{ChatID: "-1001234567890", SourceTitle: "Test Supergroup", ChatType: "supergroup", MessageCount: 150},
		{ChatID: "123456789", SourceTitle: "Saved Messages", ChatType: "private", MessageCount: 50},
	}}
	handler := searchTestHandler(t, config.ChatConfig{}, &fakeSearcher{}, lister)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body chatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	require.Len(t, body.Chats, 2)
	assert.Equal(t, "-1001234567890", body.Chats[0].ChatID)
	assert.Equal(t, "Test Supergroup", body.Chats[0].SourceTitle)
	assert.Equal(t, "Saved Messages", body.Chats[1].SourceTitle)
}

func TestChatsFailureDegradesToEmptyList(t *testing.T) {
	lister := &fakeChatLister{err: assert.AnError}
	handler := searchTestHandler(t, config.ChatConfig{}, &fakeSearcher{}, lister)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body chatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.OK)
	assert.NotNil(t, body.Chats)
	assert.Empty(t, body.Chats)
	assert.NotEmpty(t, body.Error)
	assert.Contains(t, rec.Body.String(), `"chats":[]`)
}

func TestSearchReturnsResults(t *testing.T) {
	searcher := &fakeSearcher{results: []models.SearchResult{
		{ChatID: "chat-1", SeedMessageID: 101, Text: "Flight is at 11:34"},
	}}
	handler := searchTestHandler(t, config.ChatConfig{}, searcher, &fakeChatLister{})

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"flight"}`))
	req.Header.Set("X-Correlation-ID", "corr-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	require.Len(t, body.Results, 1)
	assert.Equal(t, "chat-1", body.Results[0].ChatID)
	assert.Equal(t, int64(101), body.Results[0].SeedMessageID)
	assert.Equal(t, "corr-7", body.CorrelationID)
	assert.Equal(t, "corr-7", rec.Header().Get("X-Correlation-ID"))
}

func TestSearchPassesFilters(t *testing.T) {
	searcher := &fakeSearcher{}
	handler := searchTestHandler(t, config.ChatConfig{}, searcher, &fakeChatLister{})

	payload := `{"query":"flight","limit":5,"chat_id":"chat-9","thread_id":42,"hybrid":true,"expansion_level":2}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(payload)))

	require.Equal(t, http.StatusOK, rec.Code)
	calls := searcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "flight", calls[0].Query)
	assert.Equal(t, 5, calls[0].Limit)
	assert.Equal(t, "chat-9", calls[0].ChatID)
	require.NotNil(t, calls[0].ThreadID)
	assert.Equal(t, int64(42), *calls[0].ThreadID)
	assert.True(t, calls[0].Hybrid)
	assert.Equal(t, 2, calls[0].ExpansionLevel)
}

func TestSearchBlankQuerySkipsEngine(t *testing.T) {
	searcher := &fakeSearcher{}
	handler := searchTestHandler(t, config.ChatConfig{}, searcher, &fakeChatLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"   "}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	var body searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Empty(t, body.Results)
	assert.Empty(t, searcher.calls())
}

func TestSearchEngineFailureNever5xx(t *testing.T) {
	searcher := &fakeSearcher{err: assert.AnError}
	handler := searchTestHandler(t, config.ChatConfig{}, searcher, &fakeChatLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"flight"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	var body searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.OK)
	assert.NotNil(t, body.Results)
	assert.Empty(t, body.Results)
	assert.NotEmpty(t, body.Error)
	assert.NotEmpty(t, body.CorrelationID)
	assert.Contains(t, rec.Body.String(), `"results":[]`)
}

func TestSearchInvalidJSON(t *testing.T) {
	handler := searchTestHandler(t, config.ChatConfig{}, &fakeSearcher{}, &fakeChatLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query"`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchMethodNotAllowed(t *testing.T) {
	handler := searchTestHandler(t, config.ChatConfig{}, &fakeSearcher{}, &fakeChatLister{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/search", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
