package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/tokens"
	"github.com/rtyshyk/telegram-rag/internal/vespa"
)

type fakeQuerier struct {
	mu       sync.Mutex
	requests []vespa.QueryRequest
	respond  func(req vespa.QueryRequest) (*vespa.QueryResponse, error)
}

func (f *fakeQuerier) Search(_ context.Context, req vespa.QueryRequest) (*vespa.QueryResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.respond == nil {
		return &vespa.QueryResponse{}, nil
	}
	return f.respond(req)
}

func (f *fakeQuerier) recorded() []vespa.QueryRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]vespa.QueryRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func msgHit(chatID string, messageID int64, text string, dateSecs int64) vespa.Hit {
	fields := map[string]interface{}{
		"chat_id":    chatID,
		"message_id": float64(messageID),
		"text":       text,
	}
	if dateSecs > 0 {
		fields["message_date"] = float64(dateSecs)
	}
	return vespa.Hit{
		ID:     fmt.Sprintf("index:message:0:%s:%d", chatID, messageID),
		Fields: fields,
	}
}

func seedHit(chatID string, messageID int64, text string, score float64, dateSecs int64) vespa.Hit {
	h := msgHit(chatID, messageID, text, dateSecs)
	h.Relevance = score
	return h
}

func hitResponse(hits ...vespa.Hit) *vespa.QueryResponse {
	var resp vespa.QueryResponse
	resp.Root.Children = hits
	resp.Root.Fields.TotalCount = int64(len(hits))
	return &resp
}

func testSeed(chatID string, messageID int64, text string, score float64, dateMS int64) models.Seed {
	s := models.Seed{
		ID:        fmt.Sprintf("%s:%d", chatID, messageID),
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
		Score:     score,
		RawFields: map[string]interface{}{},
	}
	if dateMS > 0 {
		s.MessageDateMS = &dateMS
	}
	return s
}

func newTestExpander(t *testing.T, q Querier, minMessages int) *expander {
	return &expander{
		vespa:          q,
		estimator:      tokens.NewEstimator(),
		messageWindow:  15,
		timeWindowMins: 45,
		minMessages:    minMessages,
		maxMessages:    80,
		tokenLimit:     1800,
		logger:         zaptest.NewLogger(t),
	}
}

func TestExpandBuildsSnippet(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		return hitResponse(
			msgHit("chat-1", 100, "Let's meet before the flight.", 1695758940),
			msgHit("chat-1", 101, "Reminder about the flight", 1695759000),
			msgHit("chat-1", 102, "Flight is at 11:34 tomorrow.", 1695759060),
		), nil
	}}
	e := newTestExpander(t, q, 1)

	seed := testSeed("chat-1", 101, "Reminder about the flight", 0.92, 1695759000000)
	seed.RawFields = map[string]interface{}{
		"source_title":  "Itinerary",
		"chat_username": "travel-group",
	}

	res, err := e.expand(context.Background(), seed)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "chat-1", res.ChatID)
	assert.Equal(t, int64(101), res.SeedMessageID)
	assert.Equal(t, 3, res.MessageCount)
	assert.Equal(t, int64(100), res.Span.StartID)
	assert.Equal(t, int64(102), res.Span.EndID)
	require.NotNil(t, res.Span.StartTS)
	assert.Equal(t, int64(1695758940), *res.Span.StartTS)
	assert.Equal(t, "Let's meet before the flight.\nReminder about the flight\nFlight is at 11:34 tomorrow.", res.Text)
	assert.Equal(t, 0.92, res.SeedScore)
	assert.Equal(t, 0.92, res.RetrievalScore)
	assert.Nil(t, res.RerankScore)
	require.NotNil(t, res.SourceTitle)
	assert.Equal(t, "Itinerary", *res.SourceTitle)
	require.NotNil(t, res.ChatUsername)
	assert.Equal(t, "travel-group", *res.ChatUsername)
	require.NotNil(t, res.MessageDate)
	assert.Equal(t, int64(1695759000), *res.MessageDate)

	reqs := q.recorded()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].YQL, "message_id >= 86 AND message_id <= 116")
	assert.Contains(t, reqs[0].YQL, "order by message_id asc")
	assert.Equal(t, "unranked", reqs[0].Ranking)
	assert.Equal(t, 2*15+1+windowFetchSlack, reqs[0].Hits)
}

func TestExpandSparseWindowWidensByTime(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		if strings.Contains(req.YQL, "message_date >=") {
			return hitResponse(
				msgHit("chat-1", 101, "seed", 1695759000),
				msgHit("chat-1", 102, "close by id", 1695759100),
				msgHit("chat-1", 300, "same afternoon", 1695760000),
				msgHit("chat-1", 301, "still same afternoon", 1695760100),
			), nil
		}
		return hitResponse(
			msgHit("chat-1", 101, "seed", 1695759000),
			msgHit("chat-1", 102, "close by id", 1695759100),
		), nil
	}}
	e := newTestExpander(t, q, 5)

	res, err := e.expand(context.Background(), testSeed("chat-1", 101, "seed", 0.5, 1695759000000))
	require.NoError(t, err)
	require.NotNil(t, res)

	reqs := q.recorded()
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[0].YQL, "message_date >=")
	assert.Contains(t, reqs[1].YQL, "OR (message_date >= ")
	assert.Equal(t, 4, res.MessageCount)
	assert.Equal(t, int64(101), res.Span.StartID)
	assert.Equal(t, int64(301), res.Span.EndID)
}

func TestExpandSkipsTimeWideningWithoutSeedDate(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		return hitResponse(msgHit("chat-1", 101, "seed", 1695759000)), nil
	}}
	e := newTestExpander(t, q, 5)

	res, err := e.expand(context.Background(), testSeed("chat-1", 101, "seed", 0.5, 0))
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Len(t, q.recorded(), 1)
}

func TestExpandMergePrefersTextBearingChunk(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		return hitResponse(
			msgHit("chat-1", 101, "   ", 1695759000),
			msgHit("chat-1", 101, "real text", 1695759000),
		), nil
	}}
	e := newTestExpander(t, q, 1)

	res, err := e.expand(context.Background(), testSeed("chat-1", 101, "seed", 0.5, 1695759000000))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.MessageCount)
	assert.Equal(t, "real text", res.Text)
}

func TestExpandSynthesizesMissingSeed(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		return hitResponse(
			msgHit("chat-1", 99, "before", 1695758900),
			msgHit("chat-1", 100, "right before", 1695758950),
		), nil
	}}
	e := newTestExpander(t, q, 1)

	res, err := e.expand(context.Background(), testSeed("chat-1", 101, "the seed line", 0.7, 1695759000000))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.MessageCount)
	assert.Equal(t, int64(101), res.Span.EndID)
	assert.True(t, strings.HasSuffix(res.Text, "the seed line"))
}

func TestExpandCentersOverlongWindow(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		hits := make([]vespa.Hit, 0, 11)
		for id := int64(100); id <= 110; id++ {
			hits = append(hits, msgHit("chat-1", id, fmt.Sprintf("message %d", id), 1695758000+id))
		}
		return hitResponse(hits...), nil
	}}
	e := newTestExpander(t, q, 1)
	e.maxMessages = 3

	res, err := e.expand(context.Background(), testSeed("chat-1", 105, "message 105", 0.9, 0))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.MessageCount)
	assert.Equal(t, int64(104), res.Span.StartID)
	assert.Equal(t, int64(106), res.Span.EndID)
	assert.Contains(t, res.Text, "message 105")
}

func TestExpandTokenCapNeverDropsSeed(t *testing.T) {
	long := strings.Repeat("waffle ", 120)
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		return hitResponse(
			msgHit("chat-1", 100, long, 1695758900),
			msgHit("chat-1", 105, "the seed line", 1695759000),
			msgHit("chat-1", 112, long, 1695759100),
		), nil
	}}
	e := newTestExpander(t, q, 1)
	e.tokenLimit = 20

	res, err := e.expand(context.Background(), testSeed("chat-1", 105, "the seed line", 0.9, 1695759000000))
	require.NoError(t, err)
	require.NotNil(t, res)
	// 112 is furthest, dropped first; 100 follows; the seed always survives.
	assert.Equal(t, 1, res.MessageCount)
	assert.Equal(t, "the seed line", res.Text)
	assert.Equal(t, int64(105), res.Span.StartID)
	assert.Equal(t, int64(105), res.Span.EndID)
}

func TestExpandKeepsWindowUnderTokenCap(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		return hitResponse(
			msgHit("chat-1", 104, "short", 1695758900),
			msgHit("chat-1", 105, "the seed line", 1695759000),
		), nil
	}}
	e := newTestExpander(t, q, 1)

	res, err := e.expand(context.Background(), testSeed("chat-1", 105, "the seed line", 0.9, 1695759000000))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.MessageCount)
}

func TestExpandEmptyWindowReturnsNil(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		return hitResponse(msgHit("chat-1", 101, "   ", 1695759000)), nil
	}}
	e := newTestExpander(t, q, 1)

	res, err := e.expand(context.Background(), testSeed("chat-1", 101, "", 0.5, 1695759000000))
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestExpandThreadFilter(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		return hitResponse(msgHit("chat-1", 101, "seed", 1695759000)), nil
	}}
	e := newTestExpander(t, q, 1)

	seed := testSeed("chat-1", 101, "seed", 0.5, 1695759000000)
	seed.RawFields["thread_id"] = float64(3)

	_, err := e.expand(context.Background(), seed)
	require.NoError(t, err)
	assert.Contains(t, q.recorded()[0].YQL, "thread_id = 3")
}

func TestExpandQueryError(t *testing.T) {
	q := &fakeQuerier{respond: func(req vespa.QueryRequest) (*vespa.QueryResponse, error) {
		return nil, errors.New("engine down")
	}}
	e := newTestExpander(t, q, 1)

	_, err := e.expand(context.Background(), testSeed("chat-1", 101, "seed", 0.5, 1695759000000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch message window")
}
