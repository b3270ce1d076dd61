package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/tokens"
	"github.com/rtyshyk/telegram-rag/internal/vespa"
)

// windowFetchSlack pads the neighbor hit limit above 2W+1 so messages split
// into several chunks do not crowd genuine neighbors out of the response.
const windowFetchSlack = 20

// expander grows one seed into a conversational snippet by fetching the
// surrounding message window and trimming it to size.
type expander struct {
	vespa          Querier
	estimator      *tokens.Estimator
	messageWindow  int
	timeWindowMins int
	minMessages    int
	maxMessages    int
	tokenLimit     int
	logger         *zap.Logger
}

// windowMessage is one merged message inside a seed's neighborhood.
type windowMessage struct {
	MessageID    int64
	Text         string
	TS           *int64
	SourceTitle  string
	ChatType     string
	ChatUsername string
}

// expand builds the candidate snippet for one seed. Returns nil when the
// window holds no usable text at all.
func (e *expander) expand(ctx context.Context, seed models.Seed) (*models.SearchResult, error) {
	threadID := seedThreadID(seed)
	lo := seed.MessageID - int64(e.messageWindow)
	hi := seed.MessageID + int64(e.messageWindow)

	msgs, err := e.fetchWindow(ctx, seed.ChatID, threadID, lo, hi, nil)
	if err != nil {
		return nil, err
	}

	// Sparse chats can have fewer than min_messages ids inside the window;
	// widen by wall-clock time around the seed and merge.
	if len(mergeByID(msgs)) < e.minMessages && seed.MessageDateMS != nil {
		secs := *seed.MessageDateMS / 1000
		tw := &timeWindow{
			From: secs - int64(e.timeWindowMins)*60,
			To:   secs + int64(e.timeWindowMins)*60,
		}
		widened, werr := e.fetchWindow(ctx, seed.ChatID, threadID, lo, hi, tw)
		if werr != nil {
			e.logger.Warn("time-window widening failed, keeping id window",
				zap.String("chat_id", seed.ChatID),
				zap.Int64("message_id", seed.MessageID),
				zap.Error(werr))
		} else {
			msgs = append(msgs, widened...)
		}
	}

	return e.assemble(seed, msgs), nil
}

func (e *expander) fetchWindow(ctx context.Context, chatID string, threadID *int64, lo, hi int64, tw *timeWindow) ([]windowMessage, error) {
	req := vespa.QueryRequest{
		YQL:     buildWindowYQL(chatID, threadID, lo, hi, tw),
		Hits:    2*e.messageWindow + 1 + windowFetchSlack,
		Ranking: "unranked",
		Timeout: "5s",
	}
	resp, err := e.vespa.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message window: %w", err)
	}
	msgs := make([]windowMessage, 0, len(resp.Root.Children))
	for _, hit := range resp.Root.Children {
		if m, ok := parseWindowMessage(hit); ok {
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}

// assemble applies the snippet sizing rules: merge chunks by message id,
// guarantee the seed's presence, order chronologically, then cut the window
// down to the configured message and token caps without ever losing the seed.
func (e *expander) assemble(seed models.Seed, msgs []windowMessage) *models.SearchResult {
	byID := make(map[int64]windowMessage, len(msgs))
	for _, m := range msgs {
		cur, ok := byID[m.MessageID]
		if !ok || (strings.TrimSpace(cur.Text) == "" && strings.TrimSpace(m.Text) != "") {
			byID[m.MessageID] = m
		}
	}
	if _, ok := byID[seed.MessageID]; !ok {
		byID[seed.MessageID] = synthesizeSeedMessage(seed)
	}

	window := make([]windowMessage, 0, len(byID))
	for _, m := range byID {
		if strings.TrimSpace(m.Text) != "" {
			window = append(window, m)
		}
	}
	if len(window) == 0 {
		e.logger.Debug("window empty after assembly",
			zap.String("chat_id", seed.ChatID),
			zap.Int64("message_id", seed.MessageID))
		return nil
	}
	sort.SliceStable(window, func(i, j int) bool {
		if window[i].MessageID != window[j].MessageID {
			return window[i].MessageID < window[j].MessageID
		}
		return tsOrZero(window[i]) < tsOrZero(window[j])
	})

	if len(window) > e.maxMessages {
		window = centerOnSeed(window, seed.MessageID, e.maxMessages)
	}
	window = e.capTokens(window, seed.MessageID)

	lines := make([]string, len(window))
	for i, m := range window {
		lines[i] = strings.TrimSpace(m.Text)
	}
	first, last := window[0], window[len(window)-1]

	res := &models.SearchResult{
		ChatID:        seed.ChatID,
		SeedMessageID: seed.MessageID,
		Span: models.SearchSpan{
			StartID: first.MessageID,
			EndID:   last.MessageID,
			StartTS: first.TS,
			EndTS:   last.TS,
		},
		Text:           strings.Join(lines, "\n"),
		MessageCount:   len(window),
		SeedScore:      seed.Score,
		RetrievalScore: seed.Score,
	}
	e.denormalize(res, seed, window)
	return res
}

// capTokens drops messages furthest from the seed until the rendered snippet
// fits the token budget. The seed itself is never dropped.
func (e *expander) capTokens(window []windowMessage, seedID int64) []windowMessage {
	for len(window) >= 2 && e.estimator.Count(renderWindow(window)) > e.tokenLimit {
		victim := -1
		var victimDist int64 = -1
		for i, m := range window {
			if m.MessageID == seedID {
				continue
			}
			if d := absInt64(m.MessageID - seedID); d > victimDist {
				victim, victimDist = i, d
			}
		}
		if victim < 0 {
			break
		}
		window = append(window[:victim], window[victim+1:]...)
	}
	return window
}

func renderWindow(window []windowMessage) string {
	var b strings.Builder
	for i, m := range window {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strings.TrimSpace(m.Text))
	}
	return b.String()
}

// centerOnSeed keeps max messages centred on the seed's position, shifting
// the window at the edges instead of shrinking it.
func centerOnSeed(window []windowMessage, seedID int64, max int) []windowMessage {
	seedIdx := 0
	var best int64 = -1
	for i, m := range window {
		d := absInt64(m.MessageID - seedID)
		if best < 0 || d < best {
			seedIdx, best = i, d
		}
	}
	start := seedIdx - max/2
	if start > len(window)-max {
		start = len(window) - max
	}
	if start < 0 {
		start = 0
	}
	return window[start : start+max]
}

// denormalize fills display fields from the seed hit, falling back to any
// window message that carries them.
func (e *expander) denormalize(res *models.SearchResult, seed models.Seed, window []windowMessage) {
	if seed.MessageDateMS != nil {
		secs := *seed.MessageDateMS / 1000
		res.MessageDate = &secs
	} else {
		for _, m := range window {
			if m.MessageID == seed.MessageID && m.TS != nil {
				res.MessageDate = m.TS
				break
			}
		}
	}

	title := vespa.FieldString(seed.RawFields, "source_title")
	chatType := vespa.FieldString(seed.RawFields, "chat_type")
	chatUsername := vespa.FieldString(seed.RawFields, "chat_username")
	for _, m := range window {
		if title == "" {
			title = m.SourceTitle
		}
		if chatType == "" {
			chatType = m.ChatType
		}
		if chatUsername == "" {
			chatUsername = m.ChatUsername
		}
	}
	res.SourceTitle = optional(title)
	res.ChatType = optional(chatType)
	res.ChatUsername = optional(chatUsername)
}

func synthesizeSeedMessage(seed models.Seed) windowMessage {
	m := windowMessage{
		MessageID:    seed.MessageID,
		Text:         seed.Text,
		SourceTitle:  vespa.FieldString(seed.RawFields, "source_title"),
		ChatType:     vespa.FieldString(seed.RawFields, "chat_type"),
		ChatUsername: vespa.FieldString(seed.RawFields, "chat_username"),
	}
	if seed.MessageDateMS != nil {
		secs := *seed.MessageDateMS / 1000
		m.TS = &secs
	}
	return m
}

func parseWindowMessage(hit vespa.Hit) (windowMessage, bool) {
	id, ok := vespa.FieldInt64(hit.Fields, "message_id")
	if !ok {
		return windowMessage{}, false
	}
	m := windowMessage{
		MessageID:    id,
		Text:         vespa.FieldString(hit.Fields, "text"),
		SourceTitle:  vespa.FieldString(hit.Fields, "source_title"),
		ChatType:     vespa.FieldString(hit.Fields, "chat_type"),
		ChatUsername: vespa.FieldString(hit.Fields, "chat_username"),
	}
	if secs, ok := vespa.FieldInt64(hit.Fields, "message_date"); ok {
		m.TS = &secs
	}
	return m, true
}

// mergeByID counts distinct messages in a chunk-level result set.
func mergeByID(msgs []windowMessage) map[int64]struct{} {
	ids := make(map[int64]struct{}, len(msgs))
	for _, m := range msgs {
		ids[m.MessageID] = struct{}{}
	}
	return ids
}

func seedThreadID(seed models.Seed) *int64 {
	if tid, ok := vespa.FieldInt64(seed.RawFields, "thread_id"); ok {
		return &tid
	}
	return nil
}

func tsOrZero(m windowMessage) int64 {
	if m.TS == nil {
		return 0
	}
	return *m.TS
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
