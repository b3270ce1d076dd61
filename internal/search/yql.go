// Package search turns a user query into ranked conversational snippets:
// hybrid seed retrieval over Vespa, near-duplicate dedupe, context expansion
// around each seed, and optional reranking.
package search

import (
	"fmt"
	"strings"
	"unicode"
)

// notDeletedClause excludes tombstoned chunks. Documents fed before the
// tombstone column existed have no deleted_at field at all, hence the
// hasField leg.
const notDeletedClause = "(!(hasField(deleted_at)) OR deleted_at = 0)"

// escapeYQL makes a value safe inside a single-quoted YQL literal. Vespa has
// no escape syntax for quotes in annotations, so they are percent-encoded.
func escapeYQL(s string) string {
	return strings.ReplaceAll(s, "'", "%27")
}

// hasCyrillic reports whether any rune is Cyrillic script. Used to pin the
// query language to Ukrainian instead of relying on autodetection, which
// misfires on short queries.
func hasCyrillic(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Cyrillic, r) {
			return true
		}
	}
	return false
}

// Filters narrow retrieval to one chat and optionally one thread.
type Filters struct {
	ChatID   string
	ThreadID *int64
}

func (f Filters) clauses() []string {
	var out []string
	if f.ChatID != "" {
		out = append(out, fmt.Sprintf("chat_id contains '%s'", escapeYQL(f.ChatID)))
	}
	if f.ThreadID != nil {
		out = append(out, fmt.Sprintf("thread_id = %d", *f.ThreadID))
	}
	return out
}

// vectorClause is the nearest-neighbor leg of a hybrid seed query.
type vectorClause struct {
	Field      string
	Tensor     string
	TargetHits int
}

// buildSeedYQL assembles the seed query. The lexical leg runs weakAnd over
// bm25_text through userInput(@query); vec adds a nearestNeighbor leg. With
// neither leg the match degenerates to true and filters do all the work.
func buildSeedYQL(f Filters, vec *vectorClause, lexical bool) string {
	var legs []string
	if vec != nil {
		legs = append(legs, fmt.Sprintf("({targetHits:%d} nearestNeighbor(%s, %s))", vec.TargetHits, vec.Field, vec.Tensor))
	}
	if lexical {
		legs = append(legs, `({grammar:"weakAnd", defaultIndex:"bm25_text"} userInput(@query))`)
	}
	match := "true"
	if len(legs) > 0 {
		match = "(" + strings.Join(legs, " OR ") + ")"
	}
	where := append([]string{match}, f.clauses()...)
	where = append(where, notDeletedClause)
	return "select * from sources message where " + strings.Join(where, " AND ")
}

// timeWindow is an inclusive message_date range in epoch seconds.
type timeWindow struct {
	From int64
	To   int64
}

// buildWindowYQL fetches the neighborhood of a seed: every chunk in the chat
// with message_id in [loID, hiID], optionally unioned with a message_date
// window when the id range alone came back too sparse. Ascending id order so
// assembly sees messages oldest first.
func buildWindowYQL(chatID string, threadID *int64, loID, hiID int64, tw *timeWindow) string {
	rangeClause := fmt.Sprintf("(message_id >= %d AND message_id <= %d)", loID, hiID)
	if tw != nil {
		rangeClause = fmt.Sprintf("(%s OR (message_date >= %d AND message_date <= %d))", rangeClause, tw.From, tw.To)
	}
	where := []string{
		fmt.Sprintf("chat_id contains '%s'", escapeYQL(chatID)),
		rangeClause,
	}
	if threadID != nil {
		where = append(where, fmt.Sprintf("thread_id = %d", *threadID))
	}
	where = append(where, notDeletedClause)
	return "select * from sources message where " + strings.Join(where, " AND ") + " order by message_id asc"
}

// chatsGroupingYQL aggregates the corpus by chat: one summary hit per chat
// for the denormalised title fields plus a chunk count.
const chatsGroupingYQL = "select * from sources message where true limit 0 | all(group(chat_id) each(max(1) each(output(summary())) output(count())))"
