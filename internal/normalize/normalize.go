// Package normalize prepares raw chat messages for chunking and indexing.
package normalize

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rtyshyk/telegram-rag/internal/tokens"
)

var (
	linkRe       = regexp.MustCompile(`(?i)https?://`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// replySeparator joins quoted reply context with the main message body.
const replySeparator = "\n\n——\n\n"

// DefaultMaxReplyTokens bounds how much quoted reply context is carried
// into a chunk before truncation.
const DefaultMaxReplyTokens = 120

// Result is the normalised view of one message.
type Result struct {
	DisplayText string
	BM25Text    string
	HasLink     bool
	Header      string
}

// Text collapses whitespace runs and reports whether the text carries an
// HTTP or HTTPS link. URLs stay verbatim in both the display and the lexical
// form so they remain searchable.
func Text(text string) (display, bm25 string, hasLink bool) {
	if text == "" {
		return "", "", false
	}
	hasLink = linkRe.MatchString(text)
	collapsed := strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	return collapsed, collapsed, hasLink
}

// Header renders the per-message header "[YYYY-MM-DD HH:MM • sender]".
// The sender falls back from @username to the full name to "Unknown".
// Timestamps render in UTC so re-ingesting on another host is stable.
func Header(sender, senderUsername *string, messageDate int64) string {
	ts := time.Unix(messageDate, 0).UTC().Format("2006-01-02 15:04")
	who := "Unknown"
	switch {
	case senderUsername != nil && *senderUsername != "":
		who = "@" + *senderUsername
	case sender != nil && *sender != "":
		who = *sender
	}
	return fmt.Sprintf("[%s • %s]", ts, who)
}

// ComposeWithReply splices truncated reply context above the main text.
// The reply budget is a token count; truncation lands on a word boundary.
func ComposeWithReply(mainText, replyText string, maxReplyTokens int) string {
	if replyText == "" {
		return mainText
	}
	if maxReplyTokens <= 0 {
		maxReplyTokens = DefaultMaxReplyTokens
	}
	return tokens.Truncate(replyText, maxReplyTokens) + replySeparator + mainText
}

// Message runs the full normalisation for one message. The main text is
// whitespace-collapsed first; reply context is spliced in afterwards so the
// reply separator survives. The link flag reflects the main text only.
func Message(text, replyText string, sender, senderUsername *string, messageDate int64, maxReplyTokens int) Result {
	display, bm25, hasLink := Text(text)
	return Result{
		DisplayText: ComposeWithReply(display, replyText, maxReplyTokens),
		BM25Text:    bm25,
		HasLink:     hasLink,
		Header:      Header(sender, senderUsername, messageDate),
	}
}
