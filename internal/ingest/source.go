// Package ingest drives the indexing side of the system: it pulls
// messages out of a chat source, runs each one through
// normalise/chunk/embed, and lands the results in the durable store and
// the search index. The coordinator offers a one-shot catch-up mode and
// a daemon mode that tails live events with resumable backfill.
package ingest

import (
	"context"
	"time"

	"github.com/rtyshyk/telegram-rag/internal/models"
)

// ResolvedChat is one chat the coordinator operates on.
type ResolvedChat struct {
	ChatID     string
	SourceName string // the name or id the chat was requested by
	Title      string
	Type       string
	Username   *string
}

// IterOptions bounds one pass over a chat's history.
type IterOptions struct {
	// Since drops messages older than this instant. Zero means full history.
	Since time.Time
	// Limit caps the number of messages yielded. Zero means unlimited.
	Limit int
	// Reverse yields oldest first.
	Reverse bool
	// MinID yields only messages with an id strictly greater than this.
	MinID int64
}

// MessageHandler receives one live message event.
type MessageHandler func(msg models.Message)

// DeleteHandler receives one message-deleted event. Deleted messages
// carry no content, only their ids.
type DeleteHandler func(chatID string, messageIDs []int64)

// Source abstracts the chat platform the indexer reads from. Event
// registration is only meaningful for live sources; static sources keep
// the registrations and never fire them.
type Source interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// ResolveChats maps requested names, usernames or ids to chats.
	// Unresolvable entries are skipped, not fatal.
	ResolveChats(ctx context.Context, names []string) ([]ResolvedChat, error)
	// AllChats lists every chat name the source can see.
	AllChats(ctx context.Context) ([]string, error)

	// IterMessages walks one chat's history, calling fn per message.
	// A non-nil error from fn stops the walk and is returned.
	IterMessages(ctx context.Context, chatID string, opts IterOptions, fn func(models.Message) error) error
	// MessageByID fetches a single message, or nil when it is gone.
	MessageByID(ctx context.Context, chatID string, messageID int64) (*models.Message, error)

	OnNewMessage(fn MessageHandler)
	OnEdit(fn MessageHandler)
	OnDelete(fn DeleteHandler)

	// Connected reports source connectivity; the daemon watchdog polls it.
	Connected() bool
}
