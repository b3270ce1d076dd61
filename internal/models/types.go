package models

import (
	"fmt"
	"time"
)

// Chat types as stored on chunks and indexed documents
const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
	ChatTypeChannel = "channel"
	ChatTypeSaved   = "saved"
	ChatTypeUnknown = "unknown"
)

// Embedding models and their vector dimensions
const (
	EmbedModelSmall = "text-embedding-3-small"
	EmbedModelLarge = "text-embedding-3-large"

	DimSmall = 1536
	DimLarge = 3072
)

// EmbedDim returns the expected vector dimension for an embedding model,
// or 0 when the model is unknown.
func EmbedDim(model string) int {
	switch model {
	case EmbedModelSmall:
		return DimSmall
	case EmbedModelLarge:
		return DimLarge
	default:
		return 0
	}
}

// Message is an immutable snapshot of one chat message from the source platform.
type Message struct {
	ChatID         string  `json:"chat_id"`
	MessageID      int64   `json:"message_id"`
	MessageDate    int64   `json:"message_date"` // epoch seconds
	EditDate       *int64  `json:"edit_date,omitempty"`
	Sender         *string `json:"sender,omitempty"`
	SenderUsername *string `json:"sender_username,omitempty"`
	ChatUsername   *string `json:"chat_username,omitempty"`
	ChatType       string  `json:"chat_type"`
	ThreadID       *int64  `json:"thread_id,omitempty"`
	ReplyToMsgID   *int64  `json:"reply_to_msg_id,omitempty"`
	Text           string  `json:"text"`
	SourceTitle    *string `json:"source_title,omitempty"`
}

// Chunk is the smallest retrievable unit; one or more per message.
type Chunk struct {
	ChunkID        string  `json:"chunk_id" db:"chunk_id"`
	ChatID         string  `json:"chat_id" db:"chat_id"`
	MessageID      int64   `json:"message_id" db:"message_id"`
	ChunkIdx       int     `json:"chunk_idx" db:"chunk_idx"`
	TextHash       string  `json:"text_hash" db:"text_hash"`
	MessageDate    int64   `json:"message_date" db:"message_date"`
	EditDate       *int64  `json:"edit_date,omitempty" db:"edit_date"`
	DeletedAt      *int64  `json:"deleted_at,omitempty" db:"deleted_at"`
	Sender         *string `json:"sender,omitempty" db:"sender"`
	SenderUsername *string `json:"sender_username,omitempty" db:"sender_username"`
	ChatUsername   *string `json:"chat_username,omitempty" db:"chat_username"`
	ChatType       string  `json:"chat_type" db:"chat_type"`
	ThreadID       *int64  `json:"thread_id,omitempty" db:"thread_id"`
	SourceTitle    *string `json:"source_title,omitempty" db:"source_title"`
	HasLink        bool    `json:"has_link" db:"has_link"`
}

// ChunkID renders the canonical chunk identity for a message slice.
// The chunking version participates so a version bump recreates every chunk.
func ChunkID(chatID string, messageID int64, chunkIdx, chunkingVersion int) string {
	return fmt.Sprintf("%s:%d:%d:v%d", chatID, messageID, chunkIdx, chunkingVersion)
}

// EmbeddingCacheEntry is one durable row of the content-addressed embedding cache.
type EmbeddingCacheEntry struct {
	TextHash          string    `json:"text_hash" db:"text_hash"`
	Model             string    `json:"model" db:"model"`
	Dim               int       `json:"dim" db:"dim"`
	Vector            []float32 `json:"-" db:"-"`
	Lang              *string   `json:"lang,omitempty" db:"lang"`
	ChunkingVersion   int       `json:"chunking_version" db:"chunking_version"`
	PreprocessVersion int       `json:"preprocess_version" db:"preprocess_version"`
}

// IndexedDocument carries everything the search engine stores for one chunk.
// Exactly one of VectorSmall/VectorLarge is set, selected by the embed model.
type IndexedDocument struct {
	Chunk
	Text        string    `json:"text"`
	BM25Text    string    `json:"bm25_text"`
	VectorSmall []float32 `json:"vector_small,omitempty"`
	VectorLarge []float32 `json:"vector_large,omitempty"`
}

// Seed is a first-pass search hit before context expansion.
type Seed struct {
	ID            string                 `json:"id"`
	ChatID        string                 `json:"chat_id"`
	MessageID     int64                  `json:"message_id"`
	MessageDateMS *int64                 `json:"message_date_ms,omitempty"`
	Text          string                 `json:"text"`
	Score         float64                `json:"score"`
	RawFields     map[string]interface{} `json:"-"`
}

// SearchSpan delimits the message window a candidate snippet covers.
type SearchSpan struct {
	StartID int64  `json:"start_id"`
	EndID   int64  `json:"end_id"`
	StartTS *int64 `json:"start_ts,omitempty"`
	EndTS   *int64 `json:"end_ts,omitempty"`
}

// SearchResult is a seed grown into a conversational snippet and size-capped.
type SearchResult struct {
	ChatID         string     `json:"chat_id"`
	SeedMessageID  int64      `json:"seed_message_id"`
	Span           SearchSpan `json:"span"`
	Text           string     `json:"text"`
	MessageCount   int        `json:"message_count"`
	SeedScore      float64    `json:"seed_score"`
	RetrievalScore float64    `json:"retrieval_score"`
	RerankScore    *float64   `json:"rerank_score,omitempty"`
	MessageDate    *int64     `json:"message_date,omitempty"`
	SourceTitle    *string    `json:"source_title,omitempty"`
	ChatType       *string    `json:"chat_type,omitempty"`
	ChatUsername   *string    `json:"chat_username,omitempty"`
}

// ChatInfo is one row of the chat overview aggregation.
type ChatInfo struct {
	ChatID       string `json:"chat_id"`
	SourceTitle  string `json:"source_title"`
	ChatType     string `json:"chat_type"`
	MessageCount int64  `json:"message_count"`
}

// ChatUsage reports token consumption and estimated cost for one answer.
type ChatUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Model            string  `json:"model"`
	Estimated        bool    `json:"estimated"`
}

// ChatTurn is one prior exchange supplied by the client with /chat.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CheckpointEntry records ingest progress for one chat.
type CheckpointEntry struct {
	LastMessageID int64     `json:"last_message_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}
