// Package answer turns a retrieval pass into a streamed, cited reply:
// rate limiting, history-aware query reformulation, an optional
// search-decision gate, context assembly under a token budget, and a
// streaming completion with usage accounting.
package answer

import (
	"github.com/rtyshyk/telegram-rag/internal/models"
)

// Chunk types streamed to the client, in emission order.
const (
	ChunkReformulate = "reformulate"
	ChunkSearch      = "search"
	ChunkStart       = "start"
	ChunkContent     = "content"
	ChunkCitations   = "citations"
	ChunkUsage       = "usage"
	ChunkEnd         = "end"
	ChunkError       = "error"
)

// Request is the body of one /chat call.
type Request struct {
	Message        string            `json:"message"`
	Model          string            `json:"model,omitempty"`
	History        []models.ChatTurn `json:"history,omitempty"`
	ChatFilter     string            `json:"chat_filter,omitempty"`
	ThreadID       *int64            `json:"thread_id,omitempty"`
	ExpansionLevel int               `json:"expansion_level,omitempty"`
}

// Citation points one answer snippet back at its source window.
type Citation struct {
	ChatID      string `json:"chat_id"`
	MessageID   int64  `json:"message_id"`
	SourceTitle string `json:"source_title,omitempty"`
	MessageDate *int64 `json:"message_date,omitempty"`
}

// Chunk is one streamed chat event. Exactly one of the optional fields
// is populated depending on Type.
type Chunk struct {
	Type               string            `json:"type"`
	Content            string            `json:"content,omitempty"`
	Citations          []Citation        `json:"citations,omitempty"`
	Usage              *models.ChatUsage `json:"usage,omitempty"`
	TimingSeconds      *float64          `json:"timing_seconds,omitempty"`
	SearchResultsCount *int              `json:"search_results_count,omitempty"`
	ReformulatedQuery  string            `json:"reformulated_query,omitempty"`
}

// Emit delivers one chunk to the client. A non-nil error means the
// client is gone and streaming stops.
type Emit func(Chunk) error
