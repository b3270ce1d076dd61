package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/chunk"
	"github.com/rtyshyk/telegram-rag/internal/metrics"
	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/normalize"
	"github.com/rtyshyk/telegram-rag/internal/store"
)

// ChunkStore is the durable-store surface the processor writes through.
type ChunkStore interface {
	GetChunks(ctx context.Context, chatID string, messageID int64) ([]models.Chunk, error)
	UpsertChunks(ctx context.Context, chunks []models.Chunk) error
	MarkChunksDeleted(ctx context.Context, chatID string, messageID, deletedAt int64) error
	UpdateSyncState(ctx context.Context, state store.SyncState) error
}

// Embeddings is the vector surface the processor embeds through.
type Embeddings interface {
	Hash(text string) string
	Model() string
	Dimensions() int
	EmbedTexts(ctx context.Context, texts []string, dryRun bool) (map[string][]float32, error)
}

// Feeder is the index surface the processor feeds and deletes through.
type Feeder interface {
	FeedDocuments(ctx context.Context, docs []models.IndexedDocument) int
	DeleteMessageChunks(ctx context.Context, chatID string, messageID int64, chunkingVersion int) int
}

// ReplyFetcher resolves quoted-reply context for one message.
type ReplyFetcher interface {
	MessageByID(ctx context.Context, chatID string, messageID int64) (*models.Message, error)
}

// ProcessorConfig carries the versioning and sizing knobs of the
// per-message pipeline.
type ProcessorConfig struct {
	ChunkingVersion    int
	ReplyContextTokens int
	DryRun             bool
}

// Processor turns one message into chunk rows and indexed documents:
// skip-if-unchanged, reply splice, normalise, chunk, embed through the
// cache, then upsert and feed.
type Processor struct {
	store    ChunkStore
	replies  ReplyFetcher
	chunker  *chunk.Chunker
	embedder Embeddings
	feeder   Feeder
	cfg      ProcessorConfig
	logger   *zap.Logger
	counters *Counters
}

// NewProcessor wires the per-message pipeline.
func NewProcessor(st ChunkStore, replies ReplyFetcher, chunker *chunk.Chunker, embedder Embeddings, feeder Feeder, cfg ProcessorConfig, counters *Counters, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counters == nil {
		counters = &Counters{}
	}
	return &Processor{
		store:    st,
		replies:  replies,
		chunker:  chunker,
		embedder: embedder,
		feeder:   feeder,
		cfg:      cfg,
		logger:   logger,
		counters: counters,
	}
}

// Process runs one message end-to-end. Unchanged messages are skipped;
// dry-run stops after the embedding cost estimate.
func (p *Processor) Process(ctx context.Context, msg models.Message) error {
	existing, err := p.store.GetChunks(ctx, msg.ChatID, msg.MessageID)
	if err != nil {
		return fmt.Errorf("failed to look up existing chunks: %w", err)
	}
	if len(existing) > 0 && !needsUpdate(msg, existing) {
		p.logger.Debug("skipping unchanged message",
			zap.String("chat_id", msg.ChatID),
			zap.Int64("message_id", msg.MessageID))
		p.counters.AddSkipped(1)
		metrics.RecordMessageProcessed("skipped")
		return nil
	}

	replyText := ""
	if msg.ReplyToMsgID != nil && p.replies != nil {
		reply, err := p.replies.MessageByID(ctx, msg.ChatID, *msg.ReplyToMsgID)
		if err != nil {
			p.logger.Warn("failed to fetch reply context",
				zap.String("chat_id", msg.ChatID),
				zap.Int64("message_id", msg.MessageID),
				zap.Int64("reply_to", *msg.ReplyToMsgID),
				zap.Error(err))
		} else if reply != nil {
			replyText = reply.Text
		}
	}

	norm := normalize.Message(msg.Text, replyText, msg.Sender, msg.SenderUsername, msg.MessageDate, p.cfg.ReplyContextTokens)

	pieces, err := p.chunker.Split(norm.DisplayText, norm.Header)
	if err != nil {
		if errors.Is(err, chunk.ErrEmpty) {
			p.logger.Debug("no chunks for message",
				zap.String("chat_id", msg.ChatID),
				zap.Int64("message_id", msg.MessageID))
			p.counters.AddSkipped(1)
			metrics.RecordMessageProcessed("skipped")
			return nil
		}
		return fmt.Errorf("failed to chunk message: %w", err)
	}

	rows := make([]models.Chunk, 0, len(pieces))
	texts := make([]string, 0, len(pieces))
	for idx, piece := range pieces {
		rows = append(rows, models.Chunk{
			ChunkID:        models.ChunkID(msg.ChatID, msg.MessageID, idx, p.cfg.ChunkingVersion),
			ChatID:         msg.ChatID,
			MessageID:      msg.MessageID,
			ChunkIdx:       idx,
			TextHash:       p.embedder.Hash(piece.FullText),
			MessageDate:    msg.MessageDate,
			EditDate:       msg.EditDate,
			Sender:         msg.Sender,
			SenderUsername: msg.SenderUsername,
			ChatUsername:   msg.ChatUsername,
			ChatType:       msg.ChatType,
			ThreadID:       msg.ThreadID,
			SourceTitle:    msg.SourceTitle,
			HasLink:        norm.HasLink,
		})
		texts = append(texts, piece.FullText)
	}

	vectors, err := p.embedder.EmbedTexts(ctx, texts, p.cfg.DryRun)
	if err != nil {
		metrics.RecordMessageProcessed("error")
		return fmt.Errorf("failed to embed message %s:%d: %w", msg.ChatID, msg.MessageID, err)
	}

	if p.cfg.DryRun {
		p.logger.Info("dry run, skipping store and feed",
			zap.String("chat_id", msg.ChatID),
			zap.Int64("message_id", msg.MessageID),
			zap.Int("chunks", len(rows)))
		return nil
	}

	docs := make([]models.IndexedDocument, 0, len(rows))
	for i, row := range rows {
		vec, ok := vectors[row.TextHash]
		if !ok {
			p.logger.Warn("missing vector for chunk", zap.String("chunk_id", row.ChunkID))
			continue
		}
		doc := models.IndexedDocument{
			Chunk:    row,
			Text:     texts[i],
			BM25Text: pieces[i].Lexical,
		}
		if p.embedder.Dimensions() == models.DimLarge {
			doc.VectorLarge = vec
		} else {
			doc.VectorSmall = vec
		}
		docs = append(docs, doc)
	}

	if err := p.store.UpsertChunks(ctx, rows); err != nil {
		metrics.RecordMessageProcessed("error")
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}
	fed := p.feeder.FeedDocuments(ctx, docs)

	sync := store.SyncState{ChatID: msg.ChatID, LastMessageID: &msg.MessageID}
	if msg.EditDate != nil {
		sync.LastEditTS = msg.EditDate
	}
	if err := p.store.UpdateSyncState(ctx, sync); err != nil {
		p.logger.Warn("failed to advance sync state",
			zap.String("chat_id", msg.ChatID),
			zap.Error(err))
	}

	p.counters.AddIndexed(1)
	p.counters.AddChunks(int64(len(rows)))
	p.counters.AddFeeds(int64(fed), int64(len(docs)-fed))
	metrics.RecordMessageProcessed("indexed")
	metrics.ChunksIndexed.Add(float64(len(rows)))

	p.logger.Debug("message processed",
		zap.String("chat_id", msg.ChatID),
		zap.Int64("message_id", msg.MessageID),
		zap.Int("chunks", len(rows)),
		zap.Int("fed", fed))
	return nil
}

// Delete tombstones a message's chunks and removes them from the index.
func (p *Processor) Delete(ctx context.Context, chatID string, messageID int64) error {
	if err := p.store.MarkChunksDeleted(ctx, chatID, messageID, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to tombstone chunks: %w", err)
	}
	removed := p.feeder.DeleteMessageChunks(ctx, chatID, messageID, p.cfg.ChunkingVersion)
	metrics.RecordMessageProcessed("deleted")
	p.logger.Info("message deleted",
		zap.String("chat_id", chatID),
		zap.Int64("message_id", messageID),
		zap.Int("index_chunks_removed", removed))
	return nil
}

// needsUpdate reports whether an already-indexed message advanced.
func needsUpdate(msg models.Message, existing []models.Chunk) bool {
	if msg.EditDate == nil {
		return false
	}
	for _, c := range existing {
		if c.EditDate == nil || *msg.EditDate > *c.EditDate {
			return true
		}
	}
	return false
}
