package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/models"
)

const schema = `
-- Track per-chat sync state
CREATE TABLE IF NOT EXISTS tg_sync_state (
  chat_id TEXT PRIMARY KEY,
  last_message_id BIGINT,
  last_edit_ts BIGINT,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Embedding cache
CREATE TABLE IF NOT EXISTS embedding_cache (
  text_hash TEXT PRIMARY KEY,
  model TEXT NOT NULL,
  dim INT NOT NULL,
  vector BYTEA NOT NULL,
  lang TEXT,
  chunking_version INT NOT NULL,
  preprocess_version INT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Ingested chunks
CREATE TABLE IF NOT EXISTS chunks (
  chunk_id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  message_id BIGINT NOT NULL,
  chunk_idx INT NOT NULL,
  text_hash TEXT NOT NULL,
  message_date BIGINT NOT NULL,
  edit_date BIGINT,
  deleted_at BIGINT,
  sender TEXT,
  sender_username TEXT,
  chat_username TEXT,
  chat_type TEXT,
  thread_id BIGINT,
  source_title TEXT,
  has_link BOOL DEFAULT FALSE
);
ALTER TABLE chunks ADD COLUMN IF NOT EXISTS source_title TEXT;

CREATE INDEX IF NOT EXISTS idx_chunks_chat_msg ON chunks(chat_id, message_id);
CREATE INDEX IF NOT EXISTS idx_chunks_texthash ON chunks(text_hash);
`

// SyncState tracks how far ingestion has progressed for one chat.
type SyncState struct {
	ChatID        string `db:"chat_id"`
	LastMessageID *int64 `db:"last_message_id"`
	LastEditTS    *int64 `db:"last_edit_ts"`
}

// Store provides the durable chunk and embedding-cache tables.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to Postgres and configures the connection pool.
func Open(databaseURL string, maxOpen, maxIdle int, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxOpen <= 0 {
		maxOpen = 10
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")
	return &Store{db: db, logger: logger}, nil
}

// New wraps an existing connection; used by tests.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity; used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureSchema creates the required tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	s.logger.Info("Database tables created/verified")
	return nil
}

// GetChunks returns all chunk rows for one message, including tombstoned ones.
func (s *Store) GetChunks(ctx context.Context, chatID string, messageID int64) ([]models.Chunk, error) {
	var chunks []models.Chunk
	err := s.db.SelectContext(ctx, &chunks, `
		SELECT chunk_id, chat_id, message_id, chunk_idx, text_hash, message_date,
		       edit_date, deleted_at, sender, sender_username, chat_username, chat_type,
		       thread_id, source_title, has_link
		FROM chunks WHERE chat_id = $1 AND message_id = $2
		ORDER BY chunk_idx`,
		chatID, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	return chunks, nil
}

// UpsertChunk inserts or updates one chunk row keyed by chunk_id.
func (s *Store) UpsertChunk(ctx context.Context, c models.Chunk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (
		    chunk_id, chat_id, message_id, chunk_idx, text_hash, message_date,
		    edit_date, deleted_at, sender, sender_username, chat_username, chat_type,
		    thread_id, source_title, has_link
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (chunk_id) DO UPDATE SET
		    text_hash = EXCLUDED.text_hash,
		    edit_date = EXCLUDED.edit_date,
		    deleted_at = EXCLUDED.deleted_at,
		    sender = EXCLUDED.sender,
		    sender_username = EXCLUDED.sender_username,
		    chat_username = EXCLUDED.chat_username,
		    chat_type = EXCLUDED.chat_type,
		    thread_id = EXCLUDED.thread_id,
		    source_title = EXCLUDED.source_title,
		    has_link = EXCLUDED.has_link`,
		c.ChunkID, c.ChatID, c.MessageID, c.ChunkIdx, c.TextHash, c.MessageDate,
		c.EditDate, c.DeletedAt, c.Sender, c.SenderUsername, c.ChatUsername, c.ChatType,
		c.ThreadID, c.SourceTitle, c.HasLink)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %s: %w", c.ChunkID, err)
	}
	return nil
}

// UpsertChunks writes a batch of chunk rows in one transaction.
func (s *Store) UpsertChunks(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (
			    chunk_id, chat_id, message_id, chunk_idx, text_hash, message_date,
			    edit_date, deleted_at, sender, sender_username, chat_username, chat_type,
			    thread_id, source_title, has_link
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (chunk_id) DO UPDATE SET
			    text_hash = EXCLUDED.text_hash,
			    edit_date = EXCLUDED.edit_date,
			    deleted_at = EXCLUDED.deleted_at,
			    sender = EXCLUDED.sender,
			    sender_username = EXCLUDED.sender_username,
			    chat_username = EXCLUDED.chat_username,
			    chat_type = EXCLUDED.chat_type,
			    thread_id = EXCLUDED.thread_id,
			    source_title = EXCLUDED.source_title,
			    has_link = EXCLUDED.has_link`,
			c.ChunkID, c.ChatID, c.MessageID, c.ChunkIdx, c.TextHash, c.MessageDate,
			c.EditDate, c.DeletedAt, c.Sender, c.SenderUsername, c.ChatUsername, c.ChatType,
			c.ThreadID, c.SourceTitle, c.HasLink); err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.ChunkID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk batch: %w", err)
	}
	return nil
}

// MarkChunksDeleted tombstones every chunk of one message.
func (s *Store) MarkChunksDeleted(ctx context.Context, chatID string, messageID, deletedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE chunks SET deleted_at = $3 WHERE chat_id = $1 AND message_id = $2",
		chatID, messageID, deletedAt)
	if err != nil {
		return fmt.Errorf("failed to mark chunks deleted: %w", err)
	}
	return nil
}

// cacheRow is the scan target for embedding_cache with the raw vector bytes.
type cacheRow struct {
	TextHash          string  `db:"text_hash"`
	Model             string  `db:"model"`
	Dim               int     `db:"dim"`
	Vector            []byte  `db:"vector"`
	Lang              *string `db:"lang"`
	ChunkingVersion   int     `db:"chunking_version"`
	PreprocessVersion int     `db:"preprocess_version"`
}

func (r cacheRow) toEntry() (models.EmbeddingCacheEntry, error) {
	vec, err := BytesToVector(r.Vector)
	if err != nil {
		return models.EmbeddingCacheEntry{}, fmt.Errorf("corrupt cached vector for %s: %w", r.TextHash, err)
	}
	return models.EmbeddingCacheEntry{
		TextHash:          r.TextHash,
		Model:             r.Model,
		Dim:               r.Dim,
		Vector:            vec,
		Lang:              r.Lang,
		ChunkingVersion:   r.ChunkingVersion,
		PreprocessVersion: r.PreprocessVersion,
	}, nil
}

// GetCachedEmbedding returns the cache row for one hash, or nil on a miss.
func (s *Store) GetCachedEmbedding(ctx context.Context, textHash string) (*models.EmbeddingCacheEntry, error) {
	var row cacheRow
	err := s.db.GetContext(ctx, &row, `
		SELECT text_hash, model, dim, vector, lang, chunking_version, preprocess_version
		FROM embedding_cache WHERE text_hash = $1`,
		textHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to probe embedding cache: %w", err)
	}
	entry, err := row.toEntry()
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetCachedEmbeddings probes the cache for a batch of hashes in one query.
func (s *Store) GetCachedEmbeddings(ctx context.Context, hashes []string) (map[string]models.EmbeddingCacheEntry, error) {
	out := make(map[string]models.EmbeddingCacheEntry, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
		SELECT text_hash, model, dim, vector, lang, chunking_version, preprocess_version
		FROM embedding_cache WHERE text_hash IN (?)`, hashes)
	if err != nil {
		return nil, fmt.Errorf("failed to build cache probe: %w", err)
	}
	query = s.db.Rebind(query)

	var rows []cacheRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to probe embedding cache: %w", err)
	}
	for _, r := range rows {
		entry, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		out[r.TextHash] = entry
	}
	return out, nil
}

// CacheEmbedding stores one vector; concurrent inserts of the same hash are safe.
func (s *Store) CacheEmbedding(ctx context.Context, e models.EmbeddingCacheEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embedding_cache (text_hash, model, dim, vector, lang, chunking_version, preprocess_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (text_hash) DO NOTHING`,
		e.TextHash, e.Model, e.Dim, VectorToBytes(e.Vector), e.Lang, e.ChunkingVersion, e.PreprocessVersion)
	if err != nil {
		return fmt.Errorf("failed to cache embedding: %w", err)
	}
	return nil
}

// GetSyncState returns the sync row for a chat, or nil when none exists.
func (s *Store) GetSyncState(ctx context.Context, chatID string) (*SyncState, error) {
	var state SyncState
	err := s.db.GetContext(ctx, &state,
		"SELECT chat_id, last_message_id, last_edit_ts FROM tg_sync_state WHERE chat_id = $1",
		chatID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return &state, nil
}

// UpdateSyncState advances the sync row for a chat. The stored ids only move
// forward; a concurrent worker writing an older id cannot regress them.
func (s *Store) UpdateSyncState(ctx context.Context, state SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tg_sync_state (chat_id, last_message_id, last_edit_ts, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chat_id) DO UPDATE SET
		    last_message_id = GREATEST(COALESCE(tg_sync_state.last_message_id, 0), COALESCE(EXCLUDED.last_message_id, 0)),
		    last_edit_ts = GREATEST(COALESCE(tg_sync_state.last_edit_ts, 0), COALESCE(EXCLUDED.last_edit_ts, 0)),
		    updated_at = now()`,
		state.ChatID, state.LastMessageID, state.LastEditTS)
	if err != nil {
		return fmt.Errorf("failed to update sync state: %w", err)
	}
	return nil
}

// VectorToBytes packs a float32 vector as little-endian 4-byte values.
func VectorToBytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// BytesToVector unpacks a little-endian float32 byte string.
func BytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector byte length %d is not a multiple of 4", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}
