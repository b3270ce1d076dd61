package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/metrics"
	"github.com/rtyshyk/telegram-rag/internal/models"
)

// checkpointVersion is the on-disk snapshot format version.
const checkpointVersion = 1

type checkpointSnapshot struct {
	Version int                               `json:"version"`
	Chats   map[string]models.CheckpointEntry `json:"chats"`
}

// CheckpointStore persists per-chat backfill progress to a JSON file.
// It is the file's only writer; ids only move forward, so a worker
// reporting an older id cannot regress a chat.
type CheckpointStore struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	chats  map[string]models.CheckpointEntry
	loaded bool
}

// NewCheckpointStore creates a store for the given path. Nothing is read
// until Load.
func NewCheckpointStore(path string, logger *zap.Logger) *CheckpointStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointStore{
		path:   path,
		logger: logger,
		chats:  make(map[string]models.CheckpointEntry),
	}
}

// Load reads the snapshot from disk once. A missing file starts empty; an
// unreadable or future-versioned file is logged and also starts empty, so
// a corrupt snapshot costs a re-scan rather than a dead daemon.
func (s *CheckpointStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return nil
	}
	s.loaded = true

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var snap checkpointSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.logger.Warn("checkpoint file is corrupt, starting empty",
			zap.String("path", s.path),
			zap.Error(err))
		return nil
	}
	if snap.Version > checkpointVersion {
		s.logger.Warn("checkpoint file written by a newer version, starting empty",
			zap.String("path", s.path),
			zap.Int("version", snap.Version))
		return nil
	}
	if snap.Chats != nil {
		s.chats = snap.Chats
	}
	return nil
}

// LastMessageID returns the checkpointed id for a chat, 0 when unknown.
func (s *CheckpointStore) LastMessageID(chatID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[chatID].LastMessageID
}

// Update advances a chat's checkpoint and persists the snapshot. An id at
// or below the stored one is a no-op.
func (s *CheckpointStore) Update(chatID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.chats[chatID]; ok && existing.LastMessageID >= messageID {
		return nil
	}
	s.chats[chatID] = models.CheckpointEntry{
		LastMessageID: messageID,
		UpdatedAt:     time.Now().UTC(),
	}
	err := s.persistLocked()
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.CheckpointWrites.WithLabelValues(status).Inc()
	return err
}

// Snapshot returns a copy of the in-memory state.
func (s *CheckpointStore) Snapshot() map[string]models.CheckpointEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]models.CheckpointEntry, len(s.chats))
	for k, v := range s.chats {
		out[k] = v
	}
	return out
}

// persistLocked writes the snapshot through a temp file and rename, so a
// crash mid-write never leaves a truncated checkpoint behind.
func (s *CheckpointStore) persistLocked() error {
	snap := checkpointSnapshot{Version: checkpointVersion, Chats: s.chats}
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}
	return nil
}
