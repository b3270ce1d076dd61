package ingest

import (
	"sync"

	"go.uber.org/zap"
)

// Counters accumulates run totals across the worker pool. One-shot runs
// log a summary from it on exit; tests read it through Snapshot.
type Counters struct {
	mu          sync.Mutex
	scanned     int64
	indexed     int64
	skipped     int64
	chunks      int64
	feedsOK     int64
	feedsFailed int64
}

// CounterSnapshot is a point-in-time copy of the run totals.
type CounterSnapshot struct {
	MessagesScanned int64
	MessagesIndexed int64
	MessagesSkipped int64
	ChunksWritten   int64
	FeedsSucceeded  int64
	FeedsFailed     int64
}

func (c *Counters) AddScanned(n int64) {
	c.mu.Lock()
	c.scanned += n
	c.mu.Unlock()
}

func (c *Counters) AddIndexed(n int64) {
	c.mu.Lock()
	c.indexed += n
	c.mu.Unlock()
}

func (c *Counters) AddSkipped(n int64) {
	c.mu.Lock()
	c.skipped += n
	c.mu.Unlock()
}

func (c *Counters) AddChunks(n int64) {
	c.mu.Lock()
	c.chunks += n
	c.mu.Unlock()
}

func (c *Counters) AddFeeds(ok, failed int64) {
	c.mu.Lock()
	c.feedsOK += ok
	c.feedsFailed += failed
	c.mu.Unlock()
}

func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{
		MessagesScanned: c.scanned,
		MessagesIndexed: c.indexed,
		MessagesSkipped: c.skipped,
		ChunksWritten:   c.chunks,
		FeedsSucceeded:  c.feedsOK,
		FeedsFailed:     c.feedsFailed,
	}
}

// LogSummary emits the run totals as a single structured line.
func (c *Counters) LogSummary(logger *zap.Logger) {
	snap := c.Snapshot()
	logger.Info("indexing run summary",
		zap.Int64("messages_scanned", snap.MessagesScanned),
		zap.Int64("messages_indexed", snap.MessagesIndexed),
		zap.Int64("messages_skipped", snap.MessagesSkipped),
		zap.Int64("chunks_written", snap.ChunksWritten),
		zap.Int64("feeds_succeeded", snap.FeedsSucceeded),
		zap.Int64("feeds_failed", snap.FeedsFailed),
	)
}
