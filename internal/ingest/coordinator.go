package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/models"
)

// Options controls a coordinator run. Zero values fall back to sane
// defaults where one exists; zero limits mean unlimited.
type Options struct {
	// Chats lists the chat names or ids to index. Empty means every
	// chat the source knows about.
	Chats []string

	// Days restricts scanning to the last N days. Zero means full history.
	Days int

	// LimitMessages caps the total messages queued across all chats.
	LimitMessages int

	// SleepPerMessage throttles one-shot scanning between enqueues.
	SleepPerMessage time.Duration

	WorkerConcurrency int
	QueueSize         int

	// LookbackWindow bounds the safety re-scan after startup and
	// reconnects. Zero disables look-backs.
	LookbackWindow time.Duration

	// LookbackLimit caps messages per chat during look-backs and sweeps.
	LookbackLimit int

	// SweepInterval and SweepDays drive the periodic re-scan that
	// catches edits and deletions missed while offline. Either being
	// zero disables the sweep.
	SweepInterval time.Duration
	SweepDays     int

	// ConnectionCheck is the watchdog poll interval. Zero disables it.
	ConnectionCheck time.Duration

	// CheckpointInterval persists backfill progress every N messages.
	CheckpointInterval int
}

// Coordinator drives both indexing modes over a shared bounded queue
// and worker pool: a one-shot catch-up scan, and a daemon that backfills
// from the last checkpoint and then tails live events.
type Coordinator struct {
	source   Source
	proc     *Processor
	state    *CheckpointStore
	opts     Options
	counters *Counters
	logger   *zap.Logger

	queue        *workQueue
	workerWG     sync.WaitGroup
	bgWG         sync.WaitGroup
	lookbackGate chan struct{}

	mu       sync.Mutex
	resolved []ResolvedChat
	byID     map[string]ResolvedChat
}

func NewCoordinator(source Source, proc *Processor, state *CheckpointStore, opts Options, counters *Counters, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counters == nil {
		counters = &Counters{}
	}
	if opts.WorkerConcurrency <= 0 {
		opts.WorkerConcurrency = 3
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 50
	}
	return &Coordinator{
		source:       source,
		proc:         proc,
		state:        state,
		opts:         opts,
		counters:     counters,
		logger:       logger,
		queue:        newWorkQueue(opts.QueueSize),
		lookbackGate: make(chan struct{}, 1),
		byID:         map[string]ResolvedChat{},
	}
}

// RunOnce scans the configured chats newest-first, queues every
// non-empty message for processing, waits for the pool to drain and
// logs a summary.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	chats, err := c.prepareChats(ctx, "one-shot")
	if err != nil {
		return err
	}

	c.startWorkers()
	defer c.stopWorkers()

	var since time.Time
	if c.opts.Days > 0 {
		since = time.Now().AddDate(0, 0, -c.opts.Days)
		c.logger.Info("one-shot indexing", zap.Int("days", c.opts.Days), zap.Time("since", since))
	} else {
		c.logger.Info("one-shot indexing over full history")
	}

	total := 0
	for _, chat := range chats {
		limit := 0
		if c.opts.LimitMessages > 0 {
			remaining := c.opts.LimitMessages - total
			if remaining <= 0 {
				c.logger.Info("message limit reached, stopping scan", zap.Int("limit", c.opts.LimitMessages))
				break
			}
			limit = remaining
		}
		queued, err := c.scanChat(ctx, chat, IterOptions{Since: since, Limit: limit}, "one-shot", c.opts.SleepPerMessage)
		if err != nil {
			return fmt.Errorf("failed to scan chat %s: %w", chat.Title, err)
		}
		total += queued
	}

	c.queue.wait()
	c.counters.LogSummary(c.logger)
	return nil
}

// RunDaemon backfills each chat from its checkpoint, then tails live
// events until ctx is cancelled. A bounded look-back runs at startup
// and after reconnects, and an hourly-style sweep re-scans a recent
// window to catch edits made while offline.
func (c *Coordinator) RunDaemon(ctx context.Context) error {
	chats, err := c.prepareChats(ctx, "daemon")
	if err != nil {
		return err
	}
	if err := c.state.Load(); err != nil {
		return fmt.Errorf("failed to load backfill state: %w", err)
	}

	c.startWorkers()
	defer c.stopWorkers()

	c.registerHandlers(ctx)
	lastConnected := c.source.Connected()

	if err := c.runBackfill(ctx, chats); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	c.queue.wait()

	c.runLookback(ctx, "startup")

	if c.opts.SweepInterval > 0 && c.opts.SweepDays > 0 {
		c.bgWG.Add(1)
		go c.sweepLoop(ctx)
	}
	if c.opts.ConnectionCheck > 0 {
		c.bgWG.Add(1)
		go c.watchdog(ctx, lastConnected)
	}

	c.logger.Info("daemon ready, tailing live events",
		zap.Int("chats", len(chats)),
		zap.Int("workers", c.opts.WorkerConcurrency))
	<-ctx.Done()

	c.logger.Info("shutdown signal received, stopping daemon")
	c.bgWG.Wait()
	return nil
}

func (c *Coordinator) startWorkers() {
	for i := 0; i < c.opts.WorkerConcurrency; i++ {
		c.workerWG.Add(1)
		go c.workerLoop(i)
	}
}

// stopWorkers queues one sentinel per worker and waits for the pool to
// drain whatever is still in the queue ahead of them.
func (c *Coordinator) stopWorkers() {
	c.queue.stop(c.opts.WorkerConcurrency)
	c.workerWG.Wait()
}

// workerLoop processes items until it sees a stop sentinel. Items are
// processed with a background context so queued work still completes
// during shutdown drain.
func (c *Coordinator) workerLoop(id int) {
	defer c.workerWG.Done()
	ctx := context.Background()
	for {
		item := <-c.queue.ch
		if item.kind == kindStop {
			return
		}

		var err error
		switch item.kind {
		case kindDelete:
			err = c.proc.Delete(ctx, item.msg.ChatID, item.msg.MessageID)
		default:
			err = c.proc.Process(ctx, item.msg)
		}
		if err != nil {
			c.logger.Error("failed to process message",
				zap.Int("worker", id),
				zap.String("chat_id", item.msg.ChatID),
				zap.Int64("message_id", item.msg.MessageID),
				zap.Bool("is_edit", item.isEdit),
				zap.Error(err))
		}
		c.queue.done()
	}
}

func (c *Coordinator) registerHandlers(ctx context.Context) {
	c.source.OnNewMessage(func(msg models.Message) {
		c.handleEvent(ctx, msg, false)
	})
	c.source.OnEdit(func(msg models.Message) {
		c.handleEvent(ctx, msg, true)
	})
	c.source.OnDelete(func(chatID string, messageIDs []int64) {
		c.handleDelete(ctx, chatID, messageIDs)
	})
}

// handleEvent queues a live new-message or edit event. Events for chats
// outside the resolved set are ignored.
func (c *Coordinator) handleEvent(ctx context.Context, msg models.Message, isEdit bool) {
	chat, ok := c.chatByID(msg.ChatID)
	if !ok {
		return
	}
	c.decorate(&msg, chat)
	if strings.TrimSpace(msg.Text) == "" {
		return
	}
	if err := c.enqueue(ctx, workItem{kind: kindMessage, msg: msg, isEdit: isEdit}); err != nil {
		c.logger.Debug("dropping live event during shutdown",
			zap.String("chat_id", msg.ChatID),
			zap.Int64("message_id", msg.MessageID),
			zap.Bool("is_edit", isEdit))
	}
}

func (c *Coordinator) handleDelete(ctx context.Context, chatID string, messageIDs []int64) {
	if _, ok := c.chatByID(chatID); !ok {
		return
	}
	for _, id := range messageIDs {
		item := workItem{kind: kindDelete, msg: models.Message{ChatID: chatID, MessageID: id}}
		if err := c.queue.put(ctx, item); err != nil {
			c.logger.Debug("dropping delete event during shutdown",
				zap.String("chat_id", chatID),
				zap.Int64("message_id", id))
			return
		}
	}
}

func (c *Coordinator) runBackfill(ctx context.Context, chats []ResolvedChat) error {
	var since time.Time
	if c.opts.Days > 0 {
		since = time.Now().AddDate(0, 0, -c.opts.Days)
	}
	c.logger.Info("starting initial backfill", zap.Int("chats", len(chats)))

	total := 0
	for _, chat := range chats {
		limit := 0
		if c.opts.LimitMessages > 0 {
			remaining := c.opts.LimitMessages - total
			if remaining <= 0 {
				c.logger.Info("message limit reached, stopping backfill", zap.Int("limit", c.opts.LimitMessages))
				break
			}
			limit = remaining
		}
		queued, err := c.backfillChat(ctx, chat, since, limit)
		if err != nil {
			return fmt.Errorf("failed to backfill chat %s: %w", chat.Title, err)
		}
		total += queued
	}
	c.logger.Info("initial backfill queued", zap.Int("messages", total))
	return nil
}

// backfillChat scans oldest-first from the chat's checkpoint, queueing
// non-empty messages and persisting progress every CheckpointInterval.
func (c *Coordinator) backfillChat(ctx context.Context, chat ResolvedChat, since time.Time, limit int) (int, error) {
	resume := c.state.LastMessageID(chat.ChatID)
	c.logger.Info("backfilling chat",
		zap.String("chat", chat.Title),
		zap.Int64("resume_from", resume))

	queued := 0
	latest := resume
	sinceCheckpoint := 0
	opts := IterOptions{Since: since, Limit: limit, Reverse: true, MinID: resume}
	err := c.source.IterMessages(ctx, chat.ChatID, opts, func(msg models.Message) error {
		if msg.MessageID > latest {
			latest = msg.MessageID
		}
		c.decorate(&msg, chat)
		if strings.TrimSpace(msg.Text) == "" {
			return nil
		}
		if err := c.enqueue(ctx, workItem{kind: kindMessage, msg: msg}); err != nil {
			return err
		}
		queued++
		sinceCheckpoint++
		if sinceCheckpoint >= c.opts.CheckpointInterval {
			c.saveCheckpoint(chat.ChatID, latest)
			sinceCheckpoint = 0
		}
		return nil
	})
	if err != nil {
		return queued, err
	}
	if latest > resume {
		c.saveCheckpoint(chat.ChatID, latest)
	}
	c.logger.Info("backfill complete for chat",
		zap.String("chat", chat.Title),
		zap.Int("messages", queued))
	return queued, nil
}

func (c *Coordinator) saveCheckpoint(chatID string, messageID int64) {
	if err := c.state.Update(chatID, messageID); err != nil {
		c.logger.Warn("failed to persist checkpoint",
			zap.String("chat_id", chatID),
			zap.Int64("message_id", messageID),
			zap.Error(err))
	}
}

// runLookback re-scans a short recent window across all chats. At most
// one look-back runs at a time; overlapping triggers are skipped.
func (c *Coordinator) runLookback(ctx context.Context, reason string) {
	if c.opts.LookbackWindow <= 0 {
		return
	}
	select {
	case c.lookbackGate <- struct{}{}:
	default:
		c.logger.Debug("look-back already running, skipping", zap.String("reason", reason))
		return
	}
	defer func() { <-c.lookbackGate }()

	since := time.Now().Add(-c.opts.LookbackWindow)
	c.logger.Info("running look-back", zap.String("reason", reason), zap.Time("since", since))
	queued := c.scanRecent(ctx, since, reason+" look-back")
	if queued > 0 {
		c.logger.Info("look-back queued messages",
			zap.String("reason", reason),
			zap.Int("messages", queued))
		c.queue.wait()
	}
}

// scanRecent scans every resolved chat newest-first since the given
// time. Per-chat failures are logged and skipped so one bad chat does
// not starve the rest.
func (c *Coordinator) scanRecent(ctx context.Context, since time.Time, reason string) int {
	total := 0
	for _, chat := range c.resolvedChats() {
		opts := IterOptions{Since: since, Limit: c.opts.LookbackLimit}
		queued, err := c.scanChat(ctx, chat, opts, reason, 0)
		if err != nil {
			c.logger.Warn("scan failed",
				zap.String("reason", reason),
				zap.String("chat", chat.Title),
				zap.Error(err))
			continue
		}
		total += queued
	}
	return total
}

func (c *Coordinator) scanChat(ctx context.Context, chat ResolvedChat, opts IterOptions, reason string, sleep time.Duration) (int, error) {
	queued := 0
	err := c.source.IterMessages(ctx, chat.ChatID, opts, func(msg models.Message) error {
		c.decorate(&msg, chat)
		if strings.TrimSpace(msg.Text) == "" {
			return nil
		}
		if err := c.enqueue(ctx, workItem{kind: kindMessage, msg: msg}); err != nil {
			return err
		}
		queued++
		if sleep > 0 {
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	if queued > 0 {
		c.logger.Debug("scan queued messages",
			zap.String("reason", reason),
			zap.String("chat", chat.Title),
			zap.Int("queued", queued))
	}
	return queued, err
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	defer c.bgWG.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since := time.Now().AddDate(0, 0, -c.opts.SweepDays)
			c.logger.Info("running periodic sweep", zap.Int("days", c.opts.SweepDays))
			queued := c.scanRecent(ctx, since, "sweep")
			if queued > 0 {
				c.logger.Info("sweep queued messages", zap.Int("messages", queued))
				c.queue.wait()
			}
		}
	}
}

// watchdog polls source connectivity and runs a safety look-back on the
// transition from disconnected back to connected.
func (c *Coordinator) watchdog(ctx context.Context, lastUp bool) {
	defer c.bgWG.Done()
	ticker := time.NewTicker(c.opts.ConnectionCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up := c.source.Connected()
			if up && !lastUp {
				c.logger.Info("source reconnected, running safety look-back")
				c.runLookback(ctx, "reconnect")
			}
			lastUp = up
		}
	}
}

func (c *Coordinator) prepareChats(ctx context.Context, mode string) ([]ResolvedChat, error) {
	names := c.opts.Chats
	if len(names) == 0 {
		c.logger.Info("no chats configured, indexing all available chats")
		all, err := c.source.AllChats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list chats: %w", err)
		}
		names = all
	}

	c.logger.Info("resolving target chats", zap.String("mode", mode), zap.Int("requested", len(names)))
	resolved, err := c.source.ResolveChats(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chats: %w", err)
	}
	if len(resolved) == 0 {
		return nil, errors.New("no valid chats found")
	}

	c.mu.Lock()
	c.resolved = resolved
	c.byID = make(map[string]ResolvedChat, len(resolved))
	for _, chat := range resolved {
		c.byID[chat.ChatID] = chat
	}
	c.mu.Unlock()

	for _, chat := range resolved {
		c.logger.Info("resolved chat",
			zap.String("requested", chat.SourceName),
			zap.String("chat_id", chat.ChatID),
			zap.String("title", chat.Title),
			zap.String("type", chat.Type))
	}
	return resolved, nil
}

func (c *Coordinator) resolvedChats() []ResolvedChat {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ResolvedChat, len(c.resolved))
	copy(out, c.resolved)
	return out
}

func (c *Coordinator) chatByID(chatID string) (ResolvedChat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.byID[chatID]
	return chat, ok
}

// decorate fills chat-level fields live events and exports may omit.
func (c *Coordinator) decorate(msg *models.Message, chat ResolvedChat) {
	if msg.SourceTitle == nil && chat.Title != "" {
		title := chat.Title
		msg.SourceTitle = &title
	}
	if msg.ChatUsername == nil && chat.Username != nil {
		msg.ChatUsername = chat.Username
	}
	if msg.ChatType == "" || msg.ChatType == models.ChatTypeUnknown {
		msg.ChatType = chat.Type
	}
}

func (c *Coordinator) enqueue(ctx context.Context, item workItem) error {
	if item.kind == kindMessage {
		c.counters.AddScanned(1)
	}
	return c.queue.put(ctx, item)
}
