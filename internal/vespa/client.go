// Package vespa feeds chunk documents to the search engine and runs YQL
// queries against it.
package vespa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rtyshyk/telegram-rag/internal/circuitbreaker"
	"github.com/rtyshyk/telegram-rag/internal/metrics"
	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/tracing"
)

// maxChunksPerMessage bounds blind chunk deletion; chunk indexes above this
// are never produced by the chunker for a single message.
const maxChunksPerMessage = 10

// Config tunes the client. Zero values pick the defaults noted per field.
type Config struct {
	Endpoint        string        // http://vespa:8080
	Timeout         time.Duration // 20s
	FeedConcurrency int           // 5
	FeedAttempts    int           // 3
	BackoffBase     time.Duration // 500ms
}

// Client talks to one Vespa content cluster over HTTP.
type Client struct {
	endpoint     string
	timeout      time.Duration
	feedLimit    int
	feedAttempts int
	backoffBase  time.Duration
	http         *circuitbreaker.HTTPWrapper
	logger       *zap.Logger
}

// New builds a client for the given endpoint.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://vespa:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.FeedConcurrency <= 0 {
		cfg.FeedConcurrency = 5
	}
	if cfg.FeedAttempts <= 0 {
		cfg.FeedAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		endpoint:     strings.TrimRight(cfg.Endpoint, "/"),
		timeout:      cfg.Timeout,
		feedLimit:    cfg.FeedConcurrency,
		feedAttempts: cfg.FeedAttempts,
		backoffBase:  cfg.BackoffBase,
		http:         circuitbreaker.NewHTTPWrapper(hc, "vespa", logger),
		logger:       logger,
	}
}

func (c *Client) docURL(docID string) string {
	return c.endpoint + "/document/v1/default/message/docid/" + url.PathEscape(docID)
}

// feedFields flattens an IndexedDocument into the Vespa feed payload.
// Optional fields are omitted rather than sent as null.
func feedFields(doc models.IndexedDocument) map[string]interface{} {
	fields := map[string]interface{}{
		"id":              doc.ChunkID,
		"text":            doc.Text,
		"bm25_text":       doc.BM25Text,
		"chat_id":         doc.ChatID,
		"message_id":      doc.MessageID,
		"chunk_idx":       doc.ChunkIdx,
		"source_title":    strOrEmpty(doc.SourceTitle),
		"sender":          strOrEmpty(doc.Sender),
		"sender_username": strOrEmpty(doc.SenderUsername),
		"chat_username":   strOrEmpty(doc.ChatUsername),
		"chat_type":       doc.ChatType,
		"message_date":    doc.MessageDate,
		"has_link":        doc.HasLink,
	}
	if doc.EditDate != nil {
		fields["edit_date"] = *doc.EditDate
	}
	if doc.ThreadID != nil {
		fields["thread_id"] = *doc.ThreadID
	}
	if len(doc.VectorLarge) > 0 {
		fields["vector_large"] = doc.VectorLarge
	} else if len(doc.VectorSmall) > 0 {
		fields["vector_small"] = doc.VectorSmall
	}
	return fields
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// FeedDocument upserts one chunk document, retrying transient failures.
func (c *Client) FeedDocument(ctx context.Context, doc models.IndexedDocument) error {
	body, err := json.Marshal(map[string]interface{}{"fields": feedFields(doc)})
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ChunkID, err)
	}

	var lastErr error
	for attempt := 0; attempt < c.feedAttempts; attempt++ {
		start := time.Now()
		err := c.feedOnce(ctx, c.docURL(doc.ChunkID), body)
		if err == nil {
			metrics.RecordFeedMetrics("put", "ok", time.Since(start).Seconds())
			return nil
		}
		lastErr = err
		c.logger.Warn("vespa feed failed",
			zap.String("chunk_id", doc.ChunkID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt == c.feedAttempts-1 {
			break
		}
		metrics.RecordFeedMetrics("put", "retry", time.Since(start).Seconds())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoffBase * time.Duration(1<<attempt)):
		}
	}
	metrics.RecordFeedMetrics("put", "error", 0)
	return fmt.Errorf("failed to feed document %s after %d attempts: %w", doc.ChunkID, c.feedAttempts, lastErr)
}

func (c *Client) feedOnce(ctx context.Context, docURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, docURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("vespa feed status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

// FeedDocuments upserts documents with bounded concurrency and returns the
// success count. Individual failures are logged, not propagated; callers
// compare the count with len(docs).
func (c *Client) FeedDocuments(ctx context.Context, docs []models.IndexedDocument) int {
	if len(docs) == 0 {
		return 0
	}

	var succeeded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.feedLimit)
	for _, doc := range docs {
		g.Go(func() error {
			if err := c.FeedDocument(gctx, doc); err != nil {
				c.logger.Error("document feed dropped", zap.String("chunk_id", doc.ChunkID), zap.Error(err))
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(succeeded.Load())
	c.logger.Info("fed documents", zap.Int("succeeded", n), zap.Int("total", len(docs)))
	return n
}

// DeleteDocument removes one document. A 404 counts as success.
func (c *Client) DeleteDocument(ctx context.Context, docID string) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.docURL(docID), nil)
	if err != nil {
		return err
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordFeedMetrics("delete", "error", time.Since(start).Seconds())
		return fmt.Errorf("vespa delete failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		metrics.RecordFeedMetrics("delete", "ok", time.Since(start).Seconds())
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	metrics.RecordFeedMetrics("delete", "error", time.Since(start).Seconds())
	return fmt.Errorf("vespa delete status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

// DeleteMessageChunks removes every chunk a message could have produced and
// returns how many deletes succeeded. Chunk counts are not tracked in the
// index, so all candidate indexes are tried.
func (c *Client) DeleteMessageChunks(ctx context.Context, chatID string, messageID int64, chunkingVersion int) int {
	deleted := 0
	for idx := 0; idx < maxChunksPerMessage; idx++ {
		docID := models.ChunkID(chatID, messageID, idx, chunkingVersion)
		if err := c.DeleteDocument(ctx, docID); err != nil {
			c.logger.Warn("chunk delete failed", zap.String("doc_id", docID), zap.Error(err))
			continue
		}
		deleted++
	}
	c.logger.Info("deleted message chunks",
		zap.String("chat_id", chatID),
		zap.Int64("message_id", messageID),
		zap.Int("deleted", deleted))
	return deleted
}

// Health probes the query container's state endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/state/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vespa health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vespa health status %d", resp.StatusCode)
	}
	return nil
}
