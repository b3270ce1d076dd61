package ingest

import (
	"context"
	"sync"

	"github.com/rtyshyk/telegram-rag/internal/metrics"
	"github.com/rtyshyk/telegram-rag/internal/models"
)

type itemKind int

const (
	kindMessage itemKind = iota
	kindDelete
	kindStop
)

// workItem is one unit of queued work. Delete items only carry the
// message identity; stop items are the worker shutdown sentinel.
type workItem struct {
	kind   itemKind
	msg    models.Message
	isEdit bool
}

// workQueue is the bounded channel feeding the worker pool, with a join
// counter so producers can wait for everything queued so far to finish.
type workQueue struct {
	ch      chan workItem
	pending sync.WaitGroup
}

func newWorkQueue(capacity int) *workQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &workQueue{ch: make(chan workItem, capacity)}
}

// put enqueues one item, blocking while the queue is full.
func (q *workQueue) put(ctx context.Context, item workItem) error {
	q.pending.Add(1)
	select {
	case q.ch <- item:
		metrics.IngestQueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

// done marks one item processed.
func (q *workQueue) done() {
	metrics.IngestQueueDepth.Set(float64(len(q.ch)))
	q.pending.Done()
}

// wait blocks until every item queued so far has been processed.
func (q *workQueue) wait() {
	q.pending.Wait()
}

// stop delivers one sentinel per worker. Sentinels queue behind any
// remaining work, so workers drain the backlog before exiting.
func (q *workQueue) stop(workers int) {
	for i := 0; i < workers; i++ {
		q.ch <- workItem{kind: kindStop}
	}
}
