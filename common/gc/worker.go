package gc

import (
	"context"
	"time"

	"github.com/lyzr/stateflow/common/blob"
	"github.com/lyzr/stateflow/common/metrics"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Source is the queue side the worker consumes
type Source interface {
	Drain(ctx context.Context, max int) ([]Message, error)
	Requeue(ctx context.Context, messages []Message) error
}

// Worker drains the orphan-block queue and deletes blocks from the
// store. Deletion is idempotent: an already-missing block is a skip,
// not an error, because enqueue is at-least-once.
type Worker struct {
	queue     Source
	store     blob.Store
	batchSize int
	idleWait  time.Duration
	logger    Logger
}

// NewWorker creates a GC worker
func NewWorker(queue Source, store blob.Store, batchSize int, idleWait time.Duration, logger Logger) *Worker {
	return &Worker{
		queue:     queue,
		store:     store,
		batchSize: batchSize,
		idleWait:  idleWait,
		logger:    logger,
	}
}

// Run drains the queue until the context is cancelled
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("gc batch failed", "error", err)
		}
		if processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.idleWait):
			}
		}
	}
}

// RunOnce drains and processes a single batch, returning how many
// messages it handled. Per-item failures go back on the queue; the
// rest of the batch still completes.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	messages, err := w.queue.Drain(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	var failed []Message
	for _, msg := range messages {
		if err := w.deleteBlock(ctx, msg); err != nil {
			metrics.GCFailures.Inc()
			w.logger.Warn("failed to delete orphan block",
				"block_key", msg.BlockKey,
				"reason", msg.Reason,
				"error", err)
			failed = append(failed, msg)
		}
	}

	if len(failed) > 0 {
		if err := w.queue.Requeue(ctx, failed); err != nil {
			w.logger.Error("failed to requeue gc messages", "count", len(failed), "error", err)
		}
	}

	return len(messages), nil
}

func (w *Worker) deleteBlock(ctx context.Context, msg Message) error {
	exists, err := w.store.Head(ctx, msg.BlockKey)
	if err != nil {
		return err
	}
	if !exists {
		metrics.GCBlocksSkipped.Inc()
		w.logger.Debug("orphan block already gone", "block_key", msg.BlockKey)
		return nil
	}

	if err := w.store.Delete(ctx, msg.BlockKey); err != nil {
		return err
	}

	metrics.GCBlocksDeleted.Inc()
	w.logger.Debug("deleted orphan block",
		"block_key", msg.BlockKey,
		"reason", msg.Reason,
		"transaction_id", msg.TransactionID)
	return nil
}
