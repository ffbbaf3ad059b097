package driver

import (
	"context"
	"sync"
	"time"

	"github.com/lyzr/stateflow/common/queue"
)

// consumeTimeout bounds each blocking pop so shutdown is responsive
const consumeTimeout = 5 * time.Second

// reclaimEvery is the interval between passes over the processing list
// looking for tasks whose consumer died before acknowledging
const reclaimEvery = time.Minute

// Consumer pulls dispatched tasks off the queue and drives them.
// Each worker owns one execution at a time; parallelism across
// executions comes from running several workers.
type Consumer struct {
	queue   queue.Queue
	driver  *Driver
	workers int
	logger  Logger
}

// NewConsumer creates a task consumer
func NewConsumer(q queue.Queue, d *Driver, workers int, logger Logger) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{queue: q, driver: d, workers: workers, logger: logger}
}

// Run consumes until the context is cancelled
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup

	if reclaimer, ok := c.queue.(queue.Reclaimer); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.reap(ctx, reclaimer)
		}()
	}

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (c *Consumer) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		delivery, err := c.queue.Consume(ctx, consumeTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to consume task", "worker", worker, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if delivery == nil {
			continue
		}
		task := delivery.Task

		c.logger.Debug("task received",
			"worker", worker,
			"type", task.Type,
			"execution_arn", task.ExecutionARN)

		// An errored drive stays unacked so the reclaim pass hands it
		// to another worker once the lease lapses.
		if err := c.driver.Drive(ctx, task); err != nil {
			c.logger.Error("task failed",
				"worker", worker,
				"type", task.Type,
				"execution_arn", task.ExecutionARN,
				"error", err)
			continue
		}

		if err := delivery.Ack(ctx); err != nil {
			c.logger.Warn("failed to ack task",
				"worker", worker,
				"execution_arn", task.ExecutionARN,
				"error", err)
		}
	}
}

// reap periodically requeues tasks abandoned by crashed consumers
func (c *Consumer) reap(ctx context.Context, reclaimer queue.Reclaimer) {
	ticker := time.NewTicker(reclaimEvery)
	defer ticker.Stop()

	for {
		n, err := reclaimer.Reclaim(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("failed to reclaim abandoned tasks", "error", err)
		}
		if n > 0 {
			c.logger.Info("requeued abandoned tasks", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
