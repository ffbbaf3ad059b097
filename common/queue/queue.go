package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	redisWrapper "github.com/lyzr/stateflow/common/redis"
)

// TaskType discriminates dispatch messages
type TaskType string

const (
	// TaskStart begins a fresh execution from segment 0
	TaskStart TaskType = "start"

	// TaskResume continues a paused execution after a HITP decision
	// or an async child completion
	TaskResume TaskType = "resume"
)

// leaseTTL is how long a consumed task stays invisible before the
// reclaim pass hands it to another consumer. Must outlast the longest
// expected drive; a drive that outlives its lease risks a duplicate
// delivery, which is safe because drives resume from the last
// committed manifest.
const leaseTTL = 30 * time.Minute

// Task is one unit of work handed from the gateway to a runner
type Task struct {
	ID           string          `json:"id"`
	Type         TaskType        `json:"type"`
	OwnerID      string          `json:"owner_id"`
	ExecutionARN string          `json:"execution_arn"`
	WorkflowID   string          `json:"workflow_id"`
	Input        json.RawMessage `json:"input,omitempty"`

	// Resume fields
	ConversationID string          `json:"conversation_id,omitempty"`
	Decision       json.RawMessage `json:"decision,omitempty"`
	SegmentID      int             `json:"segment_id,omitempty"`

	// Set on subgraph child starts; the child's terminal event resumes
	// the parent
	ParentExecutionID string `json:"parent_execution_id,omitempty"`
}

// Delivery is one consumed task plus its acknowledgement. A task stays
// redeliverable until Ack; a consumer that dies mid-drive loses only
// its lease, not the task.
type Delivery struct {
	Task *Task
	ack  func(ctx context.Context) error
}

// NewDelivery builds a delivery; a nil ack acknowledges trivially
func NewDelivery(task *Task, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{Task: task, ack: ack}
}

// Ack settles the delivery so it is never redelivered
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Queue is the dispatch channel between gateway and runners
type Queue interface {
	Publish(ctx context.Context, task *Task) error
	Consume(ctx context.Context, timeout time.Duration) (*Delivery, error)
	Close() error
}

// Reclaimer redelivers tasks whose consumer died before acknowledging
type Reclaimer interface {
	Reclaim(ctx context.Context) (int, error)
}

// RedisQueue dispatches tasks over a Redis list. Consume moves the
// task into a processing list instead of popping it, so an unacked
// task survives a consumer crash and the reclaim pass requeues it
// once its lease lapses.
type RedisQueue struct {
	redis         *redisWrapper.Client
	key           string
	processingKey string
}

// NewRedisQueue creates a Redis-backed dispatch queue
func NewRedisQueue(redis *redisWrapper.Client, key string) *RedisQueue {
	return &RedisQueue{
		redis:         redis,
		key:           key,
		processingKey: key + ":processing",
	}
}

// Publish enqueues a task, minting its id when the caller did not
func (q *RedisQueue) Publish(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if err := q.redis.PushToList(ctx, q.key, string(data)); err != nil {
		return fmt.Errorf("failed to publish task: %w", err)
	}
	return nil
}

// Consume blocks up to timeout for the next task. A nil delivery with
// a nil error means the timeout elapsed with nothing queued. Delivery
// is at-least-once: a reclaim can race the lease write below, and the
// resulting duplicate drive resumes from committed state.
func (q *RedisQueue) Consume(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.redis.BlockingMoveList(ctx, q.key, q.processingKey, timeout)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		// Undecodable entries would requeue forever; drop them
		if _, rerr := q.redis.RemoveFromList(ctx, q.processingKey, 1, raw); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}

	if err := q.redis.Set(ctx, q.leaseKey(task.ID), "1", leaseTTL); err != nil {
		return nil, err
	}

	return NewDelivery(&task, func(ctx context.Context) error {
		if _, err := q.redis.RemoveFromList(ctx, q.processingKey, 1, raw); err != nil {
			return err
		}
		return q.redis.Delete(ctx, q.leaseKey(task.ID))
	}), nil
}

// Reclaim scans the processing list and requeues every task whose
// lease has lapsed. The LREM decides ownership: whichever process
// removes the entry requeues it, so concurrent reclaims never
// duplicate a task against each other.
func (q *RedisQueue) Reclaim(ctx context.Context) (int, error) {
	entries, err := q.redis.ListRange(ctx, q.processingKey, 0, -1)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, raw := range entries {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			_, _ = q.redis.RemoveFromList(ctx, q.processingKey, 1, raw)
			continue
		}

		leased, err := q.redis.Exists(ctx, q.leaseKey(task.ID))
		if err != nil {
			return requeued, err
		}
		if leased {
			continue
		}

		removed, err := q.redis.RemoveFromList(ctx, q.processingKey, 1, raw)
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue
		}
		if err := q.redis.PushToList(ctx, q.key, raw); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func (q *RedisQueue) leaseKey(taskID string) string {
	return q.key + ":lease:" + taskID
}

// Close is a no-op; the underlying Redis client is shared
func (q *RedisQueue) Close() error { return nil }

// MemoryQueue is an in-process queue for tests and single-binary runs.
// Deliveries acknowledge trivially; the process owns the only copy.
type MemoryQueue struct {
	ch     chan *Task
	closed bool
	mu     sync.Mutex
}

// NewMemoryQueue creates an in-memory dispatch queue
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan *Task, capacity)}
}

// Publish enqueues a task, failing when the buffer is full
func (q *MemoryQueue) Publish(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("dispatch queue full")
	}
}

// Consume waits up to timeout for the next task
func (q *MemoryQueue) Consume(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case task := <-q.ch:
		if task == nil {
			return nil, nil
		}
		return NewDelivery(task, nil), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the buffer
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
