package gc

import (
	"context"
	"encoding/json"
	"fmt"

	redisWrapper "github.com/lyzr/stateflow/common/redis"
)

// Message is one orphaned block awaiting deletion
type Message struct {
	BlockKey      string `json:"block_key"`
	Bucket        string `json:"bucket"`
	Reason        string `json:"reason"`
	TransactionID string `json:"transaction_id"`
}

// Queue is the Redis-backed orphan-block queue. The kernel enqueues,
// the GC worker drains.
type Queue struct {
	redis    *redisWrapper.Client
	queueKey string
}

// NewQueue creates the orphan-block queue
func NewQueue(redis *redisWrapper.Client, queueKey string) *Queue {
	return &Queue{redis: redis, queueKey: queueKey}
}

// EnqueueOrphans pushes one message per orphaned block key
func (q *Queue) EnqueueOrphans(ctx context.Context, transactionID, reason string, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		data, err := json.Marshal(Message{
			BlockKey:      key,
			Bucket:        bucket,
			Reason:        reason,
			TransactionID: transactionID,
		})
		if err != nil {
			return fmt.Errorf("failed to encode gc message: %w", err)
		}
		values = append(values, string(data))
	}

	if err := q.redis.PushToList(ctx, q.queueKey, values...); err != nil {
		return fmt.Errorf("failed to enqueue orphan blocks: %w", err)
	}
	return nil
}

// Drain pops up to max messages. An empty slice means the queue is
// currently empty.
func (q *Queue) Drain(ctx context.Context, max int) ([]Message, error) {
	raw, err := q.redis.PopBatch(ctx, q.queueKey, max)
	if err != nil {
		return nil, fmt.Errorf("failed to drain gc queue: %w", err)
	}

	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode gc message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Requeue returns failed messages to the queue for redelivery
func (q *Queue) Requeue(ctx context.Context, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode gc message: %w", err)
		}
		values = append(values, string(data))
	}
	if err := q.redis.PushToList(ctx, q.queueKey, values...); err != nil {
		return fmt.Errorf("failed to requeue gc messages: %w", err)
	}
	return nil
}
