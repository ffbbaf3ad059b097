package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueuePublishAssignsTaskID(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()

	task := &Task{Type: TaskStart, OwnerID: "alice", ExecutionARN: "exec-1"}
	require.NoError(t, q.Publish(context.Background(), task))
	assert.NotEmpty(t, task.ID, "every published task carries a delivery id")

	delivery, err := q.Consume(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, task.ID, delivery.Task.ID)
	assert.Equal(t, "exec-1", delivery.Task.ExecutionARN)
	assert.NoError(t, delivery.Ack(context.Background()))
}

func TestMemoryQueueKeepsCallerAssignedID(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()

	task := &Task{ID: "preset", Type: TaskResume}
	require.NoError(t, q.Publish(context.Background(), task))
	assert.Equal(t, "preset", task.ID)
}

func TestMemoryQueueConsumeTimesOutEmpty(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	delivery, err := q.Consume(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, delivery)
}

func TestMemoryQueueRejectsWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, &Task{Type: TaskStart}))
	assert.Error(t, q.Publish(ctx, &Task{Type: TaskStart}))
}

func TestDeliveryWithNilAckSettlesTrivially(t *testing.T) {
	d := NewDelivery(&Task{ID: "t1"}, nil)
	assert.NoError(t, d.Ack(context.Background()))
}
