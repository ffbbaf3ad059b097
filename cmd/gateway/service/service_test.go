package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/partition"
	"github.com/lyzr/stateflow/common/queue"
	"github.com/lyzr/stateflow/common/ratelimit"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

type memWorkflows struct {
	byKey map[string]*models.Workflow
}

func (s *memWorkflows) Get(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error) {
	if wf, ok := s.byKey[ownerID+"/"+workflowID]; ok {
		return wf, nil
	}
	return nil, fmt.Errorf("workflow %s: %w", workflowID, errs.ErrNotFound)
}

type memExecutions struct {
	created []*models.Execution
	err     error
}

func (s *memExecutions) Create(ctx context.Context, exec *models.Execution) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, exec)
	return nil
}

type memIdempotency struct {
	records  map[string]*models.IdempotencyRecord
	released []string
}

func newMemIdempotency() *memIdempotency {
	return &memIdempotency{records: make(map[string]*models.IdempotencyRecord)}
}

func (s *memIdempotency) Claim(ctx context.Context, record *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	if existing, ok := s.records[record.IdempotencyKey]; ok {
		return existing, false, nil
	}
	s.records[record.IdempotencyKey] = record
	return record, true, nil
}

func (s *memIdempotency) Release(ctx context.Context, key string) error {
	delete(s.records, key)
	s.released = append(s.released, key)
	return nil
}

type memTokens struct {
	tokens map[string]*models.TaskToken
}

func (s *memTokens) Get(ctx context.Context, conversationID string) (*models.TaskToken, error) {
	if t, ok := s.tokens[conversationID]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("task token %s: %w", conversationID, errs.ErrNotFound)
}

func (s *memTokens) Consume(ctx context.Context, conversationID, taskToken string) (*models.TaskToken, error) {
	t, ok := s.tokens[conversationID]
	if !ok || t.TaskToken != taskToken {
		return nil, fmt.Errorf("task token %s: %w", conversationID, errs.ErrNotFound)
	}
	delete(s.tokens, conversationID)
	return t, nil
}

func linearWorkflow() *models.Workflow {
	return &models.Workflow{
		WorkflowID: "wf-1",
		OwnerID:    "alice",
		Nodes: []models.Node{
			{ID: "a", Type: models.NodeTypeOperator},
			{ID: "b", Type: models.NodeTypeOperator},
		},
		Edges: []models.Edge{
			{Source: "a", Target: "b", Type: models.EdgeTypeNormal},
		},
	}
}

func newSubmitService(t *testing.T) (*SubmitService, *memExecutions, *memIdempotency, *queue.MemoryQueue) {
	t.Helper()
	workflows := &memWorkflows{byKey: map[string]*models.Workflow{"alice/wf-1": linearWorkflow()}}
	executions := &memExecutions{}
	idem := newMemIdempotency()
	dispatch := queue.NewMemoryQueue(16)
	svc := NewSubmitService(
		workflows, executions, idem,
		partition.NewPartitioner(100, nil),
		dispatch, nil, 24*time.Hour, nopLogger{},
	)
	return svc, executions, idem, dispatch
}

type denyLimiter struct{}

func (denyLimiter) CheckTieredLimit(ctx context.Context, ownerID string, tier ratelimit.WorkflowTier) (*ratelimit.RateLimitResult, error) {
	return &ratelimit.RateLimitResult{Allowed: false, Limit: 5, RetryAfterSeconds: 30}, nil
}

func TestSubmitStartsExecution(t *testing.T) {
	svc, executions, _, dispatch := newSubmitService(t)

	result, err := svc.Submit(context.Background(), "alice", &SubmitRequest{
		WorkflowID:   "wf-1",
		InitialState: json.RawMessage(`{"k":"v"}`),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusStarted, result.Status)
	assert.False(t, result.Cached)
	require.Len(t, executions.created, 1)
	assert.Equal(t, result.ExecutionARN, executions.created[0].ExecutionARN)

	delivery, err := dispatch.Consume(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, queue.TaskStart, delivery.Task.Type)
	assert.Equal(t, result.ExecutionARN, delivery.Task.ExecutionARN)
}

func TestSubmitDuplicateReturnsSameARN(t *testing.T) {
	svc, executions, _, _ := newSubmitService(t)
	ctx := context.Background()

	req := &SubmitRequest{WorkflowID: "wf-1", IdempotencyKey: "idem-1"}
	first, err := svc.Submit(ctx, "alice", req)
	require.NoError(t, err)

	second, err := svc.Submit(ctx, "alice", req)
	require.NoError(t, err)

	assert.Equal(t, first.ExecutionARN, second.ExecutionARN)
	assert.True(t, second.Cached)
	assert.Len(t, executions.created, 1)
}

func TestSubmitDerivedKeyDeduplicates(t *testing.T) {
	svc, executions, _, _ := newSubmitService(t)
	ctx := context.Background()

	req := &SubmitRequest{WorkflowID: "wf-1", InitialState: json.RawMessage(`{"x":1}`)}
	first, err := svc.Submit(ctx, "alice", req)
	require.NoError(t, err)

	second, err := svc.Submit(ctx, "alice", req)
	require.NoError(t, err)

	assert.Equal(t, first.ExecutionARN, second.ExecutionARN)
	assert.Len(t, executions.created, 1)
}

func TestSubmitUnknownWorkflow(t *testing.T) {
	svc, _, _, _ := newSubmitService(t)

	_, err := svc.Submit(context.Background(), "alice", &SubmitRequest{WorkflowID: "ghost"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	svc, _, _, _ := newSubmitService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "alice", &SubmitRequest{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.Submit(ctx, "alice", &SubmitRequest{
		WorkflowID:   "wf-1",
		InitialState: json.RawMessage(`{broken`),
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestSubmitRejectsWhenQuotaExhausted(t *testing.T) {
	workflows := &memWorkflows{byKey: map[string]*models.Workflow{"alice/wf-1": linearWorkflow()}}
	svc := NewSubmitService(
		workflows, &memExecutions{}, newMemIdempotency(),
		partition.NewPartitioner(100, nil),
		queue.NewMemoryQueue(4), denyLimiter{}, 24*time.Hour, nopLogger{},
	)

	_, err := svc.Submit(context.Background(), "alice", &SubmitRequest{WorkflowID: "wf-1"})
	assert.ErrorIs(t, err, errs.ErrRateLimited)
}

func TestSubmitReleasesClaimOnCreateFailure(t *testing.T) {
	svc, executions, idem, _ := newSubmitService(t)
	executions.err = errors.New("db down")

	_, err := svc.Submit(context.Background(), "alice", &SubmitRequest{
		WorkflowID:     "wf-1",
		IdempotencyKey: "idem-1",
	})
	require.Error(t, err)
	assert.Contains(t, idem.released, "idem-1")
}

func TestCallbackResumesExecution(t *testing.T) {
	tokens := &memTokens{tokens: map[string]*models.TaskToken{
		"conv-1": {
			ConversationID:  "conv-1",
			TaskToken:       "tok-1",
			OwnerID:         "alice",
			ExecutionARN:    "exec-1",
			WorkflowID:      "wf-1",
			PausedSegmentID: 2,
		},
	}}
	dispatch := queue.NewMemoryQueue(4)
	svc := NewCallbackService(tokens, dispatch, nopLogger{})

	token, err := svc.Resume(context.Background(), "alice", &CallbackRequest{
		ConversationID: "conv-1",
		TaskToken:      "tok-1",
		Decision:       json.RawMessage(`{"decision":"approve"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-1", token.ExecutionARN)

	delivery, err := dispatch.Consume(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, queue.TaskResume, delivery.Task.Type)
	assert.Equal(t, 2, delivery.Task.SegmentID)
	assert.JSONEq(t, `{"decision":"approve"}`, string(delivery.Task.Decision))
}

func TestCallbackCrossTenantLooksMissing(t *testing.T) {
	tokens := &memTokens{tokens: map[string]*models.TaskToken{
		"conv-1": {ConversationID: "conv-1", TaskToken: "tok-1", OwnerID: "alice"},
	}}
	svc := NewCallbackService(tokens, queue.NewMemoryQueue(4), nopLogger{})

	_, err := svc.Resume(context.Background(), "mallory", &CallbackRequest{
		ConversationID: "conv-1",
		TaskToken:      "tok-1",
	})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCallbackDoubleResumeLosesRace(t *testing.T) {
	tokens := &memTokens{tokens: map[string]*models.TaskToken{
		"conv-1": {
			ConversationID: "conv-1",
			TaskToken:      "tok-1",
			OwnerID:        "alice",
			ExecutionARN:   "exec-1",
		},
	}}
	svc := NewCallbackService(tokens, queue.NewMemoryQueue(4), nopLogger{})
	ctx := context.Background()

	req := &CallbackRequest{ConversationID: "conv-1", TaskToken: "tok-1"}
	_, err := svc.Resume(ctx, "alice", req)
	require.NoError(t, err)

	_, err = svc.Resume(ctx, "alice", req)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCallbackRejectsMissingFields(t *testing.T) {
	svc := NewCallbackService(&memTokens{}, queue.NewMemoryQueue(4), nopLogger{})

	_, err := svc.Resume(context.Background(), "alice", &CallbackRequest{})
	assert.ErrorIs(t, err, errs.ErrValidation)
}
