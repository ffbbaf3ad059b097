package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/metrics"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/partition"
	"github.com/lyzr/stateflow/common/queue"
	"github.com/lyzr/stateflow/common/ratelimit"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// WorkflowStore loads workflow definitions
type WorkflowStore interface {
	Get(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error)
}

// ExecutionStore persists execution records
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.Execution) error
}

// IdempotencyStore claims and releases idempotency records
type IdempotencyStore interface {
	Claim(ctx context.Context, record *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error)
	Release(ctx context.Context, key string) error
}

// TierLimiter enforces per-owner submit quotas scoped by workflow
// complexity tier
type TierLimiter interface {
	CheckTieredLimit(ctx context.Context, ownerID string, tier ratelimit.WorkflowTier) (*ratelimit.RateLimitResult, error)
}

// SubmitRequest is the body of a submit call. Owner comes from auth,
// never from the body.
type SubmitRequest struct {
	WorkflowID     string          `json:"workflow_id"`
	InitialState   json.RawMessage `json:"initial_state,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// SubmitResult is what the submit handler returns
type SubmitResult struct {
	ExecutionARN string                 `json:"execution_arn"`
	Status       models.ExecutionStatus `json:"status"`
	Cached       bool                   `json:"cached,omitempty"`
	Output       json.RawMessage        `json:"output,omitempty"`
}

// SubmitService owns the submit path: idempotency claim, definition
// validation, execution record, dispatch.
type SubmitService struct {
	workflows   WorkflowStore
	executions  ExecutionStore
	idempotency IdempotencyStore
	partitioner *partition.Partitioner
	dispatch    queue.Queue
	limiter     TierLimiter // nil disables tiered limiting
	ttl         time.Duration
	logger      Logger
}

// NewSubmitService creates the submit service
func NewSubmitService(
	workflows WorkflowStore,
	executions ExecutionStore,
	idempotency IdempotencyStore,
	partitioner *partition.Partitioner,
	dispatch queue.Queue,
	limiter TierLimiter,
	ttl time.Duration,
	logger Logger,
) *SubmitService {
	return &SubmitService{
		workflows:   workflows,
		executions:  executions,
		idempotency: idempotency,
		partitioner: partitioner,
		dispatch:    dispatch,
		limiter:     limiter,
		ttl:         ttl,
		logger:      logger,
	}
}

// Submit starts a new execution or returns the cached result of a
// duplicate. Two submits with the same idempotency key always yield the
// same execution_arn.
func (s *SubmitService) Submit(ctx context.Context, ownerID string, req *SubmitRequest) (*SubmitResult, error) {
	if req.WorkflowID == "" {
		return nil, errs.NewValidation("workflow_id is required")
	}
	if len(req.InitialState) > 0 && !json.Valid(req.InitialState) {
		return nil, errs.NewValidation("initial_state is not valid JSON")
	}

	wf, err := s.workflows.Get(ctx, ownerID, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	if s.limiter != nil {
		tier := ratelimit.InspectWorkflow(wf).Tier
		result, err := s.limiter.CheckTieredLimit(ctx, ownerID, tier)
		if err != nil {
			// Fail open: a limiter outage must not block submits
			s.logger.Warn("tiered rate limit check failed", "owner_id", ownerID, "error", err)
		} else if !result.Allowed {
			return nil, fmt.Errorf("tier %s quota exhausted, retry in %ds: %w",
				tier, result.RetryAfterSeconds, errs.ErrRateLimited)
		}
	}

	// Partition up front so a broken definition fails the submit, not
	// the runner
	pm, err := s.partitioner.Partition(ctx, wf)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = deriveKey(ownerID, req.WorkflowID, req.InitialState)
	}

	executionARN := fmt.Sprintf("execution:%s:%s", ownerID, uuid.NewString())
	record, won, err := s.idempotency.Claim(ctx, &models.IdempotencyRecord{
		IdempotencyKey: key,
		Status:         models.StatusStarted,
		ExecutionARN:   executionARN,
		TTL:            time.Now().UTC().Add(s.ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency claim failed: %w", err)
	}
	if !won {
		// Duplicate submit: terminal records replay the cached output,
		// in-flight records return the existing execution
		s.logger.Info("idempotent replay",
			"idempotency_key", key,
			"execution_arn", record.ExecutionARN,
			"status", record.Status)
		return &SubmitResult{
			ExecutionARN: record.ExecutionARN,
			Status:       record.Status,
			Cached:       true,
			Output:       record.Output,
		}, nil
	}

	exec := &models.Execution{
		ExecutionARN:   executionARN,
		OwnerID:        ownerID,
		WorkflowID:     req.WorkflowID,
		Status:         models.StatusStarted,
		StartDate:      time.Now().UTC(),
		Input:          req.InitialState,
		IdempotencyKey: key,
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		s.release(ctx, key)
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}

	task := &queue.Task{
		Type:         queue.TaskStart,
		OwnerID:      ownerID,
		ExecutionARN: executionARN,
		WorkflowID:   req.WorkflowID,
		Input:        req.InitialState,
	}
	if err := s.dispatch.Publish(ctx, task); err != nil {
		s.release(ctx, key)
		return nil, fmt.Errorf("failed to dispatch execution: %w", err)
	}

	metrics.ExecutionsTotal.WithLabelValues("submitted").Inc()
	s.logger.Info("execution submitted",
		"execution_arn", executionARN,
		"workflow_id", req.WorkflowID,
		"estimated_executions", pm.EstimatedExecutions)

	return &SubmitResult{ExecutionARN: executionARN, Status: models.StatusStarted}, nil
}

// release undoes a claim so the caller can retry after a failed submit
func (s *SubmitService) release(ctx context.Context, key string) {
	if err := s.idempotency.Release(ctx, key); err != nil {
		s.logger.Error("failed to release idempotency record", "key", key, "error", err)
	}
}

// deriveKey hashes the canonical submit input when the caller supplies
// no idempotency key
func deriveKey(ownerID, workflowID string, input json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(ownerID))
	h.Write([]byte{0})
	h.Write([]byte(workflowID))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}
