package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/queue"
)

// TokenStore looks up and consumes task tokens
type TokenStore interface {
	Get(ctx context.Context, conversationID string) (*models.TaskToken, error)
	Consume(ctx context.Context, conversationID, taskToken string) (*models.TaskToken, error)
}

// CallbackRequest resumes a paused execution
type CallbackRequest struct {
	ConversationID string          `json:"conversation_id"`
	TaskToken      string          `json:"task_token"`
	Decision       json.RawMessage `json:"decision"`
}

// CallbackService resumes executions paused at a human gate
type CallbackService struct {
	tokens   TokenStore
	dispatch queue.Queue
	logger   Logger
}

// NewCallbackService creates the callback service
func NewCallbackService(tokens TokenStore, dispatch queue.Queue, logger Logger) *CallbackService {
	return &CallbackService{tokens: tokens, dispatch: dispatch, logger: logger}
}

// Resume validates ownership and the token, consumes the token record,
// and dispatches the resume task. The conditional delete on the token
// row makes exactly one of two racing callbacks win.
func (s *CallbackService) Resume(ctx context.Context, ownerID string, req *CallbackRequest) (*models.TaskToken, error) {
	if req.ConversationID == "" || req.TaskToken == "" {
		return nil, errs.NewValidation("conversation_id and task_token are required")
	}
	if len(req.Decision) > 0 && !json.Valid(req.Decision) {
		return nil, errs.NewValidation("decision is not valid JSON")
	}

	token, err := s.tokens.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	// A foreign owner's token looks identical to a missing one
	if token.OwnerID != ownerID {
		return nil, fmt.Errorf("task token %s: %w", req.ConversationID, errs.ErrNotFound)
	}

	consumed, err := s.tokens.Consume(ctx, req.ConversationID, req.TaskToken)
	if err != nil {
		return nil, err
	}

	task := &queue.Task{
		Type:           queue.TaskResume,
		OwnerID:        ownerID,
		ExecutionARN:   consumed.ExecutionARN,
		WorkflowID:     consumed.WorkflowID,
		ConversationID: consumed.ConversationID,
		Decision:       req.Decision,
		SegmentID:      consumed.PausedSegmentID,
	}
	if err := s.dispatch.Publish(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to dispatch resume: %w", err)
	}

	s.logger.Info("execution resumed",
		"execution_arn", consumed.ExecutionARN,
		"conversation_id", consumed.ConversationID,
		"segment_id", consumed.PausedSegmentID)

	return consumed, nil
}
