package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/stateflow/common/db"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
)

// TaskTokenRepository handles human-in-the-loop suspension tokens
type TaskTokenRepository struct {
	db *db.DB
}

// NewTaskTokenRepository creates a new task token repository
func NewTaskTokenRepository(database *db.DB) *TaskTokenRepository {
	return &TaskTokenRepository{db: database}
}

// Create stores a token when an execution pauses at a HITP gate
func (r *TaskTokenRepository) Create(ctx context.Context, token *models.TaskToken) error {
	query := `
		INSERT INTO task_token (conversation_id, task_token, owner_id, execution_arn,
			parent_execution_id, chunk_id, workflow_id, paused_segment_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		token.ConversationID,
		token.TaskToken,
		token.OwnerID,
		token.ExecutionARN,
		token.ParentExecutionID,
		token.ChunkID,
		token.WorkflowID,
		token.PausedSegmentID,
		token.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create task token: %w", err)
	}

	return nil
}

// Get retrieves the pending token for a conversation
func (r *TaskTokenRepository) Get(ctx context.Context, conversationID string) (*models.TaskToken, error) {
	query := `
		SELECT conversation_id, task_token, owner_id, execution_arn,
			parent_execution_id, chunk_id, workflow_id, paused_segment_id, created_at
		FROM task_token
		WHERE conversation_id = $1
	`

	token := &models.TaskToken{}
	err := r.db.QueryRow(ctx, query, conversationID).Scan(
		&token.ConversationID,
		&token.TaskToken,
		&token.OwnerID,
		&token.ExecutionARN,
		&token.ParentExecutionID,
		&token.ChunkID,
		&token.WorkflowID,
		&token.PausedSegmentID,
		&token.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task token for %s: %w", conversationID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task token: %w", err)
	}

	return token, nil
}

// Consume deletes a token only if it still carries the expected value.
// Exactly one caller wins a resume race; everyone else sees not-found.
func (r *TaskTokenRepository) Consume(ctx context.Context, conversationID, taskToken string) (*models.TaskToken, error) {
	query := `
		DELETE FROM task_token
		WHERE conversation_id = $1 AND task_token = $2
		RETURNING conversation_id, task_token, owner_id, execution_arn,
			parent_execution_id, chunk_id, workflow_id, paused_segment_id, created_at
	`

	token := &models.TaskToken{}
	err := r.db.QueryRow(ctx, query, conversationID, taskToken).Scan(
		&token.ConversationID,
		&token.TaskToken,
		&token.OwnerID,
		&token.ExecutionARN,
		&token.ParentExecutionID,
		&token.ChunkID,
		&token.WorkflowID,
		&token.PausedSegmentID,
		&token.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task token for %s already consumed or mismatched: %w", conversationID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume task token: %w", err)
	}

	return token, nil
}
