package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/stateflow/common/db"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
)

// ExecutionRepository handles database operations for executions
type ExecutionRepository struct {
	db *db.DB
}

// NewExecutionRepository creates a new execution repository
func NewExecutionRepository(database *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: database}
}

// Create inserts a new execution record
func (r *ExecutionRepository) Create(ctx context.Context, exec *models.Execution) error {
	history, err := json.Marshal(exec.StateHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal state history: %w", err)
	}

	query := `
		INSERT INTO execution (execution_arn, owner_id, workflow_id, status, start_date,
			input, current_manifest_id, healing_count, idempotency_key, expiration_ts, state_history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.Exec(
		ctx,
		query,
		exec.ExecutionARN,
		exec.OwnerID,
		exec.WorkflowID,
		exec.Status,
		exec.StartDate,
		exec.Input,
		exec.CurrentManifestID,
		exec.HealingCount,
		exec.IdempotencyKey,
		exec.ExpirationTS,
		history,
	)

	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// Get retrieves an execution scoped to its owner. A wrong owner looks
// identical to a missing execution.
func (r *ExecutionRepository) Get(ctx context.Context, ownerID, executionARN string) (*models.Execution, error) {
	query := `
		SELECT execution_arn, owner_id, workflow_id, status, start_date, stop_date,
			input, output, error_code, error_message, current_manifest_id,
			healing_count, idempotency_key, expiration_ts, state_history
		FROM execution
		WHERE owner_id = $1 AND execution_arn = $2
	`

	exec := &models.Execution{}
	var history []byte
	err := r.db.QueryRow(ctx, query, ownerID, executionARN).Scan(
		&exec.ExecutionARN,
		&exec.OwnerID,
		&exec.WorkflowID,
		&exec.Status,
		&exec.StartDate,
		&exec.StopDate,
		&exec.Input,
		&exec.Output,
		&exec.ErrorCode,
		&exec.ErrorMessage,
		&exec.CurrentManifestID,
		&exec.HealingCount,
		&exec.IdempotencyKey,
		&exec.ExpirationTS,
		&history,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", executionARN, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	if len(history) > 0 {
		if err := json.Unmarshal(history, &exec.StateHistory); err != nil {
			return nil, fmt.Errorf("failed to decode state history: %w", err)
		}
	}

	return exec, nil
}

// UpdateProgress records the latest manifest and a bounded history step
func (r *ExecutionRepository) UpdateProgress(ctx context.Context, exec *models.Execution) error {
	history, err := json.Marshal(exec.StateHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal state history: %w", err)
	}

	query := `
		UPDATE execution
		SET status = $3, current_manifest_id = $4, healing_count = $5, state_history = $6
		WHERE owner_id = $1 AND execution_arn = $2
	`

	_, err = r.db.Exec(ctx, query,
		exec.OwnerID,
		exec.ExecutionARN,
		exec.Status,
		exec.CurrentManifestID,
		exec.HealingCount,
		history,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution progress: %w", err)
	}

	return nil
}

// Finish writes the terminal status, output, and stop date
func (r *ExecutionRepository) Finish(ctx context.Context, ownerID, executionARN string, status models.ExecutionStatus, output []byte, errorCode, errorMessage string) error {
	query := `
		UPDATE execution
		SET status = $3, output = $4, error_code = $5, error_message = $6, stop_date = $7
		WHERE owner_id = $1 AND execution_arn = $2
	`

	_, err := r.db.Exec(ctx, query, ownerID, executionARN, status, output, errorCode, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}

	return nil
}

// Abort flips a non-terminal execution to ABORTED. The condition makes
// the stop idempotent and keeps terminal states immutable; zero rows
// means the execution already reached a terminal state.
func (r *ExecutionRepository) Abort(ctx context.Context, ownerID, executionARN, cause string) (bool, error) {
	query := `
		UPDATE execution
		SET status = $3, error_message = $4, stop_date = $5
		WHERE owner_id = $1 AND execution_arn = $2
			AND status NOT IN ('SUCCEEDED', 'COMPLETED', 'FAILED', 'TIMED_OUT', 'ABORTED')
	`

	tag, err := r.db.Exec(ctx, query, ownerID, executionARN, models.StatusAborted, cause, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to abort execution: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// Delete removes an execution record
func (r *ExecutionRepository) Delete(ctx context.Context, ownerID, executionARN string) error {
	query := `DELETE FROM execution WHERE owner_id = $1 AND execution_arn = $2`

	tag, err := r.db.Exec(ctx, query, ownerID, executionARN)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", executionARN, errs.ErrNotFound)
	}

	return nil
}

// ListByOwner retrieves executions for an owner, newest first
func (r *ExecutionRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Execution, error) {
	query := `
		SELECT execution_arn, owner_id, workflow_id, status, start_date, stop_date,
			current_manifest_id, healing_count
		FROM execution
		WHERE owner_id = $1
		ORDER BY start_date DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		exec := &models.Execution{}
		err := rows.Scan(
			&exec.ExecutionARN,
			&exec.OwnerID,
			&exec.WorkflowID,
			&exec.Status,
			&exec.StartDate,
			&exec.StopDate,
			&exec.CurrentManifestID,
			&exec.HealingCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}
