package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/stateflow/common/db"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
)

// IdempotencyRepository handles the at-most-once submit ledger
type IdempotencyRepository struct {
	db *db.DB
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(database *db.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: database}
}

// Claim attempts to reserve an idempotency key for a new execution.
// The conditional insert guarantees exactly one winner per key; losers
// receive the existing record so callers can replay the cached answer.
func (r *IdempotencyRepository) Claim(ctx context.Context, record *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	query := `
		INSERT INTO idempotency (idempotency_key, status, execution_arn, ttl)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query, record.IdempotencyKey, record.Status, record.ExecutionARN, record.TTL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	if tag.RowsAffected() > 0 {
		return record, true, nil
	}

	existing, err := r.Get(ctx, record.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get retrieves an idempotency record. Expired records are treated as
// absent so a stale key can be claimed again.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	query := `
		SELECT idempotency_key, status, execution_arn, output, stop_date, ttl
		FROM idempotency
		WHERE idempotency_key = $1 AND ttl > $2
	`

	record := &models.IdempotencyRecord{}
	err := r.db.QueryRow(ctx, query, key, time.Now().UTC()).Scan(
		&record.IdempotencyKey,
		&record.Status,
		&record.ExecutionARN,
		&record.Output,
		&record.StopDate,
		&record.TTL,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("idempotency key %s: %w", key, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	return record, nil
}

// Finalize copies the terminal outcome onto the record so later
// duplicate submits replay the result without touching the execution
func (r *IdempotencyRepository) Finalize(ctx context.Context, key string, status models.ExecutionStatus, output []byte) error {
	query := `
		UPDATE idempotency
		SET status = $2, output = $3, stop_date = $4
		WHERE idempotency_key = $1
	`

	_, err := r.db.Exec(ctx, query, key, status, output, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finalize idempotency record: %w", err)
	}

	return nil
}

// Release removes a claimed key after a failed submit so the client can
// retry with the same key
func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	query := `DELETE FROM idempotency WHERE idempotency_key = $1`

	if _, err := r.db.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}

	return nil
}
