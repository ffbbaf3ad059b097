package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lyzr/stateflow/common/db"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/models"
)

// ManifestRepository handles database operations for state manifests.
// Manifests are append-only; the only mutation is the commit flip.
type ManifestRepository struct {
	db *db.DB
}

// NewManifestRepository creates a new manifest repository
func NewManifestRepository(database *db.DB) *ManifestRepository {
	return &ManifestRepository{db: database}
}

// Create inserts an uncommitted manifest
func (r *ManifestRepository) Create(ctx context.Context, m *models.Manifest) error {
	blocks, err := json.Marshal(m.Blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal block list: %w", err)
	}
	pointers, err := json.Marshal(m.PointerMap)
	if err != nil {
		return fmt.Errorf("failed to marshal pointer map: %w", err)
	}

	query := `
		INSERT INTO manifest (execution_id, manifest_id, previous_manifest_id, owner_id,
			workflow_id, segment_id, blocks, pointer_map, inline_state, committed, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.db.Exec(
		ctx,
		query,
		m.ExecutionID,
		m.ManifestID,
		m.PreviousManifestID,
		m.OwnerID,
		m.WorkflowID,
		m.SegmentID,
		blocks,
		pointers,
		m.InlineState,
		m.Committed,
		m.Checksum,
		m.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}

	return nil
}

// MarkCommitted flips the committed flag. The flag condition makes the
// flip idempotent-safe: a second flip or a flip of a missing row fails.
func (r *ManifestRepository) MarkCommitted(ctx context.Context, executionID, manifestID string) error {
	query := `
		UPDATE manifest
		SET committed = TRUE
		WHERE execution_id = $1 AND manifest_id = $2 AND committed = FALSE
	`

	tag, err := r.db.Exec(ctx, query, executionID, manifestID)
	if err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("manifest %s not committable: %w", manifestID, errs.ErrNotFound)
	}

	return nil
}

// Get retrieves a manifest by its composite key
func (r *ManifestRepository) Get(ctx context.Context, executionID, manifestID string) (*models.Manifest, error) {
	query := `
		SELECT execution_id, manifest_id, previous_manifest_id, owner_id, workflow_id,
			segment_id, blocks, pointer_map, inline_state, committed, checksum, created_at
		FROM manifest
		WHERE execution_id = $1 AND manifest_id = $2
	`

	m := &models.Manifest{}
	var blocks, pointers []byte
	err := r.db.QueryRow(ctx, query, executionID, manifestID).Scan(
		&m.ExecutionID,
		&m.ManifestID,
		&m.PreviousManifestID,
		&m.OwnerID,
		&m.WorkflowID,
		&m.SegmentID,
		&blocks,
		&pointers,
		&m.InlineState,
		&m.Committed,
		&m.Checksum,
		&m.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("manifest %s: %w", manifestID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get manifest: %w", err)
	}

	if err := json.Unmarshal(blocks, &m.Blocks); err != nil {
		return nil, fmt.Errorf("failed to decode block list: %w", err)
	}
	if err := json.Unmarshal(pointers, &m.PointerMap); err != nil {
		return nil, fmt.Errorf("failed to decode pointer map: %w", err)
	}

	return m, nil
}

// Latest retrieves the most recent committed manifest for an execution.
// Manifest ids are time-ordered, so the lexicographic max is the latest.
func (r *ManifestRepository) Latest(ctx context.Context, executionID string) (*models.Manifest, error) {
	query := `
		SELECT manifest_id
		FROM manifest
		WHERE execution_id = $1 AND committed = TRUE
		ORDER BY manifest_id DESC
		LIMIT 1
	`

	var manifestID string
	err := r.db.QueryRow(ctx, query, executionID).Scan(&manifestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no committed manifest for %s: %w", executionID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find latest manifest: %w", err)
	}

	return r.Get(ctx, executionID, manifestID)
}

// ListByExecution returns the committed manifest chain, oldest first,
// without the inline state payloads. Backs the history endpoint.
func (r *ManifestRepository) ListByExecution(ctx context.Context, executionID string, limit int) ([]*models.Manifest, error) {
	query := `
		SELECT execution_id, manifest_id, previous_manifest_id, owner_id, workflow_id,
			segment_id, blocks, pointer_map, committed, checksum, created_at
		FROM manifest
		WHERE execution_id = $1 AND committed = TRUE
		ORDER BY manifest_id ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}
	defer rows.Close()

	var manifests []*models.Manifest
	for rows.Next() {
		m := &models.Manifest{}
		var blocks, pointers []byte
		if err := rows.Scan(
			&m.ExecutionID,
			&m.ManifestID,
			&m.PreviousManifestID,
			&m.OwnerID,
			&m.WorkflowID,
			&m.SegmentID,
			&blocks,
			&pointers,
			&m.Committed,
			&m.Checksum,
			&m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan manifest: %w", err)
		}
		if err := json.Unmarshal(blocks, &m.Blocks); err != nil {
			return nil, fmt.Errorf("failed to decode block list: %w", err)
		}
		if err := json.Unmarshal(pointers, &m.PointerMap); err != nil {
			return nil, fmt.Errorf("failed to decode pointer map: %w", err)
		}
		manifests = append(manifests, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manifests: %w", err)
	}

	return manifests, nil
}

// ListBlocks returns the union of block keys referenced by an
// execution's manifests. Used when a finished execution is deleted.
func (r *ManifestRepository) ListBlocks(ctx context.Context, executionID string) ([]string, error) {
	query := `SELECT blocks FROM manifest WHERE execution_id = $1`

	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest blocks: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var keys []string
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan block list: %w", err)
		}
		var blocks []string
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, fmt.Errorf("failed to decode block list: %w", err)
		}
		for _, k := range blocks {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manifests: %w", err)
	}

	return keys, nil
}

// DeleteByExecution removes all manifest rows of an execution
func (r *ManifestRepository) DeleteByExecution(ctx context.Context, executionID string) error {
	query := `DELETE FROM manifest WHERE execution_id = $1`

	if _, err := r.db.Exec(ctx, query, executionID); err != nil {
		return fmt.Errorf("failed to delete manifests: %w", err)
	}

	return nil
}
