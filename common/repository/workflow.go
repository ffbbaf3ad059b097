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

// WorkflowRepository handles database operations for workflow definitions
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Save upserts a workflow definition. Definitions are validated before
// they reach this point.
func (r *WorkflowRepository) Save(ctx context.Context, wf *models.Workflow) error {
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}
	edges, err := json.Marshal(wf.Edges)
	if err != nil {
		return fmt.Errorf("failed to marshal edges: %w", err)
	}

	query := `
		INSERT INTO workflow (owner_id, workflow_id, name, nodes, edges, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (owner_id, workflow_id) DO UPDATE
		SET name = EXCLUDED.name,
			nodes = EXCLUDED.nodes,
			edges = EXCLUDED.edges,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.Exec(ctx, query, wf.OwnerID, wf.WorkflowID, wf.Name, nodes, edges, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

// Get retrieves a workflow definition scoped to its owner
func (r *WorkflowRepository) Get(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error) {
	query := `
		SELECT owner_id, workflow_id, name, nodes, edges, created_at, updated_at
		FROM workflow
		WHERE owner_id = $1 AND workflow_id = $2
	`

	wf := &models.Workflow{}
	var nodes, edges []byte
	err := r.db.QueryRow(ctx, query, ownerID, workflowID).Scan(
		&wf.OwnerID,
		&wf.WorkflowID,
		&wf.Name,
		&nodes,
		&edges,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := json.Unmarshal(nodes, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &wf.Edges); err != nil {
		return nil, fmt.Errorf("failed to decode edges: %w", err)
	}

	return wf, nil
}

// Delete removes a workflow definition
func (r *WorkflowRepository) Delete(ctx context.Context, ownerID, workflowID string) error {
	query := `DELETE FROM workflow WHERE owner_id = $1 AND workflow_id = $2`

	tag, err := r.db.Exec(ctx, query, ownerID, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", workflowID, errs.ErrNotFound)
	}

	return nil
}
