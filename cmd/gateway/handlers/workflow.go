package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/stateflow/cmd/gateway/middleware"
	"github.com/lyzr/stateflow/cmd/gateway/service"
	"github.com/lyzr/stateflow/common/errs"
	"github.com/lyzr/stateflow/common/graph"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/partition"
)

// WorkflowWriter persists workflow definitions
type WorkflowWriter interface {
	Save(ctx context.Context, wf *models.Workflow) error
	Get(ctx context.Context, ownerID, workflowID string) (*models.Workflow, error)
	Delete(ctx context.Context, ownerID, workflowID string) error
}

// WorkflowHandler handles definition CRUD. Definitions are validated
// and partitioned at save time so broken graphs never reach a runner.
type WorkflowHandler struct {
	workflows   WorkflowWriter
	validator   *graph.Validator
	partitioner *partition.Partitioner
	logger      service.Logger
}

// NewWorkflowHandler creates a workflow handler
func NewWorkflowHandler(workflows WorkflowWriter, validator *graph.Validator, partitioner *partition.Partitioner, logger service.Logger) *WorkflowHandler {
	return &WorkflowHandler{
		workflows:   workflows,
		validator:   validator,
		partitioner: partitioner,
		logger:      logger,
	}
}

// Save creates or replaces a workflow definition
// PUT /api/v1/workflows/:id
func (h *WorkflowHandler) Save(c echo.Context) error {
	owner := middleware.GetOwner(c)
	ctx := c.Request().Context()

	var wf models.Workflow
	if err := c.Bind(&wf); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}
	wf.WorkflowID = c.Param("id")
	wf.OwnerID = owner
	wf.UpdatedAt = time.Now().UTC()
	if wf.WorkflowID == "" {
		return respondError(c, errs.NewValidation("workflow id is required"))
	}

	if err := h.validator.Validate(ctx, &wf); err != nil {
		return respondError(c, err)
	}

	// Partitioning at save time surfaces loop and subgraph problems the
	// structural validator cannot see
	pm, err := h.partitioner.Partition(ctx, &wf)
	if err != nil {
		return respondError(c, err)
	}

	if err := h.workflows.Save(ctx, &wf); err != nil {
		return respondError(c, err)
	}

	h.logger.Info("workflow saved",
		"workflow_id", wf.WorkflowID,
		"owner_id", owner,
		"segments", len(pm.Segments),
		"estimated_executions", pm.EstimatedExecutions)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow_id":          wf.WorkflowID,
		"segments":             len(pm.Segments),
		"estimated_executions": pm.EstimatedExecutions,
	})
}

// Get returns one workflow definition
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) Get(c echo.Context) error {
	owner := middleware.GetOwner(c)

	wf, err := h.workflows.Get(c.Request().Context(), owner, c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// Delete removes a workflow definition
// DELETE /api/v1/workflows/:id
func (h *WorkflowHandler) Delete(c echo.Context) error {
	owner := middleware.GetOwner(c)

	if err := h.workflows.Delete(c.Request().Context(), owner, c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
