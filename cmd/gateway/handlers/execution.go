package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/stateflow/cmd/gateway/middleware"
	"github.com/lyzr/stateflow/cmd/gateway/service"
	"github.com/lyzr/stateflow/common/models"
)

// ExecutionReader covers the read/mutate operations on execution records
type ExecutionReader interface {
	Get(ctx context.Context, ownerID, executionARN string) (*models.Execution, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Execution, error)
	Abort(ctx context.Context, ownerID, executionARN, cause string) (bool, error)
	Delete(ctx context.Context, ownerID, executionARN string) error
}

// ManifestReader lists committed manifests for the history endpoint
type ManifestReader interface {
	ListByExecution(ctx context.Context, executionID string, limit int) ([]*models.Manifest, error)
}

// ExecutionHandler handles execution lifecycle requests
type ExecutionHandler struct {
	submit     *service.SubmitService
	executions ExecutionReader
	manifests  ManifestReader
	logger     service.Logger
}

// NewExecutionHandler creates an execution handler
func NewExecutionHandler(submit *service.SubmitService, executions ExecutionReader, manifests ManifestReader, logger service.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		submit:     submit,
		executions: executions,
		manifests:  manifests,
		logger:     logger,
	}
}

// Submit starts a workflow execution
// POST /api/v1/executions
func (h *ExecutionHandler) Submit(c echo.Context) error {
	owner := middleware.GetOwner(c)

	var req service.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}

	result, err := h.submit.Submit(c.Request().Context(), owner, &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Describe returns one execution record
// GET /api/v1/executions/:arn
func (h *ExecutionHandler) Describe(c echo.Context) error {
	owner := middleware.GetOwner(c)

	exec, err := h.executions.Get(c.Request().Context(), owner, c.Param("arn"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, exec)
}

// History returns the committed manifest chain plus driver steps
// GET /api/v1/executions/:arn/history
func (h *ExecutionHandler) History(c echo.Context) error {
	owner := middleware.GetOwner(c)
	ctx := c.Request().Context()
	arn := c.Param("arn")

	// Ownership check first so a foreign arn 404s before any manifest read
	exec, err := h.executions.Get(ctx, owner, arn)
	if err != nil {
		return respondError(c, err)
	}

	limit := parseLimit(c.QueryParam("limit"), 100)
	manifests, err := h.manifests.ListByExecution(ctx, arn, limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_arn": exec.ExecutionARN,
		"status":        exec.Status,
		"steps":         exec.StateHistory,
		"manifests":     manifests,
	})
}

// Stop aborts a running execution
// POST /api/v1/executions/:arn/stop
func (h *ExecutionHandler) Stop(c echo.Context) error {
	owner := middleware.GetOwner(c)
	ctx := c.Request().Context()
	arn := c.Param("arn")

	var body struct {
		Cause string `json:"cause"`
	}
	_ = c.Bind(&body)

	aborted, err := h.executions.Abort(ctx, owner, arn, body.Cause)
	if err != nil {
		return respondError(c, err)
	}
	if !aborted {
		// Either missing or already terminal; describe to tell them apart
		exec, err := h.executions.Get(ctx, owner, arn)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":  "execution already terminal",
			"status": exec.Status,
		})
	}

	h.logger.Info("execution aborted", "execution_arn", arn, "owner_id", owner)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_arn": arn,
		"status":        models.StatusAborted,
	})
}

// Delete removes an execution record
// DELETE /api/v1/executions/:arn
func (h *ExecutionHandler) Delete(c echo.Context) error {
	owner := middleware.GetOwner(c)

	if err := h.executions.Delete(c.Request().Context(), owner, c.Param("arn")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// List returns the owner's executions, newest first
// GET /api/v1/executions?limit=50
func (h *ExecutionHandler) List(c echo.Context) error {
	owner := middleware.GetOwner(c)

	limit := parseLimit(c.QueryParam("limit"), 50)
	executions, err := h.executions.ListByOwner(c.Request().Context(), owner, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"executions": executions})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > 1000 {
		return fallback
	}
	return limit
}
