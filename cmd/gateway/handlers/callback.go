package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/stateflow/cmd/gateway/middleware"
	"github.com/lyzr/stateflow/cmd/gateway/service"
)

// CallbackHandler handles HITP resume callbacks
type CallbackHandler struct {
	callback *service.CallbackService
}

// NewCallbackHandler creates a callback handler
func NewCallbackHandler(callback *service.CallbackService) *CallbackHandler {
	return &CallbackHandler{callback: callback}
}

// Resume completes a human-in-the-loop gate
// POST /api/v1/callbacks/hitp
func (h *CallbackHandler) Resume(c echo.Context) error {
	owner := middleware.GetOwner(c)

	var req service.CallbackRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
	}

	token, err := h.callback.Resume(c.Request().Context(), owner, &req)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution_arn":   token.ExecutionARN,
		"conversation_id": token.ConversationID,
		"resumed_segment": token.PausedSegmentID,
	})
}
