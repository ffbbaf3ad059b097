package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/stateflow/common/errs"
)

// respondError maps domain errors to HTTP responses. Cross-tenant reads
// arrive here already collapsed into ErrNotFound by the repositories.
func respondError(c echo.Context, err error) error {
	var validation *errs.ValidationError
	if errors.As(err, &validation) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": validation.Msg,
			"nodes": validation.Nodes,
		})
	}

	switch {
	case errors.Is(err, errs.ErrValidation):
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	case errors.Is(err, errs.ErrAuthentication):
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{"error": err.Error()})
	case errors.Is(err, errs.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]interface{}{"error": "not found"})
	case errors.Is(err, errs.ErrRateLimited):
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": "internal error"})
	}
}
