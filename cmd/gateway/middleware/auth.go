package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// OwnerKey is the context key for the authenticated owner id
	OwnerKey ContextKey = "owner_id"

	// SubjectHeader carries the verified JWT subject. The edge proxy
	// terminates and verifies the JWT before the request reaches this
	// service; the raw token never does.
	SubjectHeader = "X-Verified-Sub"
)

// RequireOwner extracts the verified subject header and stores it in
// the request context. Requests without it are rejected; owner ids in
// query strings or bodies are ignored everywhere.
func RequireOwner() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			owner := c.Request().Header.Get(SubjectHeader)
			if owner == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "authentication required",
				})
			}
			c.Set(string(OwnerKey), owner)
			return next(c)
		}
	}
}

// GetOwner retrieves the authenticated owner id from the request
// context. Empty when RequireOwner did not run.
func GetOwner(c echo.Context) string {
	owner := c.Get(string(OwnerKey))
	if owner == nil {
		return ""
	}
	return owner.(string)
}
