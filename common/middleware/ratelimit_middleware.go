package middleware

import (
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/lyzr/stateflow/common/ratelimit"
)

// isInternalRequest checks if the request is from an internal service.
// Internal services set X-Internal-Service to the shared secret to
// bypass rate limits.
func isInternalRequest(c echo.Context) bool {
	internalHeader := c.Request().Header.Get("X-Internal-Service")
	if internalHeader == "" {
		return false
	}
	expectedSecret := os.Getenv("INTERNAL_SERVICE_SECRET")
	if expectedSecret == "" {
		return false
	}
	return internalHeader == expectedSecret
}

// GlobalRateLimit checks the service-wide submit limit. Fails open on
// limiter errors so a Redis outage cannot take down the API.
func GlobalRateLimit(limiter *ratelimit.RateLimiter, limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			result, err := limiter.CheckGlobalLimit(c.Request().Context(), limit)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":               "global_rate_limit_exceeded",
					"limit":               result.Limit,
					"retry_after_seconds": result.RetryAfterSeconds,
				})
			}
			return next(c)
		}
	}
}

// OwnerRateLimit checks the per-owner submit limit. Requires the owner
// id in context under ownerKey (set by the auth middleware).
func OwnerRateLimit(limiter *ratelimit.RateLimiter, ownerKey string, limit int64, windowSec int) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isInternalRequest(c) {
				return next(c)
			}

			owner, ok := c.Get(ownerKey).(string)
			if !ok || owner == "" {
				return next(c)
			}

			result, err := limiter.CheckOwnerLimit(c.Request().Context(), owner, limit, windowSec)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":               "owner_rate_limit_exceeded",
					"limit":               result.Limit,
					"current_count":       result.CurrentCount,
					"retry_after_seconds": result.RetryAfterSeconds,
				})
			}
			return next(c)
		}
	}
}
