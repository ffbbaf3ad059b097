package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/stateflow/cmd/gateway/container"
	gwmiddleware "github.com/lyzr/stateflow/cmd/gateway/middleware"
	"github.com/lyzr/stateflow/common/middleware"
	"github.com/lyzr/stateflow/common/ratelimit"
)

// Register wires all gateway routes. Every route requires a verified
// subject; only submit carries rate limiting.
func Register(e *echo.Echo, c *container.Container) {
	auth := gwmiddleware.RequireOwner()

	workflows := e.Group("/api/v1/workflows", auth)
	{
		workflows.PUT("/:id", c.WorkflowHandler.Save)
		workflows.GET("/:id", c.WorkflowHandler.Get)
		workflows.DELETE("/:id", c.WorkflowHandler.Delete)
	}

	executions := e.Group("/api/v1/executions", auth)
	{
		executions.POST("", c.ExecutionHandler.Submit,
			middleware.GlobalRateLimit(c.RateLimiter, ratelimit.DefaultGlobalConfig.Limit),
			middleware.OwnerRateLimit(c.RateLimiter, string(gwmiddleware.OwnerKey),
				ratelimit.DefaultTierConfigs[ratelimit.TierSimple].Limit, 60))
		executions.GET("", c.ExecutionHandler.List)
		executions.GET("/:arn", c.ExecutionHandler.Describe)
		executions.GET("/:arn/history", c.ExecutionHandler.History)
		executions.POST("/:arn/stop", c.ExecutionHandler.Stop)
		executions.DELETE("/:arn", c.ExecutionHandler.Delete)
	}

	callbacks := e.Group("/api/v1/callbacks", auth)
	{
		callbacks.POST("/hitp", c.CallbackHandler.Resume)
	}
}
