package container

import (
	"time"

	"github.com/lyzr/stateflow/cmd/gateway/handlers"
	"github.com/lyzr/stateflow/cmd/gateway/service"
	"github.com/lyzr/stateflow/common/bootstrap"
	"github.com/lyzr/stateflow/common/cache"
	"github.com/lyzr/stateflow/common/graph"
	"github.com/lyzr/stateflow/common/partition"
	"github.com/lyzr/stateflow/common/queue"
	"github.com/lyzr/stateflow/common/ratelimit"
	"github.com/lyzr/stateflow/common/repository"
)

// Definitions are re-read on every submit for validation and
// partitioning; a short stale window is acceptable there.
const workflowCacheTTL = 30 * time.Second

// Container holds all initialized gateway services and repositories
type Container struct {
	Components *bootstrap.Components

	// Repositories
	WorkflowRepo    *repository.WorkflowRepository
	ExecutionRepo   *repository.ExecutionRepository
	ManifestRepo    *repository.ManifestRepository
	IdempotencyRepo *repository.IdempotencyRepository
	TaskTokenRepo   *repository.TaskTokenRepository

	// Services
	Dispatch        queue.Queue
	RateLimiter     *ratelimit.RateLimiter
	WorkflowCache   cache.Cache
	SubmitService   *service.SubmitService
	CallbackService *service.CallbackService

	// Handlers
	WorkflowHandler  *handlers.WorkflowHandler
	ExecutionHandler *handlers.ExecutionHandler
	CallbackHandler  *handlers.CallbackHandler
}

// NewContainer initializes all gateway services once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	workflowRepo := repository.NewWorkflowRepository(components.DB)
	executionRepo := repository.NewExecutionRepository(components.DB)
	manifestRepo := repository.NewManifestRepository(components.DB)
	idempotencyRepo := repository.NewIdempotencyRepository(components.DB)
	taskTokenRepo := repository.NewTaskTokenRepository(components.DB)

	dispatch := queue.NewRedisQueue(components.Redis, cfg.Queue.DispatchKey)
	rateLimiter := ratelimit.NewRateLimiter(components.RedisRaw, log)

	workflowCache := cache.NewMemory()
	lookup := cache.Workflows(workflowCache, workflowCacheTTL, workflowRepo.Get)

	validator := graph.NewValidator(lookup)
	partitioner := partition.NewPartitioner(cfg.Kernel.MaxLoopIterations, lookup)

	submitService := service.NewSubmitService(
		workflowRepo,
		executionRepo,
		idempotencyRepo,
		partitioner,
		dispatch,
		rateLimiter,
		cfg.Driver.IdempotencyTTL,
		log,
	)
	callbackService := service.NewCallbackService(taskTokenRepo, dispatch, log)

	return &Container{
		Components:       components,
		WorkflowRepo:     workflowRepo,
		ExecutionRepo:    executionRepo,
		ManifestRepo:     manifestRepo,
		IdempotencyRepo:  idempotencyRepo,
		TaskTokenRepo:    taskTokenRepo,
		Dispatch:         dispatch,
		RateLimiter:      rateLimiter,
		WorkflowCache:    workflowCache,
		SubmitService:    submitService,
		CallbackService:  callbackService,
		WorkflowHandler:  handlers.NewWorkflowHandler(workflowRepo, validator, partitioner, log),
		ExecutionHandler: handlers.NewExecutionHandler(submitService, executionRepo, manifestRepo, log),
		CallbackHandler:  handlers.NewCallbackHandler(callbackService),
	}, nil
}
