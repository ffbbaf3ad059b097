package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/stateflow/cmd/runner/driver"
	"github.com/lyzr/stateflow/cmd/runner/executor"
	"github.com/lyzr/stateflow/cmd/runner/segment"
	"github.com/lyzr/stateflow/common/blob"
	"github.com/lyzr/stateflow/common/bootstrap"
	"github.com/lyzr/stateflow/common/condition"
	"github.com/lyzr/stateflow/common/gc"
	"github.com/lyzr/stateflow/common/governance"
	"github.com/lyzr/stateflow/common/models"
	"github.com/lyzr/stateflow/common/partition"
	"github.com/lyzr/stateflow/common/progress"
	"github.com/lyzr/stateflow/common/queue"
	"github.com/lyzr/stateflow/common/repository"
	"github.com/lyzr/stateflow/common/server"
	"github.com/lyzr/stateflow/common/state"
	"github.com/lyzr/stateflow/common/template"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "runner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	workers := envInt("RUNNER_WORKERS", 4)
	log.Info("runner starting",
		"dispatch_key", cfg.Queue.DispatchKey,
		"workers", workers,
		"segment_timeout", cfg.Driver.SegmentTimeout)

	// State kernel over the block store and manifest table
	store := blob.NewRetryingStore(
		blob.NewRedisStore(components.RedisRaw, log),
		cfg.Blob,
		log,
	)
	manifestRepo := repository.NewManifestRepository(components.DB)
	gcQueue := gc.NewQueue(components.Redis, cfg.GC.QueueKey)
	kernel := state.NewKernel(store, manifestRepo, gcQueue, cfg.Kernel, cfg.Blob.Bucket, log)

	executionRepo := repository.NewExecutionRepository(components.DB)
	workflowRepo := repository.NewWorkflowRepository(components.DB)
	tokenRepo := repository.NewTaskTokenRepository(components.DB)
	idempotencyRepo := repository.NewIdempotencyRepository(components.DB)
	trustRepo := repository.NewTrustRepository(components.DB)

	// Node executors share one model gateway client
	evaluator := condition.NewEvaluator()
	renderer := template.NewRenderer()
	modelClient := executor.NewHTTPModelClient(envStr("MODEL_GATEWAY_URL", "http://localhost:8090"), log)

	llm := executor.NewLLMExecutor(modelClient, renderer, log)
	registry := executor.NewRegistry()
	registry.Register(models.NodeTypeOperator, executor.NewOperatorExecutor(renderer, log))
	registry.Register(models.NodeTypeLLM, llm)
	registry.Register(models.NodeTypeAgent, executor.NewAgentExecutor(modelClient, renderer, log))
	registry.Register(models.NodeTypeGovernor, executor.NewGovernorExecutor(evaluator, log))

	ring := governance.NewRing(governance.NewChecker(evaluator), trustRepo, kernel, log)
	dispatch := queue.NewRedisQueue(components.Redis, cfg.Queue.DispatchKey)

	drv := driver.New(driver.Deps{
		Kernel:      kernel,
		Executions:  executionRepo,
		Workflows:   workflowRepo,
		Manifests:   manifestRepo,
		Tokens:      tokenRepo,
		Idempotency: idempotencyRepo,
		Partitioner: partition.NewPartitioner(cfg.Kernel.MaxLoopIterations, workflowRepo.Get),
		Runner:      segment.NewRunner(registry, evaluator, log),
		Ring:        ring,
		Dispatch:    dispatch,
		Publisher:   progress.NewPublisher(components.Redis, log),
		Async:       llm,
	}, cfg.Driver, cfg.Notify, log)

	consumer := driver.NewConsumer(dispatch, drv, workers, log)

	// Health and metrics endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := components.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"unhealthy","service":"runner"}`)
			return
		}
		fmt.Fprintf(w, `{"status":"ok","service":"runner"}`)
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := server.New("runner", cfg.Service.Port, mux, log)
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Error("health server error", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		consumer.Run(ctx)
		close(done)
	}()

	log.Info("runner started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("received shutdown signal", "signal", sig.String())
	cancel()

	// In-flight segments finish at their next boundary check
	<-done
	log.Info("runner stopped")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
