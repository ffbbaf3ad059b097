package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/stateflow/common/blob"
	"github.com/lyzr/stateflow/common/bootstrap"
	"github.com/lyzr/stateflow/common/gc"
	"github.com/lyzr/stateflow/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "gc-worker", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger
	log.Info("gc-worker starting", "queue_key", cfg.GC.QueueKey, "batch_size", cfg.GC.BatchSize)

	store := blob.NewRetryingStore(
		blob.NewRedisStore(components.RedisRaw, log),
		cfg.Blob,
		log,
	)
	queue := gc.NewQueue(components.Redis, cfg.GC.QueueKey)
	worker := gc.NewWorker(queue, store, cfg.GC.BatchSize, 2*time.Second, log)

	// Health and metrics endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthHandler("gc-worker"))
	mux.Handle("/metrics", promhttp.Handler())
	srv := server.New("gc-worker", cfg.Service.Port, mux, log)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errChan <- err
		}
	}()
	go func() {
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("gc worker error: %w", err)
		}
	}()

	log.Info("gc-worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Error("worker failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}
}
