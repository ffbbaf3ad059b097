package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/stateflow/common/bootstrap"
	"github.com/lyzr/stateflow/common/server"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from app origins the service does not know about;
	// the owner scoping happens per connection, not per origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "fanout", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	hub := NewHub(log)
	go hub.Run()

	subscriber := NewSubscriber(components.RedisRaw, hub, log)
	errChan := make(chan error, 1)
	go func() {
		if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("progress subscriber: %w", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		// The gateway terminates auth and forwards the owner identity
		ownerID := r.Header.Get("X-Owner-ID")
		if ownerID == "" {
			ownerID = r.URL.Query().Get("owner_id")
		}
		if ownerID == "" {
			http.Error(w, "owner_id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "error", err)
			return
		}

		client := NewClient(hub, conn, ownerID)
		hub.register <- client
		go client.writePump()
		go client.readPump()
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"fanout","connections":%d}`, hub.ConnectionCount())
	})
	mux.Handle("/metrics", promhttp.Handler())

	// WebSocket connections are long-lived; read/write deadlines are
	// managed per frame in the pumps
	srv := server.New("fanout", cfg.Service.Port, mux, log, server.WithoutIOTimeouts())
	go func() {
		if err := srv.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Error("fanout failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}
}
