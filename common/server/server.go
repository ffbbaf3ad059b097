package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lyzr/stateflow/common/logger"
)

// Server wraps an HTTP listener with context-driven graceful shutdown.
// Service binaries own their signal handling and run loops; the server
// only needs a context to know when to drain.
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string
	drain      time.Duration
}

// Option customizes a server
type Option func(*Server)

// WithDrainTimeout overrides how long outstanding requests get on shutdown
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) { s.drain = d }
}

// WithoutIOTimeouts removes the per-request read and write deadlines.
// Long-lived connections such as WebSockets manage deadlines per frame.
func WithoutIOTimeouts() Option {
	return func(s *Server) {
		s.httpServer.ReadTimeout = 0
		s.httpServer.WriteTimeout = 0
	}
}

// New creates a server for a service binary
func New(name string, port int, handler http.Handler, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:   log,
		name:  name,
		drain: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until the context is cancelled, then drains outstanding
// requests. It returns nil on a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	serverErrors := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "service", s.name, "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s server: %w", s.name, err)
		}
		return nil

	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drain)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("graceful shutdown incomplete", "service", s.name, "error", err)
		return s.httpServer.Close()
	}
	s.log.Info("server stopped", "service", s.name)
	return nil
}

// HealthHandler reports the service as up
func HealthHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q}`, service)
	}
}
