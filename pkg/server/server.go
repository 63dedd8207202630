// Package server exposes the budget engine over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pario-ai/budgetd/pkg/budget"
)

// Pinger reports storage reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components served by a Server.
type Deps struct {
	Gate     *budget.Gate
	Recorder *budget.Recorder
	Override *budget.Override
	Health   Pinger
	// Gatherer backs /metrics. The route is not registered when nil.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the budgetd HTTP API.
type Server struct {
	listen  string
	deps    Deps
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// New creates a Server listening on listen.
func New(listen string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		listen: listen,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/metered/check", s.handleCheck)
	s.mux.HandleFunc("POST /v1/metered/cost", s.handleCost)
	s.mux.HandleFunc("POST /v1/admin", s.handleAdmin)
	s.mux.HandleFunc("GET /v1/budget/{account_id}", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if deps.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}
	s.handler = s.withRequestID(s.withLogging(s.withRecovery(s.mux)))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("budgetd listening", "addr", s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
