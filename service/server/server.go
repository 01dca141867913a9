// Package server exposes the payflow core over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/metrics"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/brojonat/payflow/service/requests"
	"github.com/brojonat/payflow/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the server's dependencies. Outbox and Requests are required.
type Config struct {
	Addr       string
	Outbox     *outbox.Outbox
	Requests   *requests.Ledger
	Swaps      *SwapRegistry         // optional: swap routes are disabled when nil
	Congestion fees.CongestionSource // optional: recommendations fall back to unknown
	Scheduler  temporal.Scheduler    // optional: schedule routes are disabled when nil
	Bus        *events.Bus           // optional: SSE is disabled when nil
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Server represents the HTTP server for the payflow service.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// New creates a new HTTP server with the given dependencies.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Handler builds the routed handler. It is separate from Start so tests can drive it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.cfg.Metrics, pattern)(h))
	}
	logger := s.logger

	// Fee routes
	route("GET /api/v1/fees", handleListFees())
	route("GET /api/v1/fees/recommendation", handleFeeRecommendation(s.cfg.Congestion, s.cfg.Clock, logger))

	// Split routes
	route("POST /api/v1/splits", handleCalculateSplit(logger))
	route("POST /api/v1/splits/submit", handleSubmitSplit(s.cfg.Outbox, logger))

	// Outbox routes
	route("POST /api/v1/outbox", handleCreateOutboxEntry(s.cfg.Outbox, logger))
	route("GET /api/v1/outbox", handleListOutboxEntries(s.cfg.Outbox, logger))
	route("GET /api/v1/outbox/{id}", handleGetOutboxEntry(s.cfg.Outbox, logger))
	route("POST /api/v1/outbox/{id}/attempt", handleAttemptOutboxEntry(s.cfg.Outbox, logger))
	route("DELETE /api/v1/outbox/{id}", handleRemoveOutboxEntry(s.cfg.Outbox, logger))
	route("POST /api/v1/outbox/sweep", handleSweepOutbox(s.cfg.Outbox, logger))

	// Payment request routes
	route("POST /api/v1/requests", handleCreateRequest(s.cfg.Requests, logger))
	route("GET /api/v1/requests", handleListRequests(s.cfg.Requests, logger))
	route("GET /api/v1/requests/{id}", handleGetRequest(s.cfg.Requests, logger))
	route("POST /api/v1/requests/{id}/accept", handleAcceptRequest(s.cfg.Requests, logger))
	route("POST /api/v1/requests/{id}/decline", handleDeclineRequest(s.cfg.Requests, logger))

	// Swap routes (if a quote source is configured)
	if s.cfg.Swaps != nil {
		route("POST /api/v1/swaps", handleCreateSwap(s.cfg.Swaps, logger))
		route("GET /api/v1/swaps/{id}", handleGetSwap(s.cfg.Swaps, logger))
		route("PUT /api/v1/swaps/{id}/input", handleSetSwapInput(s.cfg.Swaps, logger))
		route("POST /api/v1/swaps/{id}/confirm", handleSwapAction(s.cfg.Swaps, swapConfirm, logger))
		route("POST /api/v1/swaps/{id}/retry", handleSwapAction(s.cfg.Swaps, swapRetry, logger))
		route("POST /api/v1/swaps/{id}/dismiss", handleSwapAction(s.cfg.Swaps, swapDismiss, logger))
		route("DELETE /api/v1/swaps/{id}", handleDeleteSwap(s.cfg.Swaps, logger))
	} else {
		logger.Warn("quote source not configured, swap endpoints disabled")
	}

	// Recurring send schedules (if Temporal is configured)
	if s.cfg.Scheduler != nil {
		route("POST /api/v1/schedules", handleCreateSchedule(s.cfg.Scheduler, logger))
		route("DELETE /api/v1/schedules/{id}", handleDeleteSchedule(s.cfg.Scheduler, logger))
	}

	// SSE streaming endpoint (if an event bus is configured)
	if s.cfg.Bus != nil {
		mux.Handle("GET /api/v1/stream/events", handleStreamEvents(s.cfg.Bus, s.cfg.Metrics, logger))
	} else {
		logger.Warn("event bus not configured, streaming endpoint disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.cfg.Outbox == nil || s.cfg.Requests == nil {
		return fmt.Errorf("server: outbox and requests are required")
	}

	s.server = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: SSE responses stay open
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Stop quote refresh loops first
	if s.cfg.Swaps != nil {
		s.cfg.Swaps.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
