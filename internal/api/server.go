// Package api provides the HTTP API server for the incidentd service.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/incidentd-io/incidentd/internal/api/middleware"
	"github.com/incidentd-io/incidentd/internal/broadcast"
	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/metrics"
	"github.com/incidentd-io/incidentd/internal/pipeline"
)

// WebhookProcessor runs one webhook delivery through the ingestion
// pipeline. Satisfied by pipeline.Processor.
type WebhookProcessor interface {
	Process(ctx context.Context, source incident.SourceKind, rawPayload []byte) (*pipeline.Result, error)
}

var _ WebhookProcessor = (*pipeline.Processor)(nil)

// Server represents the HTTP API server.
type Server struct {
	httpServer  *http.Server
	handler     http.Handler
	logger      *slog.Logger
	config      *ServerConfig
	startTime   time.Time
	store       TicketReader
	processor   WebhookProcessor
	hub         *broadcast.Hub
	metrics     *metrics.Metrics
	rateLimiter middleware.RateLimiter
}

// NewServer creates a new HTTP server instance with structured logging
// and the middleware stack.
//
// Dependencies are injected explicitly rather than being part of
// ServerConfig: configuration (what) is separated from dependencies (how).
//
// Parameters:
//   - cfg: Pure server configuration (ports, timeouts, CORS, webhook key)
//   - store: Ticket store for query and lifecycle endpoints
//   - processor: Ingestion pipeline for webhook deliveries
//   - hub: Broadcast hub feeding the event stream endpoint (nil disables streaming)
//   - m: Metrics collectors (nil disables the scrape endpoint and counters)
//   - rateLimiter: Rate limiter implementation (nil disables rate limiting)
func NewServer(
	cfg *ServerConfig,
	store TicketReader,
	processor WebhookProcessor,
	hub *broadcast.Hub,
	m *metrics.Metrics,
	rateLimiter middleware.RateLimiter,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		store:       store,
		processor:   processor,
		hub:         hub,
		metrics:     m,
		rateLimiter: rateLimiter,
	}

	server.setupRoutes(mux)

	if cfg.WebhookKey == "" {
		logger.Warn("Webhook key not configured - webhook authentication disabled")
	}

	if rateLimiter == nil {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. WebhookAuth - shared-key authentication (optional)
	//   4. RateLimit - block requests before expensive operations (optional)
	//   5. RequestLogger - log only legitimate requests (not rate-limited spam)
	//   6. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithWebhookAuth(cfg.WebhookKey, logger),
		middleware.WithRateLimit(rateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.handler = handler
	server.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Handler returns the fully assembled handler, middleware included.
// Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// Record server start time for uptime calculation
	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting incidentd API server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("Received shutdown signal",
			slog.String("signal", sig.String()),
		)

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// Closing the hub disconnects stream subscribers before their
	// handlers are abandoned
	if s.hub != nil {
		s.logger.Info("Closing broadcast hub")
		s.hub.Close()
	}

	// Close rate limiter to stop (InMemoryRateLimiter) background cleanup goroutines
	if s.rateLimiter != nil {
		s.logger.Info("Closing rate limiter")

		if limiter, ok := s.rateLimiter.(io.Closer); ok {
			if err := limiter.Close(); err != nil {
				s.logger.Error("Failed to close rate limiter", slog.String("error", err.Error()))
			}
		} else if limiter, ok := s.rateLimiter.(interface{ Close() }); ok {
			limiter.Close()
		}
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}
