// Package main provides the incidentd failure-ticketing service.
//
// incidentd receives failure events over webhooks (and optionally Kafka),
// deduplicates them into incident tickets, enriches them with root-cause
// analysis, classifies severity and ownership, and fans notifications out to
// the configured channels.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/incidentd-io/incidentd/internal/api"
	"github.com/incidentd-io/incidentd/internal/api/middleware"
	"github.com/incidentd-io/incidentd/internal/broadcast"
	"github.com/incidentd-io/incidentd/internal/classify"
	"github.com/incidentd-io/incidentd/internal/dispatch"
	"github.com/incidentd-io/incidentd/internal/ingest"
	"github.com/incidentd-io/incidentd/internal/metrics"
	"github.com/incidentd-io/incidentd/internal/pipeline"
	"github.com/incidentd-io/incidentd/internal/rca"
	"github.com/incidentd-io/incidentd/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "incidentd"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting incidentd service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	if serverConfig.WebhookKey == "" {
		logger.Warn("Webhook authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set INCIDENTD_WEBHOOK_KEY to require an API key on webhook and query endpoints"),
		)
	}

	middlewareConfig := middleware.LoadConfig()

	// Graceful shutdown of the rate limiter is handled by server.shutdown()
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("source_rps", middlewareConfig.SourceRPS),
		slog.Int("query_rps", middlewareConfig.QueryRPS),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	ticketStore, err := storage.NewPersistentTicketStore(dbConn)
	if err != nil {
		logger.Error("Failed to initialize ticket store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	logger.Info("Ticket store initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	rcaConfig := rca.LoadConfig()
	if err := rcaConfig.Validate(); err != nil {
		logger.Error("Invalid analysis configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	analyzer := rca.NewClient(rcaConfig, logger)

	if rcaConfig.Endpoint == "" {
		logger.Warn("Analysis endpoint not configured, tickets will carry the degraded placeholder result")
	}

	routingConfig, err := classify.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load routing configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engine := classify.NewEngine(routingConfig)

	m := metrics.New()
	m.MustRegister()

	hub := broadcast.NewHub(logger)

	dispatchConfig := dispatch.LoadConfig()
	if err := dispatchConfig.Validate(); err != nil {
		logger.Error("Invalid dispatch configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	senders := dispatch.NewSenders(dispatchConfig, hub, m)

	dispatcher, err := dispatch.NewDispatcher(dispatchConfig, senders, ticketStore, ticketStore, m, logger)
	if err != nil {
		logger.Error("Failed to initialize dispatcher", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Notification dispatcher initialized",
		slog.Int("channels", len(senders)),
		slog.Int("max_retries", dispatchConfig.MaxRetries),
		slog.Duration("settle_wait", dispatchConfig.SettleWait),
	)

	processor, err := pipeline.NewProcessor(ticketStore, analyzer, engine, dispatcher, m, logger)
	if err != nil {
		logger.Error("Failed to initialize pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ingestConfig := ingest.LoadConfig()
	if ingestConfig.Enabled() {
		consumer, err := ingest.NewConsumer(ingestConfig, processor, logger)
		if err != nil {
			logger.Error("Failed to initialize Kafka consumer", slog.String("error", err.Error()))
			os.Exit(1)
		}

		consumerCtx, stopConsumer := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stopConsumer()

		go func() {
			if err := consumer.Run(consumerCtx); err != nil {
				logger.Error("Kafka consumer stopped", slog.String("error", err.Error()))
			}
		}()

		defer func() {
			_ = consumer.Close()
		}()

		logger.Info("Kafka consumer started",
			slog.Any("brokers", ingestConfig.Brokers),
			slog.String("topic", ingestConfig.Topic),
			slog.String("group_id", ingestConfig.GroupID),
		)
	}

	server := api.NewServer(serverConfig, ticketStore, processor, hub, m, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// Let in-flight notification deliveries settle before exiting
	dispatcher.Close()

	logger.Info("incidentd service stopped")
}
