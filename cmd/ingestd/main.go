// Package main provides the standalone Kafka ingestion worker.
//
// ingestd runs the same ticketing pipeline as the API server but consumes
// failure events exclusively from Kafka. Deploy it alongside incidentd to
// scale stream consumption independently of the webhook surface; dedup
// through the shared database keeps the two from double-ticketing.
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
	name    = "ingestd"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("Starting ingestion worker",
		slog.String("service", name),
		slog.String("version", version),
	)

	ingestConfig := ingest.LoadConfig()
	if !ingestConfig.Enabled() {
		logger.Error("No Kafka brokers configured",
			slog.String("note", "Set INCIDENTD_KAFKA_BROKERS to a comma-separated broker list"),
		)
		os.Exit(1)
	}

	if err := ingestConfig.Validate(); err != nil {
		logger.Error("Invalid Kafka configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

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

	rcaConfig := rca.LoadConfig()
	if err := rcaConfig.Validate(); err != nil {
		logger.Error("Invalid analysis configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	routingConfig, err := classify.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load routing configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()
	m.MustRegister()

	dispatchConfig := dispatch.LoadConfig()
	if err := dispatchConfig.Validate(); err != nil {
		logger.Error("Invalid dispatch configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// No hub here: dashboard streaming stays on the API server
	senders := dispatch.NewSenders(dispatchConfig, nil, m)

	dispatcher, err := dispatch.NewDispatcher(dispatchConfig, senders, ticketStore, ticketStore, m, logger)
	if err != nil {
		logger.Error("Failed to initialize dispatcher", slog.String("error", err.Error()))
		os.Exit(1)
	}

	processor, err := pipeline.NewProcessor(ticketStore, rca.NewClient(rcaConfig, logger), classify.NewEngine(routingConfig), dispatcher, m, logger)
	if err != nil {
		logger.Error("Failed to initialize pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	consumer, err := ingest.NewConsumer(ingestConfig, processor, logger)
	if err != nil {
		logger.Error("Failed to initialize Kafka consumer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Consuming failure events",
		slog.Any("brokers", ingestConfig.Brokers),
		slog.String("topic", ingestConfig.Topic),
		slog.String("group_id", ingestConfig.GroupID),
	)

	if err := consumer.Run(ctx); err != nil {
		logger.Error("Kafka consumer stopped", slog.String("error", err.Error()))
	}

	if err := consumer.Close(); err != nil {
		logger.Error("Failed to close Kafka consumer", slog.String("error", err.Error()))
	}

	dispatcher.Close()

	logger.Info("Ingestion worker stopped")
}
