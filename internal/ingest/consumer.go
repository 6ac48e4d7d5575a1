package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/incidentd-io/incidentd/internal/extract"
	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/pipeline"
)

// sourceKindHeader names the message header carrying the extraction
// variant. Messages without it fall back to the generic adapter.
const sourceKindHeader = "source-kind"

// persistRetryDelay paces retries when the store rejects a message, so a
// database outage does not spin the consumer.
const persistRetryDelay = 2 * time.Second

// Processor is the slice of the pipeline the consumer needs.
type Processor interface {
	Process(ctx context.Context, source incident.SourceKind, rawPayload []byte) (*pipeline.Result, error)
}

var _ Processor = (*pipeline.Processor)(nil)

// Consumer reads failure events from Kafka and runs each through the
// ingestion pipeline. Offsets are committed only after the event has
// either produced a ticket, matched an existing one, or been rejected as
// unparseable; storage failures leave the offset uncommitted so the
// event is retried.
type Consumer struct {
	reader    *kafka.Reader
	processor Processor
	logger    *slog.Logger
}

// NewConsumer creates a consumer over the configured topic.
func NewConsumer(cfg *Config, processor Processor, logger *slog.Logger) (*Consumer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ingest config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingest config: %w", err)
	}

	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
		MaxWait:  cfg.MaxWait,
	})

	return &Consumer{
		reader:    reader,
		processor: processor,
		logger:    logger,
	}, nil
}

// Run consumes until ctx is cancelled. It returns nil on clean shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started",
		slog.String("topic", c.reader.Config().Topic),
		slog.String("group_id", c.reader.Config().GroupID),
	)

	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.handle(ctx, message); err != nil {
			// Storage is down or overloaded. Leave the offset alone and
			// retry the same message after a pause.
			c.logger.Error("failed to process message, will retry",
				slog.String("topic", message.Topic),
				slog.Int64("offset", message.Offset),
				slog.String("error", err.Error()),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(persistRetryDelay):
			}

			continue
		}

		if err := c.reader.CommitMessages(ctx, message); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// handle runs one message through the pipeline. Unparseable payloads are
// logged and treated as handled; they would fail identically on every
// retry.
func (c *Consumer) handle(ctx context.Context, message kafka.Message) error {
	source := messageSourceKind(message)

	result, err := c.processor.Process(ctx, source, message.Value)
	if err != nil {
		var extractErr *extract.Error
		if errors.As(err, &extractErr) {
			c.logger.Warn("dropping unparseable message",
				slog.String("topic", message.Topic),
				slog.Int64("offset", message.Offset),
				slog.String("source", string(source)),
				slog.String("error", err.Error()),
			)

			return nil
		}

		return err
	}

	c.logger.Debug("message processed",
		slog.String("incident_id", result.Incident.ID),
		slog.Bool("duplicate", result.Duplicate),
	)

	return nil
}

// messageSourceKind resolves the extraction variant from the message
// headers.
func messageSourceKind(message kafka.Message) incident.SourceKind {
	for _, header := range message.Headers {
		if header.Key != sourceKindHeader {
			continue
		}

		switch kind := incident.SourceKind(header.Value); kind {
		case incident.SourcePipelineRun, incident.SourceJobRun, incident.SourceClusterLifecycle, incident.SourceGeneric:
			return kind
		}
	}

	return incident.SourceGeneric
}
