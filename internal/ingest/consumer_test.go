package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentd-io/incidentd/internal/extract"
	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProcessor scripts pipeline outcomes per call.
type fakeProcessor struct {
	result *pipeline.Result
	err    error

	calls   int
	sources []incident.SourceKind
}

func (p *fakeProcessor) Process(_ context.Context, source incident.SourceKind, _ []byte) (*pipeline.Result, error) {
	p.calls++
	p.sources = append(p.sources, source)

	if p.err != nil {
		return nil, p.err
	}

	return p.result, nil
}

func testIngestConfig() *Config {
	return &Config{
		Brokers: []string{"localhost:9092"},
		Topic:   defaultTopic,
		GroupID: defaultGroupID,
		MaxWait: defaultMaxWait,
	}
}

func TestMessageSourceKind(t *testing.T) {
	tests := []struct {
		name    string
		headers []kafka.Header
		want    incident.SourceKind
	}{
		{
			name:    "pipeline run header",
			headers: []kafka.Header{{Key: sourceKindHeader, Value: []byte("pipeline-run")}},
			want:    incident.SourcePipelineRun,
		},
		{
			name:    "cluster lifecycle header",
			headers: []kafka.Header{{Key: sourceKindHeader, Value: []byte("cluster-lifecycle")}},
			want:    incident.SourceClusterLifecycle,
		},
		{
			name:    "unknown kind falls back to generic",
			headers: []kafka.Header{{Key: sourceKindHeader, Value: []byte("mystery")}},
			want:    incident.SourceGeneric,
		},
		{
			name:    "no headers falls back to generic",
			headers: nil,
			want:    incident.SourceGeneric,
		},
		{
			name: "unrelated headers are ignored",
			headers: []kafka.Header{
				{Key: "content-type", Value: []byte("application/json")},
				{Key: sourceKindHeader, Value: []byte("job-run")},
			},
			want: incident.SourceJobRun,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := messageSourceKind(kafka.Message{Headers: tt.headers})

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleProcessesMessage(t *testing.T) {
	processor := &fakeProcessor{result: &pipeline.Result{
		Incident: &incident.Incident{ID: "JOB-20260115T093045-a1b2c3"},
	}}

	consumer := &Consumer{processor: processor, logger: testLogger()}

	message := kafka.Message{
		Headers: []kafka.Header{{Key: sourceKindHeader, Value: []byte("job-run")}},
		Value:   []byte(`{"run": {"run_id": 1}}`),
	}

	require.NoError(t, consumer.handle(context.Background(), message))
	assert.Equal(t, []incident.SourceKind{incident.SourceJobRun}, processor.sources)
}

func TestHandleDropsUnparseableMessage(t *testing.T) {
	processor := &fakeProcessor{err: &extract.Error{
		Source: incident.SourceGeneric,
		Err:    extract.ErrUnparseablePayload,
	}}

	consumer := &Consumer{processor: processor, logger: testLogger()}

	// A poison message is handled, not retried.
	assert.NoError(t, consumer.handle(context.Background(), kafka.Message{Value: []byte("not json")}))
}

func TestHandlePropagatesStorageFailure(t *testing.T) {
	storageErr := errors.New("connection refused")
	processor := &fakeProcessor{err: storageErr}

	consumer := &Consumer{processor: processor, logger: testLogger()}

	err := consumer.handle(context.Background(), kafka.Message{Value: []byte(`{}`)})

	assert.ErrorIs(t, err, storageErr)
}

func TestNewConsumerValidation(t *testing.T) {
	processor := &fakeProcessor{}

	_, err := NewConsumer(nil, processor, nil)
	assert.Error(t, err)

	cfg := testIngestConfig()
	cfg.Brokers = nil
	_, err = NewConsumer(cfg, processor, nil)
	assert.Error(t, err)

	_, err = NewConsumer(testIngestConfig(), nil, nil)
	assert.Error(t, err)

	consumer, err := NewConsumer(testIngestConfig(), processor, nil)
	require.NoError(t, err)
	require.NoError(t, consumer.Close())
}

func TestConfigEnabled(t *testing.T) {
	cfg := testIngestConfig()
	assert.True(t, cfg.Enabled())

	cfg.Brokers = nil
	assert.False(t, cfg.Enabled())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty brokers", func(c *Config) { c.Brokers = nil }},
		{"empty topic", func(c *Config) { c.Topic = "" }},
		{"empty group id", func(c *Config) { c.GroupID = "" }},
		{"zero max wait", func(c *Config) { c.MaxWait = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testIngestConfig()
			tt.mutate(cfg)

			assert.Error(t, cfg.Validate())
		})
	}

	require.NoError(t, testIngestConfig().Validate())
}
