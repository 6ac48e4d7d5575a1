// Package pipeline orchestrates one webhook delivery end to end:
// extraction, dedup, enrichment, classification, durable ticket creation,
// and fan-out. The ticket store is the single point of dedup truth;
// everything before the insert is allowed to run redundantly under
// concurrent retries, and everything after it runs at most once per
// unique correlation id.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/incidentd-io/incidentd/internal/classify"
	"github.com/incidentd-io/incidentd/internal/extract"
	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/metrics"
	"github.com/incidentd-io/incidentd/internal/storage"
)

// TicketStore is the slice of ticket storage the processor depends on.
type TicketStore interface {
	InsertIfAbsent(ctx context.Context, inc *incident.Incident) (*incident.Incident, bool, error)
	FindByCorrelationID(ctx context.Context, correlationID string) (*incident.Incident, error)
	RecordAudit(ctx context.Context, entry storage.AuditEntry) error
}

// Both store implementations satisfy the processor's needs.
var (
	_ TicketStore = (*storage.PersistentTicketStore)(nil)
	_ TicketStore = (*storage.InMemoryTicketStore)(nil)
)

// Analyzer produces a root-cause analysis result for raw error text.
// Implementations never fail; they degrade to a placeholder result.
type Analyzer interface {
	Analyze(ctx context.Context, rawErrorText string) incident.RCAResult
}

// Dispatcher fans a created ticket out to the delivery channels.
type Dispatcher interface {
	Dispatch(inc *incident.Incident, rawPayload []byte) []incident.NotificationRecord
}

// Result is the outcome of processing one webhook delivery.
type Result struct {
	// Incident is the stored ticket: freshly created, or the existing one
	// when the delivery was a duplicate.
	Incident *incident.Incident

	// Duplicate is set when an incident for this correlation id already
	// existed. No enrichment side effects happened in that case beyond
	// the audit trail entry.
	Duplicate bool

	// Records are the fan-out outcomes that settled within the dispatch
	// wait. Empty for duplicates.
	Records []incident.NotificationRecord
}

// Processor runs the ingestion pipeline. Safe for concurrent use.
type Processor struct {
	store      TicketStore
	analyzer   Analyzer
	engine     *classify.Engine
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewProcessor wires the pipeline stages together. dispatcher and m may
// be nil; fan-out and instrumentation are skipped respectively.
func NewProcessor(store TicketStore, analyzer Analyzer, engine *classify.Engine, dispatcher Dispatcher, m *metrics.Metrics, logger *slog.Logger) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("ticket store cannot be nil")
	}

	if analyzer == nil {
		return nil, fmt.Errorf("analyzer cannot be nil")
	}

	if engine == nil {
		engine = classify.NewEngine(nil)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		store:      store,
		analyzer:   analyzer,
		engine:     engine,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// Process handles one webhook delivery. Extraction failures and storage
// failures are returned as errors; analysis failure and channel delivery
// failure are not errors, they degrade. Re-delivery of a known
// correlation id returns the existing ticket with Duplicate set.
func (p *Processor) Process(ctx context.Context, source incident.SourceKind, rawPayload []byte) (*Result, error) {
	draft, err := extract.Extract(source, rawPayload)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ExtractionFailures.WithLabelValues(string(source)).Inc()
		}

		return nil, err
	}

	// Cheap dedup fast path: a typical webhook retry hits an incident
	// that already exists, so skip enrichment entirely. The insert below
	// stays authoritative for concurrent first deliveries.
	existing, err := p.store.FindByCorrelationID(ctx, draft.CorrelationID)
	if err == nil {
		return p.duplicate(ctx, existing), nil
	}

	if !errors.Is(err, storage.ErrIncidentNotFound) {
		return nil, fmt.Errorf("dedup lookup failed: %w", err)
	}

	rcaResult := p.analyzer.Analyze(ctx, draft.RawErrorText)
	if rcaResult.Degraded && p.metrics != nil {
		p.metrics.EnrichmentDegraded.Inc()
	}

	now := p.now()
	classification := p.engine.Classify(draft, rcaResult, now)

	candidate := &incident.Incident{
		ID:            incident.NewID(draft.SourceKind, now),
		SourceKind:    draft.SourceKind,
		CreatedAt:     now,
		ResourceName:  draft.ResourceName,
		CorrelationID: draft.CorrelationID,
		RawErrorText:  draft.RawErrorText,
		Attributes:    draft.Attributes,
		RCA:           rcaResult,
		Severity:      classification.Severity,
		Priority:      classification.Priority,
		SLADeadline:   classification.SLADeadline,
		SLAStatus:     incident.SLAPending,
		OwnerTeam:     classification.OwnerTeam,
		OwnerContact:  classification.OwnerContact,
		CostCenter:    classification.CostCenter,
		Status:        incident.StatusOpen,
	}

	stored, inserted, err := p.store.InsertIfAbsent(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("persist ticket: %w", err)
	}

	if !inserted {
		// Lost the race against a concurrent delivery of the same
		// failure. The winner's ticket is the ticket.
		return p.duplicate(ctx, stored), nil
	}

	p.recordAudit(ctx, stored, storage.AuditActionTicketCreated,
		fmt.Sprintf("severity=%s priority=%s owner=%s", stored.Severity, stored.Priority, stored.OwnerTeam))

	if p.metrics != nil {
		p.metrics.IncidentsCreated.WithLabelValues(string(stored.SourceKind), string(stored.Severity)).Inc()
	}

	p.logger.Info("ticket created",
		slog.String("incident_id", stored.ID),
		slog.String("correlation_id", stored.CorrelationID),
		slog.String("source", string(stored.SourceKind)),
		slog.String("severity", string(stored.Severity)),
		slog.String("priority", string(stored.Priority)),
		slog.String("owner_team", stored.OwnerTeam),
		slog.Bool("analysis_degraded", stored.RCA.Degraded),
	)

	var records []incident.NotificationRecord
	if p.dispatcher != nil {
		records = p.dispatcher.Dispatch(stored, rawPayload)
	}

	return &Result{Incident: stored, Records: records}, nil
}

// duplicate builds the re-delivery result and leaves an audit trace.
func (p *Processor) duplicate(ctx context.Context, existing *incident.Incident) *Result {
	p.recordAudit(ctx, existing, storage.AuditActionDuplicateDelivery, "webhook re-delivery acknowledged")

	if p.metrics != nil {
		p.metrics.DuplicateDeliveries.WithLabelValues(string(existing.SourceKind)).Inc()
	}

	p.logger.Info("duplicate delivery acknowledged",
		slog.String("incident_id", existing.ID),
		slog.String("correlation_id", existing.CorrelationID),
	)

	return &Result{Incident: existing, Duplicate: true}
}

// recordAudit appends a trail entry best-effort; the pipeline outcome
// never depends on it.
func (p *Processor) recordAudit(ctx context.Context, inc *incident.Incident, action, detail string) {
	err := p.store.RecordAudit(ctx, storage.AuditEntry{
		IncidentID:    inc.ID,
		CorrelationID: inc.CorrelationID,
		Action:        action,
		Detail:        detail,
	})
	if err != nil {
		p.logger.Warn("failed to record audit entry",
			slog.String("incident_id", inc.ID),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}
