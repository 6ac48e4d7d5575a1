package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/metrics"
	"github.com/incidentd-io/incidentd/internal/storage"
)

// Sender delivers one ticket to one downstream channel. Implementations
// must be safe for concurrent use. The returned ref is channel-specific
// (external ticket id, audit object name) and may be empty.
type Sender interface {
	Channel() incident.Channel
	Send(ctx context.Context, inc *incident.Incident, rawPayload []byte) (ref string, err error)
}

// RefWriter persists channel references back onto the stored ticket.
// Write-back is best-effort; failures are logged, never retried.
type RefWriter interface {
	SetExternalTicketRef(ctx context.Context, id, ref string) error
	SetAuditRef(ctx context.Context, id, ref string) error
}

// AuditRecorder appends delivery outcomes to the incident audit trail.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, entry storage.AuditEntry) error
}

// Dispatcher delivers tickets to all configured channels concurrently.
// Each channel retries independently with exponential backoff; the caller
// is blocked for at most the configured settle wait, after which late
// channels continue in the background.
type Dispatcher struct {
	senders  []Sender
	refs     RefWriter
	recorder AuditRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
	settleWait   time.Duration

	// baseCtx outlives individual webhook requests so background
	// deliveries are not cut short when the caller disconnects. It is
	// cancelled only on shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given senders. refs,
// recorder, and m may be nil; the corresponding side effects are skipped.
func NewDispatcher(cfg *Config, senders []Sender, refs RefWriter, recorder AuditRecorder, m *metrics.Metrics, logger *slog.Logger) (*Dispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("dispatch config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		senders:      senders,
		refs:         refs,
		recorder:     recorder,
		metrics:      m,
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		settleWait:   cfg.SettleWait,
		baseCtx:      baseCtx,
		cancel:       cancel,
	}, nil
}

// Dispatch delivers the ticket to every channel and returns the outcomes
// that settled within the settle wait. Channels still in flight keep
// running; their outcomes are logged and counted when they finish.
// Dispatch never returns an error: a failed channel is an outcome, not a
// failure of the fan-out.
func (d *Dispatcher) Dispatch(inc *incident.Incident, rawPayload []byte) []incident.NotificationRecord {
	results := make(chan incident.NotificationRecord, len(d.senders))

	for _, sender := range d.senders {
		d.wg.Add(1)

		go func(s Sender) {
			defer d.wg.Done()
			results <- d.deliver(s, inc, rawPayload)
		}(sender)
	}

	settled := make([]incident.NotificationRecord, 0, len(d.senders))
	timer := time.NewTimer(d.settleWait)
	defer timer.Stop()

	for len(settled) < len(d.senders) {
		select {
		case record := <-results:
			settled = append(settled, record)
		case <-timer.C:
			d.drainLate(inc.ID, len(d.senders)-len(settled), results)

			return settled
		}
	}

	return settled
}

// Close stops background deliveries and waits for in-flight ones to
// finish or abort.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// deliver runs the bounded retry loop for one channel and records the
// final outcome.
func (d *Dispatcher) deliver(s Sender, inc *incident.Incident, rawPayload []byte) incident.NotificationRecord {
	start := time.Now()
	channel := s.Channel()
	attempts := d.maxRetries + 1
	backoff := d.retryBackoff

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		ref, err := s.Send(d.baseCtx, inc, rawPayload)
		if err == nil {
			d.writeBackRef(channel, inc.ID, ref)

			record := incident.NotificationRecord{
				Channel:    channel,
				IncidentID: inc.ID,
				Outcome:    incident.OutcomeSuccess,
			}

			d.finish(inc, record, time.Since(start))

			return record
		}

		lastErr = err

		d.logger.Warn("channel delivery attempt failed",
			slog.String("channel", string(channel)),
			slog.String("incident_id", inc.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt < attempts {
			select {
			case <-d.baseCtx.Done():
				attempt = attempts
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	record := incident.NotificationRecord{
		Channel:    channel,
		IncidentID: inc.ID,
		Outcome:    incident.OutcomeFailed,
		Detail:     lastErr.Error(),
	}

	d.finish(inc, record, time.Since(start))

	return record
}

// finish applies the metrics and audit side effects of one settled
// delivery.
func (d *Dispatcher) finish(inc *incident.Incident, record incident.NotificationRecord, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveDelivery(string(record.Channel), string(record.Outcome), elapsed)
	}

	if d.recorder == nil {
		return
	}

	action := storage.AuditActionNotificationSent
	if record.Outcome == incident.OutcomeFailed {
		action = storage.AuditActionNotificationFailed
	}

	err := d.recorder.RecordAudit(d.baseCtx, storage.AuditEntry{
		IncidentID:    inc.ID,
		CorrelationID: inc.CorrelationID,
		Action:        action,
		Detail:        fmt.Sprintf("channel=%s %s", record.Channel, record.Detail),
	})
	if err != nil {
		d.logger.Warn("failed to record delivery audit entry",
			slog.String("incident_id", inc.ID),
			slog.String("channel", string(record.Channel)),
			slog.String("error", err.Error()),
		)
	}
}

// writeBackRef persists the channel-assigned reference onto the ticket.
func (d *Dispatcher) writeBackRef(channel incident.Channel, id, ref string) {
	if d.refs == nil || ref == "" {
		return
	}

	var err error

	switch channel {
	case incident.ChannelTicketSystem:
		err = d.refs.SetExternalTicketRef(d.baseCtx, id, ref)
	case incident.ChannelAudit:
		err = d.refs.SetAuditRef(d.baseCtx, id, ref)
	default:
		return
	}

	if err != nil {
		d.logger.Warn("failed to write back channel ref",
			slog.String("channel", string(channel)),
			slog.String("incident_id", id),
			slog.String("ref", ref),
			slog.String("error", err.Error()),
		)
	}
}

// drainLate consumes the outcomes of channels that missed the settle
// wait so their goroutines never block on the results channel.
func (d *Dispatcher) drainLate(incidentID string, remaining int, results <-chan incident.NotificationRecord) {
	d.logger.Warn("fan-out settle wait elapsed with channels still in flight",
		slog.String("incident_id", incidentID),
		slog.Int("remaining", remaining),
	)

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		for i := 0; i < remaining; i++ {
			record := <-results

			d.logger.Info("late channel delivery settled",
				slog.String("channel", string(record.Channel)),
				slog.String("incident_id", record.IncidentID),
				slog.String("outcome", string(record.Outcome)),
			)
		}
	}()
}
