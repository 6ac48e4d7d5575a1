package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentd-io/incidentd/internal/incident"
)

func testIncident(id, correlationID string, createdAt time.Time) *incident.Incident {
	return &incident.Incident{
		ID:            id,
		SourceKind:    incident.SourcePipelineRun,
		CreatedAt:     createdAt,
		ResourceName:  "finance_etl_daily",
		CorrelationID: correlationID,
		RawErrorText:  "TypeConversionFailure at sink",
		Attributes: []incident.Attribute{
			{Name: "PipelineName", Value: "finance_etl_daily"},
		},
		RCA: incident.RCAResult{
			RootCause:  "Sink column type mismatch",
			Severity:   incident.SeverityHigh,
			Confidence: 0.8,
		},
		Severity:     incident.SeverityHigh,
		Priority:     incident.PriorityP2,
		SLADeadline:  createdAt.Add(4 * time.Hour),
		SLAStatus:    incident.SLAPending,
		OwnerTeam:    "Finance",
		OwnerContact: "finance@company.com",
		CostCenter:   "CC-FIN-001",
		Status:       incident.StatusOpen,
	}
}

func TestInMemoryInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTicketStore()
	now := time.Now().UTC()

	t.Run("first insert wins", func(t *testing.T) {
		stored, inserted, err := store.InsertIfAbsent(ctx, testIncident("PIPE-1", "run-1", now))

		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, "PIPE-1", stored.ID)
	})

	t.Run("same correlation id returns existing", func(t *testing.T) {
		stored, inserted, err := store.InsertIfAbsent(ctx, testIncident("PIPE-2", "run-1", now))

		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "PIPE-1", stored.ID, "existing incident id must be returned")
	})

	t.Run("nil incident rejected", func(t *testing.T) {
		_, _, err := store.InsertIfAbsent(ctx, nil)

		assert.ErrorIs(t, err, ErrNilIncident)
	})
}

func TestInMemoryInsertIfAbsentConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTicketStore()
	now := time.Now().UTC()

	const deliveries = 50

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		errs     []error
	)

	returned := make(map[string]bool)

	for range deliveries {
		wg.Add(1)

		go func() {
			defer wg.Done()

			inc := testIncident(incident.NewID(incident.SourcePipelineRun, now), "run-contended", now)

			stored, wasInserted, err := store.InsertIfAbsent(ctx, inc)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				errs = append(errs, err)

				return
			}

			if wasInserted {
				inserted++
			}

			returned[stored.ID] = true
		}()
	}

	wg.Wait()

	require.Empty(t, errs)

	// Exactly one delivery owns the incident; every delivery saw the same id.
	assert.Equal(t, 1, inserted)
	assert.Len(t, returned, 1)
}

func TestInMemoryUpdateStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("acknowledge before deadline fixes SLA as met", func(t *testing.T) {
		store := NewInMemoryTicketStore()
		_, _, err := store.InsertIfAbsent(ctx, testIncident("PIPE-1", "run-1", now))
		require.NoError(t, err)

		updated, err := store.UpdateStatus(ctx, "PIPE-1", incident.StatusAcknowledged, now.Add(time.Hour))

		require.NoError(t, err)
		assert.Equal(t, incident.StatusAcknowledged, updated.Status)
		assert.Equal(t, incident.SLAMet, updated.SLAStatus)
		require.NotNil(t, updated.AcknowledgedAt)
	})

	t.Run("acknowledge after deadline fixes SLA as breached", func(t *testing.T) {
		store := NewInMemoryTicketStore()
		_, _, err := store.InsertIfAbsent(ctx, testIncident("PIPE-1", "run-1", now))
		require.NoError(t, err)

		updated, err := store.UpdateStatus(ctx, "PIPE-1", incident.StatusAcknowledged, now.Add(5*time.Hour))

		require.NoError(t, err)
		assert.Equal(t, incident.SLABreached, updated.SLAStatus)
	})

	t.Run("close directly from open", func(t *testing.T) {
		store := NewInMemoryTicketStore()
		_, _, err := store.InsertIfAbsent(ctx, testIncident("PIPE-1", "run-1", now))
		require.NoError(t, err)

		updated, err := store.UpdateStatus(ctx, "PIPE-1", incident.StatusClosed, now.Add(time.Hour))

		require.NoError(t, err)
		assert.Equal(t, incident.StatusClosed, updated.Status)
		assert.Equal(t, incident.SLAMet, updated.SLAStatus)
		require.NotNil(t, updated.ClosedAt)
	})

	t.Run("closing an acknowledged incident keeps its SLA outcome", func(t *testing.T) {
		store := NewInMemoryTicketStore()
		_, _, err := store.InsertIfAbsent(ctx, testIncident("PIPE-1", "run-1", now))
		require.NoError(t, err)

		_, err = store.UpdateStatus(ctx, "PIPE-1", incident.StatusAcknowledged, now.Add(time.Hour))
		require.NoError(t, err)

		// Close long after the deadline: the outcome was fixed at ack time.
		updated, err := store.UpdateStatus(ctx, "PIPE-1", incident.StatusClosed, now.Add(48*time.Hour))

		require.NoError(t, err)
		assert.Equal(t, incident.SLAMet, updated.SLAStatus)
	})

	t.Run("invalid transition rejected", func(t *testing.T) {
		store := NewInMemoryTicketStore()
		_, _, err := store.InsertIfAbsent(ctx, testIncident("PIPE-1", "run-1", now))
		require.NoError(t, err)

		_, err = store.UpdateStatus(ctx, "PIPE-1", incident.StatusClosed, now)
		require.NoError(t, err)

		_, err = store.UpdateStatus(ctx, "PIPE-1", incident.StatusOpen, now)

		assert.ErrorIs(t, err, incident.ErrInvalidStatusTransition)
	})

	t.Run("unknown incident", func(t *testing.T) {
		store := NewInMemoryTicketStore()

		_, err := store.UpdateStatus(ctx, "PIPE-missing", incident.StatusAcknowledged, now)

		assert.ErrorIs(t, err, ErrIncidentNotFound)
	})
}

func TestInMemoryQuery(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTicketStore()
	base := time.Now().UTC()

	first := testIncident("PIPE-1", "run-1", base)
	second := testIncident("JOB-1", "run-2", base.Add(time.Minute))
	second.SourceKind = incident.SourceJobRun
	second.Severity = incident.SeverityCritical
	second.OwnerTeam = "DataEngineering"
	third := testIncident("PIPE-2", "run-3", base.Add(2*time.Minute))

	for _, inc := range []*incident.Incident{first, second, third} {
		_, _, err := store.InsertIfAbsent(ctx, inc)
		require.NoError(t, err)
	}

	_, err := store.UpdateStatus(ctx, "PIPE-2", incident.StatusClosed, base.Add(time.Hour))
	require.NoError(t, err)

	t.Run("no filter returns newest first", func(t *testing.T) {
		incidents, err := store.Query(ctx, IncidentFilter{})

		require.NoError(t, err)
		require.Len(t, incidents, 3)
		assert.Equal(t, "PIPE-2", incidents[0].ID)
		assert.Equal(t, "JOB-1", incidents[1].ID)
		assert.Equal(t, "PIPE-1", incidents[2].ID)
	})

	t.Run("filter by severity", func(t *testing.T) {
		incidents, err := store.Query(ctx, IncidentFilter{Severity: incident.SeverityCritical})

		require.NoError(t, err)
		require.Len(t, incidents, 1)
		assert.Equal(t, "JOB-1", incidents[0].ID)
	})

	t.Run("filter by status and team", func(t *testing.T) {
		incidents, err := store.Query(ctx, IncidentFilter{
			Status:    incident.StatusOpen,
			OwnerTeam: "Finance",
		})

		require.NoError(t, err)
		require.Len(t, incidents, 1)
		assert.Equal(t, "PIPE-1", incidents[0].ID)
	})

	t.Run("limit and offset", func(t *testing.T) {
		incidents, err := store.Query(ctx, IncidentFilter{Limit: 1, Offset: 1})

		require.NoError(t, err)
		require.Len(t, incidents, 1)
		assert.Equal(t, "JOB-1", incidents[0].ID)
	})

	t.Run("offset past the end", func(t *testing.T) {
		incidents, err := store.Query(ctx, IncidentFilter{Offset: 10})

		require.NoError(t, err)
		assert.Empty(t, incidents)
	})
}

func TestInMemorySummarize(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTicketStore()
	base := time.Now().UTC().Add(-10 * time.Hour)

	open := testIncident("PIPE-1", "run-1", base)   // deadline long past, still open
	acked := testIncident("PIPE-2", "run-2", base)  // acked in time
	closed := testIncident("PIPE-3", "run-3", base) // closed late

	for _, inc := range []*incident.Incident{open, acked, closed} {
		_, _, err := store.InsertIfAbsent(ctx, inc)
		require.NoError(t, err)
	}

	_, err := store.UpdateStatus(ctx, "PIPE-2", incident.StatusAcknowledged, base.Add(time.Hour))
	require.NoError(t, err)

	_, err = store.UpdateStatus(ctx, "PIPE-3", incident.StatusClosed, base.Add(8*time.Hour))
	require.NoError(t, err)

	summary, err := store.Summarize(ctx, time.Now().UTC())

	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 1, summary.Open)
	assert.Equal(t, 1, summary.Acknowledged)
	assert.Equal(t, 1, summary.Closed)
	// Breached: the still-open incident past its deadline plus the late close.
	assert.Equal(t, 2, summary.Breached)
	assert.InDelta(t, 3600, summary.AvgAckSeconds, 1)
	assert.InDelta(t, 8*3600, summary.AvgResolveSeconds, 1)
}

func TestInMemoryAuditTrail(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTicketStore()

	require.NoError(t, store.RecordAudit(ctx, AuditEntry{
		IncidentID:    "PIPE-1",
		CorrelationID: "run-1",
		Action:        AuditActionTicketCreated,
		CreatedAt:     time.Now(),
	}))
	require.NoError(t, store.RecordAudit(ctx, AuditEntry{
		IncidentID: "PIPE-1",
		Action:     AuditActionNotificationSent,
		Detail:     "chat",
		CreatedAt:  time.Now(),
	}))
	require.NoError(t, store.RecordAudit(ctx, AuditEntry{
		IncidentID: "PIPE-other",
		Action:     AuditActionTicketCreated,
		CreatedAt:  time.Now(),
	}))

	entries, err := store.AuditTrail(ctx, "PIPE-1")

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, AuditActionTicketCreated, entries[0].Action)
	assert.Equal(t, AuditActionNotificationSent, entries[1].Action)
}

func TestInMemoryCloneIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryTicketStore()
	now := time.Now().UTC()

	original := testIncident("PIPE-1", "run-1", now)
	_, _, err := store.InsertIfAbsent(ctx, original)
	require.NoError(t, err)

	// Mutating the returned incident must not leak into the store.
	fetched, err := store.FindByID(ctx, "PIPE-1")
	require.NoError(t, err)

	fetched.Status = incident.StatusClosed
	fetched.Attributes[0].Value = "tampered"

	fresh, err := store.FindByID(ctx, "PIPE-1")
	require.NoError(t, err)
	assert.Equal(t, incident.StatusOpen, fresh.Status)
	assert.Equal(t, "finance_etl_daily", fresh.Attributes[0].Value)
}
