package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/incidentd-io/incidentd/internal/config"
	"github.com/incidentd-io/incidentd/internal/incident"
)

// setupTicketStore starts a PostgreSQL container, runs migrations, and
// returns a persistent ticket store bound to it.
func setupTicketStore(ctx context.Context, t *testing.T) *PersistentTicketStore {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := NewPersistentTicketStore(NewConnectionFromDB(testDB.Connection))
	require.NoError(t, err)

	return store
}

func TestPersistentTicketStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTicketStore(ctx, t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("insert and read back round trip", func(t *testing.T) {
		original := testIncident("PIPE-rt-1", "rt-run-1", now)
		original.RCA.Recommendations = []string{"Align source and sink schemas"}

		stored, inserted, err := store.InsertIfAbsent(ctx, original)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, "PIPE-rt-1", stored.ID)

		fetched, err := store.FindByID(ctx, "PIPE-rt-1")
		require.NoError(t, err)

		assert.Equal(t, original.CorrelationID, fetched.CorrelationID)
		assert.Equal(t, original.ResourceName, fetched.ResourceName)
		assert.Equal(t, original.RawErrorText, fetched.RawErrorText)
		assert.Equal(t, original.Severity, fetched.Severity)
		assert.Equal(t, original.Priority, fetched.Priority)
		assert.Equal(t, original.OwnerTeam, fetched.OwnerTeam)
		assert.Equal(t, original.Attributes, fetched.Attributes)
		assert.Equal(t, original.RCA.RootCause, fetched.RCA.RootCause)
		assert.Equal(t, original.RCA.Recommendations, fetched.RCA.Recommendations)
		assert.Equal(t, incident.StatusOpen, fetched.Status)
		assert.Empty(t, fetched.ExternalTicketRef)
		assert.Nil(t, fetched.AcknowledgedAt)
	})

	t.Run("duplicate correlation id returns existing incident", func(t *testing.T) {
		_, inserted, err := store.InsertIfAbsent(ctx, testIncident("PIPE-dup-1", "dup-run-1", now))
		require.NoError(t, err)
		require.True(t, inserted)

		existing, inserted, err := store.InsertIfAbsent(ctx, testIncident("PIPE-dup-2", "dup-run-1", now))
		require.NoError(t, err)
		assert.False(t, inserted)
		assert.Equal(t, "PIPE-dup-1", existing.ID)

		// Exactly one incident exists for the correlation id.
		incidents, err := store.Query(ctx, IncidentFilter{})
		require.NoError(t, err)

		count := 0
		for _, inc := range incidents {
			if inc.CorrelationID == "dup-run-1" {
				count++
			}
		}

		assert.Equal(t, 1, count)
	})

	t.Run("concurrent deliveries of one correlation id", func(t *testing.T) {
		const deliveries = 20

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			inserted int
			errs     []error
		)

		ids := make(map[string]bool)

		for i := range deliveries {
			wg.Add(1)

			go func(n int) {
				defer wg.Done()

				inc := testIncident(fmt.Sprintf("PIPE-race-%d", n), "race-run-1", now)

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

				ids[stored.ID] = true
			}(i)
		}

		wg.Wait()

		require.Empty(t, errs)
		assert.Equal(t, 1, inserted, "exactly one delivery must own the incident")
		assert.Len(t, ids, 1, "every delivery must see the same incident id")
	})

	t.Run("status transitions and SLA evaluation", func(t *testing.T) {
		_, _, err := store.InsertIfAbsent(ctx, testIncident("PIPE-sla-1", "sla-run-1", now))
		require.NoError(t, err)

		acked, err := store.UpdateStatus(ctx, "PIPE-sla-1", incident.StatusAcknowledged, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, incident.SLAMet, acked.SLAStatus)
		require.NotNil(t, acked.AcknowledgedAt)

		closed, err := store.UpdateStatus(ctx, "PIPE-sla-1", incident.StatusClosed, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, incident.StatusClosed, closed.Status)
		require.NotNil(t, closed.ClosedAt)

		_, err = store.UpdateStatus(ctx, "PIPE-sla-1", incident.StatusOpen, now)
		assert.ErrorIs(t, err, incident.ErrInvalidStatusTransition)
	})

	t.Run("late acknowledgment breaches SLA", func(t *testing.T) {
		_, _, err := store.InsertIfAbsent(ctx, testIncident("PIPE-sla-2", "sla-run-2", now))
		require.NoError(t, err)

		acked, err := store.UpdateStatus(ctx, "PIPE-sla-2", incident.StatusAcknowledged, now.Add(10*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, incident.SLABreached, acked.SLAStatus)
	})

	t.Run("external ticket and audit refs", func(t *testing.T) {
		_, _, err := store.InsertIfAbsent(ctx, testIncident("PIPE-ref-1", "ref-run-1", now))
		require.NoError(t, err)

		require.NoError(t, store.SetExternalTicketRef(ctx, "PIPE-ref-1", "OPS-4412"))
		require.NoError(t, store.SetAuditRef(ctx, "PIPE-ref-1", "2026-03-01/PIPE-ref-1-payload.json"))

		fetched, err := store.FindByID(ctx, "PIPE-ref-1")
		require.NoError(t, err)
		assert.Equal(t, "OPS-4412", fetched.ExternalTicketRef)
		assert.Equal(t, "2026-03-01/PIPE-ref-1-payload.json", fetched.AuditRef)

		assert.ErrorIs(t, store.SetExternalTicketRef(ctx, "PIPE-missing", "x"), ErrIncidentNotFound)
	})

	t.Run("query filters", func(t *testing.T) {
		critical := testIncident("CLS-q-1", "q-run-1", now.Add(time.Minute))
		critical.SourceKind = incident.SourceClusterLifecycle
		critical.Severity = incident.SeverityCritical
		critical.OwnerTeam = "MachineLearning"

		_, _, err := store.InsertIfAbsent(ctx, critical)
		require.NoError(t, err)

		incidents, err := store.Query(ctx, IncidentFilter{Severity: incident.SeverityCritical})
		require.NoError(t, err)
		require.Len(t, incidents, 1)
		assert.Equal(t, "CLS-q-1", incidents[0].ID)

		incidents, err = store.Query(ctx, IncidentFilter{
			SourceKind: incident.SourceClusterLifecycle,
			OwnerTeam:  "MachineLearning",
			Status:     incident.StatusOpen,
		})
		require.NoError(t, err)
		require.Len(t, incidents, 1)

		incidents, err = store.Query(ctx, IncidentFilter{OwnerTeam: "NoSuchTeam"})
		require.NoError(t, err)
		assert.Empty(t, incidents)
	})

	t.Run("summary", func(t *testing.T) {
		summary, err := store.Summarize(ctx, time.Now().UTC())

		require.NoError(t, err)
		assert.Positive(t, summary.Total)
		assert.Positive(t, summary.Acknowledged+summary.Closed+summary.Open)
		assert.Positive(t, summary.AvgAckSeconds)
	})

	t.Run("audit trail round trip", func(t *testing.T) {
		require.NoError(t, store.RecordAudit(ctx, AuditEntry{
			IncidentID:    "PIPE-rt-1",
			CorrelationID: "rt-run-1",
			Action:        AuditActionTicketCreated,
		}))
		require.NoError(t, store.RecordAudit(ctx, AuditEntry{
			IncidentID: "PIPE-rt-1",
			Action:     AuditActionNotificationSent,
			Detail:     "chat",
		}))

		entries, err := store.AuditTrail(ctx, "PIPE-rt-1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, AuditActionTicketCreated, entries[0].Action)
		assert.Equal(t, "rt-run-1", entries[0].CorrelationID)
	})

	t.Run("find by id not found", func(t *testing.T) {
		_, err := store.FindByID(ctx, "PIPE-nope")

		assert.ErrorIs(t, err, ErrIncidentNotFound)
	})

	t.Run("health check", func(t *testing.T) {
		assert.NoError(t, store.HealthCheck(ctx))
	})
}
