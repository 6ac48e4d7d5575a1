package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentd-io/incidentd/internal/classify"
	"github.com/incidentd-io/incidentd/internal/extract"
	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/storage"
)

const jobRunPayload = `{
	"job": {
		"job_id": 4455,
		"settings": {"name": "finance_nightly_rollup"}
	},
	"run": {
		"run_id": 88120354,
		"run_name": "finance_nightly_rollup-run",
		"state": {
			"life_cycle_state": "TERMINATED",
			"result_state": "FAILED",
			"state_message": "Task revenue_agg failed: org.apache.spark.SparkException"
		}
	}
}`

// stubAnalyzer returns a canned analysis result and counts calls.
type stubAnalyzer struct {
	result incident.RCAResult

	mu    sync.Mutex
	calls int
}

func (a *stubAnalyzer) Analyze(_ context.Context, _ string) incident.RCAResult {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	return a.result
}

func (a *stubAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls
}

// stubDispatcher records which incidents were fanned out.
type stubDispatcher struct {
	mu         sync.Mutex
	dispatched []*incident.Incident
}

func (d *stubDispatcher) Dispatch(inc *incident.Incident, _ []byte) []incident.NotificationRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, inc)

	return []incident.NotificationRecord{
		{Channel: incident.ChannelTicketSystem, IncidentID: inc.ID, Outcome: incident.OutcomeSuccess},
		{Channel: incident.ChannelChat, IncidentID: inc.ID, Outcome: incident.OutcomeSuccess},
	}
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.dispatched)
}

func newTestProcessor(t *testing.T, analyzer Analyzer, dispatcher Dispatcher) (*Processor, *storage.InMemoryTicketStore) {
	t.Helper()

	store := storage.NewInMemoryTicketStore()

	processor, err := NewProcessor(store, analyzer, classify.NewEngine(nil), dispatcher, nil, nil)
	require.NoError(t, err)

	return processor, store
}

func TestProcessCreatesTicket(t *testing.T) {
	analyzer := &stubAnalyzer{result: incident.RCAResult{
		RootCause:           "Spark task failed on upstream schema drift",
		ErrorClassification: "schema-mismatch",
		Severity:            incident.SeverityHigh,
		Confidence:          0.92,
	}}
	dispatcher := &stubDispatcher{}

	processor, store := newTestProcessor(t, analyzer, dispatcher)

	result, err := processor.Process(context.Background(), incident.SourceJobRun, []byte(jobRunPayload))
	require.NoError(t, err)

	assert.False(t, result.Duplicate)
	assert.Len(t, result.Records, 2)

	inc := result.Incident
	assert.Equal(t, "88120354", inc.CorrelationID)
	assert.Equal(t, "finance_nightly_rollup", inc.ResourceName)
	assert.Equal(t, incident.SeverityHigh, inc.Severity)
	assert.Equal(t, incident.PriorityP2, inc.Priority)
	assert.Equal(t, "Finance", inc.OwnerTeam)
	assert.Equal(t, incident.StatusOpen, inc.Status)
	assert.Equal(t, incident.SLAPending, inc.SLAStatus)
	assert.Equal(t, inc.CreatedAt.Add(4*time.Hour), inc.SLADeadline)

	stored, err := store.FindByCorrelationID(context.Background(), "88120354")
	require.NoError(t, err)
	assert.Equal(t, inc.ID, stored.ID)

	trail, err := store.AuditTrail(context.Background(), inc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, storage.AuditActionTicketCreated, trail[0].Action)

	assert.Equal(t, 1, dispatcher.count())
}

func TestProcessRedeliveryReturnsExistingTicket(t *testing.T) {
	analyzer := &stubAnalyzer{result: incident.RCAResult{
		RootCause: "transient executor loss",
		Severity:  incident.SeverityMedium,
	}}
	dispatcher := &stubDispatcher{}

	processor, store := newTestProcessor(t, analyzer, dispatcher)

	first, err := processor.Process(context.Background(), incident.SourceJobRun, []byte(jobRunPayload))
	require.NoError(t, err)

	second, err := processor.Process(context.Background(), incident.SourceJobRun, []byte(jobRunPayload))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Incident.ID, second.Incident.ID)
	assert.Empty(t, second.Records)

	// Enrichment and fan-out run once; the retry is answered from the
	// store alone.
	assert.Equal(t, 1, analyzer.callCount())
	assert.Equal(t, 1, dispatcher.count())

	trail, err := store.AuditTrail(context.Background(), first.Incident.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, storage.AuditActionDuplicateDelivery, trail[1].Action)
}

func TestProcessConcurrentRetriesCreateOneTicket(t *testing.T) {
	analyzer := &stubAnalyzer{result: incident.RCAResult{Severity: incident.SeverityHigh}}
	dispatcher := &stubDispatcher{}

	processor, store := newTestProcessor(t, analyzer, dispatcher)

	const deliveries = 25

	var (
		wg  sync.WaitGroup
		rmu sync.Mutex

		ids  = make(map[string]struct{})
		errs []error
	)

	for i := 0; i < deliveries; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			result, err := processor.Process(context.Background(), incident.SourceJobRun, []byte(jobRunPayload))

			rmu.Lock()
			defer rmu.Unlock()

			if err != nil {
				errs = append(errs, err)

				return
			}

			ids[result.Incident.ID] = struct{}{}
		}()
	}

	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, ids, 1, "every delivery must resolve to the same ticket")
	assert.Equal(t, 1, dispatcher.count(), "exactly one delivery fans out")

	incidents, err := store.Query(context.Background(), storage.IncidentFilter{})
	require.NoError(t, err)
	assert.Len(t, incidents, 1)
}

func TestProcessDistinctCorrelationIDsCreateDistinctTickets(t *testing.T) {
	analyzer := &stubAnalyzer{result: incident.RCAResult{Severity: incident.SeverityLow}}

	processor, store := newTestProcessor(t, analyzer, &stubDispatcher{})

	for i := 0; i < 3; i++ {
		payload := fmt.Sprintf(`{"run": {"run_id": %d, "run_name": "backfill-%d"}}`, 1000+i, i)

		result, err := processor.Process(context.Background(), incident.SourceJobRun, []byte(payload))
		require.NoError(t, err)
		assert.False(t, result.Duplicate)
	}

	incidents, err := store.Query(context.Background(), storage.IncidentFilter{})
	require.NoError(t, err)
	assert.Len(t, incidents, 3)
}

func TestProcessExtractionFailure(t *testing.T) {
	processor, store := newTestProcessor(t, &stubAnalyzer{}, &stubDispatcher{})

	_, err := processor.Process(context.Background(), incident.SourceJobRun, []byte(`not json`))
	require.Error(t, err)

	var extractErr *extract.Error
	assert.ErrorAs(t, err, &extractErr)

	incidents, qerr := store.Query(context.Background(), storage.IncidentFilter{})
	require.NoError(t, qerr)
	assert.Empty(t, incidents, "rejected payloads must not create tickets")
}

func TestProcessMissingCorrelationID(t *testing.T) {
	processor, _ := newTestProcessor(t, &stubAnalyzer{}, &stubDispatcher{})

	_, err := processor.Process(context.Background(), incident.SourceJobRun, []byte(`{"run": {"run_name": "orphan"}}`))

	assert.ErrorIs(t, err, incident.ErrMissingCorrelationID)
}

func TestProcessDegradedAnalysisStillCreatesTicket(t *testing.T) {
	analyzer := &stubAnalyzer{result: incident.RCAResult{
		RootCause: "Automated analysis unavailable",
		Severity:  incident.SeverityMedium,
		Degraded:  true,
	}}

	processor, _ := newTestProcessor(t, analyzer, &stubDispatcher{})

	result, err := processor.Process(context.Background(), incident.SourceJobRun, []byte(jobRunPayload))
	require.NoError(t, err)

	assert.True(t, result.Incident.RCA.Degraded)
	assert.Equal(t, incident.SeverityMedium, result.Incident.Severity)
}

func TestProcessGenericSourceGetsLowestPriority(t *testing.T) {
	analyzer := &stubAnalyzer{result: incident.RCAResult{Severity: incident.SeverityCritical}}

	processor, _ := newTestProcessor(t, analyzer, &stubDispatcher{})

	payload := `{"name": "unknown-system", "id": "evt-991", "message": "something broke"}`

	result, err := processor.Process(context.Background(), incident.SourceGeneric, []byte(payload))
	require.NoError(t, err)

	assert.Equal(t, incident.PriorityP4, result.Incident.Priority)
	assert.Equal(t, result.Incident.CreatedAt.Add(72*time.Hour), result.Incident.SLADeadline)
}

func TestNewProcessorValidation(t *testing.T) {
	_, err := NewProcessor(nil, &stubAnalyzer{}, nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewProcessor(storage.NewInMemoryTicketStore(), nil, nil, nil, nil, nil)
	assert.Error(t, err)
}
