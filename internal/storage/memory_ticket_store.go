package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
)

// InMemoryTicketStore is a mutex-guarded ticket store for tests and local
// runs. It enforces the same correlation id uniqueness invariant as the
// persistent store, atomically with respect to concurrent inserts.
type InMemoryTicketStore struct {
	mu            sync.RWMutex
	byID          map[string]*incident.Incident
	byCorrelation map[string]string // correlation id -> incident id
	auditEntries  []AuditEntry
}

// NewInMemoryTicketStore creates an empty in-memory ticket store.
func NewInMemoryTicketStore() *InMemoryTicketStore {
	return &InMemoryTicketStore{
		byID:          make(map[string]*incident.Incident),
		byCorrelation: make(map[string]string),
	}
}

// InsertIfAbsent inserts the incident unless its correlation id is taken.
// Mirrors the persistent store's contract.
func (s *InMemoryTicketStore) InsertIfAbsent(_ context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	if inc == nil {
		return nil, false, ErrNilIncident
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byCorrelation[inc.CorrelationID]; ok {
		return cloneIncident(s.byID[existingID]), false, nil
	}

	stored := cloneIncident(inc)
	s.byID[stored.ID] = stored
	s.byCorrelation[stored.CorrelationID] = stored.ID

	return cloneIncident(stored), true, nil
}

// FindByID returns the incident with the given id, or ErrIncidentNotFound.
func (s *InMemoryTicketStore) FindByID(_ context.Context, id string) (*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc, ok := s.byID[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}

	return cloneIncident(inc), nil
}

// FindByCorrelationID returns the incident recorded for a correlation id.
func (s *InMemoryTicketStore) FindByCorrelationID(_ context.Context, correlationID string) (*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCorrelation[correlationID]
	if !ok {
		return nil, ErrIncidentNotFound
	}

	return cloneIncident(s.byID[id]), nil
}

// UpdateStatus transitions the incident's lifecycle status with the same
// validation and SLA evaluation as the persistent store.
func (s *InMemoryTicketStore) UpdateStatus(_ context.Context, id string, next incident.Status, now time.Time) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.byID[id]
	if !ok {
		return nil, ErrIncidentNotFound
	}

	if !inc.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", incident.ErrInvalidStatusTransition, inc.Status, next)
	}

	applyTransition(inc, next, now)

	return cloneIncident(inc), nil
}

// SetExternalTicketRef records the external ticketing system's reference.
func (s *InMemoryTicketStore) SetExternalTicketRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.byID[id]
	if !ok {
		return ErrIncidentNotFound
	}

	inc.ExternalTicketRef = ref

	return nil
}

// SetAuditRef records the pointer to the persisted raw payload.
func (s *InMemoryTicketStore) SetAuditRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.byID[id]
	if !ok {
		return ErrIncidentNotFound
	}

	inc.AuditRef = ref

	return nil
}

// Query returns incidents matching the filter, newest first.
func (s *InMemoryTicketStore) Query(_ context.Context, filter IncidentFilter) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*incident.Incident, 0)

	for _, inc := range s.byID {
		if filter.Severity != "" && inc.Severity != filter.Severity {
			continue
		}

		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}

		if filter.OwnerTeam != "" && inc.OwnerTeam != filter.OwnerTeam {
			continue
		}

		if filter.SourceKind != "" && inc.SourceKind != filter.SourceKind {
			continue
		}

		matched = append(matched, cloneIncident(inc))
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}

		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*incident.Incident{}, nil
		}

		matched = matched[filter.Offset:]
	}

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	return matched, nil
}

// Summarize aggregates counters over all stored incidents as of now.
func (s *InMemoryTicketStore) Summarize(_ context.Context, now time.Time) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &Summary{}

	var (
		ackTotal     float64
		ackCount     int
		resolveTotal float64
		resolveCount int
	)

	for _, inc := range s.byID {
		summary.Total++

		switch inc.Status {
		case incident.StatusOpen:
			summary.Open++
		case incident.StatusAcknowledged:
			summary.Acknowledged++
		case incident.StatusClosed:
			summary.Closed++
		}

		if inc.SLAStatus == incident.SLABreached ||
			(inc.Status == incident.StatusOpen && inc.SLADeadline.Before(now)) {
			summary.Breached++
		}

		if inc.AcknowledgedAt != nil {
			ackTotal += inc.AcknowledgedAt.Sub(inc.CreatedAt).Seconds()
			ackCount++
		}

		if inc.ClosedAt != nil {
			resolveTotal += inc.ClosedAt.Sub(inc.CreatedAt).Seconds()
			resolveCount++
		}
	}

	if ackCount > 0 {
		summary.AvgAckSeconds = ackTotal / float64(ackCount)
	}

	if resolveCount > 0 {
		summary.AvgResolveSeconds = resolveTotal / float64(resolveCount)
	}

	return summary, nil
}

// RecordAudit appends an audit trail entry.
func (s *InMemoryTicketStore) RecordAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.CreatedAt = entry.CreatedAt.UTC()
	s.auditEntries = append(s.auditEntries, entry)

	return nil
}

// AuditTrail returns the audit entries recorded for an incident, oldest first.
func (s *InMemoryTicketStore) AuditTrail(_ context.Context, incidentID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]AuditEntry, 0)

	for _, entry := range s.auditEntries {
		if entry.IncidentID == incidentID {
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *InMemoryTicketStore) HealthCheck(_ context.Context) error {
	return nil
}

// cloneIncident returns a deep copy so callers cannot mutate stored state.
func cloneIncident(inc *incident.Incident) *incident.Incident {
	if inc == nil {
		return nil
	}

	clone := *inc

	if inc.Attributes != nil {
		clone.Attributes = make([]incident.Attribute, len(inc.Attributes))
		copy(clone.Attributes, inc.Attributes)
	}

	if inc.RCA.Recommendations != nil {
		clone.RCA.Recommendations = make([]string, len(inc.RCA.Recommendations))
		copy(clone.RCA.Recommendations, inc.RCA.Recommendations)
	}

	if inc.AcknowledgedAt != nil {
		ts := *inc.AcknowledgedAt
		clone.AcknowledgedAt = &ts
	}

	if inc.ClosedAt != nil {
		ts := *inc.ClosedAt
		clone.ClosedAt = &ts
	}

	return &clone
}
