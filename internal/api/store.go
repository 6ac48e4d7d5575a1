// Package api provides the HTTP API server for the incidentd service.
package api

import (
	"context"
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/storage"
)

// TicketReader is the slice of the ticket store the query and lifecycle
// endpoints depend on. Webhook creation goes through the pipeline
// processor instead.
type TicketReader interface {
	FindByID(ctx context.Context, id string) (*incident.Incident, error)
	Query(ctx context.Context, filter storage.IncidentFilter) ([]*incident.Incident, error)
	Summarize(ctx context.Context, now time.Time) (*storage.Summary, error)
	UpdateStatus(ctx context.Context, id string, next incident.Status, now time.Time) (*incident.Incident, error)
	AuditTrail(ctx context.Context, incidentID string) ([]storage.AuditEntry, error)
	RecordAudit(ctx context.Context, entry storage.AuditEntry) error
	HealthCheck(ctx context.Context) error
}

// Both store implementations satisfy the API's needs.
var (
	_ TicketReader = (*storage.PersistentTicketStore)(nil)
	_ TicketReader = (*storage.InMemoryTicketStore)(nil)
)
