package storage

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is one immutable row of the incident audit trail. Entries are
// appended per pipeline action (ticket created, notification sent, status
// changed) and never updated.
type AuditEntry struct {
	IncidentID    string
	CorrelationID string
	Action        string
	Detail        string
	CreatedAt     time.Time
}

// Audit trail actions recorded by the pipeline.
const (
	AuditActionTicketCreated      = "ticket_created"
	AuditActionDuplicateDelivery  = "duplicate_delivery"
	AuditActionNotificationSent   = "notification_sent"
	AuditActionNotificationFailed = "notification_failed"
	AuditActionStatusChanged      = "status_changed"
)

// RecordAudit appends an audit trail entry for an incident.
func (s *PersistentTicketStore) RecordAudit(ctx context.Context, entry AuditEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO audit_log (incident_id, correlation_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.IncidentID,
		entry.CorrelationID,
		entry.Action,
		entry.Detail,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("%w: record audit entry: %w", ErrTicketStoreFailed, err)
	}

	return nil
}

// AuditTrail returns the audit entries recorded for an incident, oldest first.
func (s *PersistentTicketStore) AuditTrail(ctx context.Context, incidentID string) ([]AuditEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT incident_id, correlation_id, action, detail, created_at
		FROM audit_log
		WHERE incident_id = $1
		ORDER BY created_at ASC, id ASC`,
		incidentID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query audit trail: %w", ErrTicketStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]AuditEntry, 0)

	for rows.Next() {
		var entry AuditEntry

		err := rows.Scan(
			&entry.IncidentID,
			&entry.CorrelationID,
			&entry.Action,
			&entry.Detail,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan audit entry: %w", ErrTicketStoreFailed, err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate audit entries: %w", ErrTicketStoreFailed, err)
	}

	return entries, nil
}
