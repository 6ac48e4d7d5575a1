package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
)

// Ticket store errors.
var (
	// ErrNoDatabaseConnection is returned when a store is constructed or used
	// without a database connection.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrNilIncident is returned when a nil incident is passed to InsertIfAbsent.
	ErrNilIncident = errors.New("incident cannot be nil")

	// ErrIncidentNotFound is returned when no incident matches the given id.
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrTicketStoreFailed wraps unexpected database failures. This is the
	// only fatal condition in the pipeline: the webhook caller must see a
	// failure so the upstream source retries delivery.
	ErrTicketStoreFailed = errors.New("ticket store operation failed")
)

// incidentColumns is the canonical column list shared by insert and select.
const incidentColumns = `
	id, source_kind, created_at, resource_name, correlation_id, raw_error_text,
	attributes, rca_root_cause, rca_classification, rca_confidence,
	rca_recommendations, rca_affected_entity, rca_degraded,
	severity, priority, sla_deadline, sla_status,
	owner_team, owner_contact, cost_center, status,
	external_ticket_ref, audit_ref, acknowledged_at, closed_at`

type (
	// PersistentTicketStore is the PostgreSQL-backed ticket store.
	//
	// The correlation id uniqueness invariant is enforced here at write time
	// by a UNIQUE constraint: InsertIfAbsent is the dedup gate, and it holds
	// under concurrent at-least-once delivery from upstream alerting.
	PersistentTicketStore struct {
		conn *Connection
	}

	// IncidentFilter narrows Query results. Zero values mean "no filter".
	IncidentFilter struct {
		Severity   incident.Severity
		Status     incident.Status
		OwnerTeam  string
		SourceKind incident.SourceKind
		Limit      int
		Offset     int
	}

	// Summary aggregates store-wide counters for the operations dashboard.
	Summary struct {
		Total             int
		Open              int
		Acknowledged      int
		Closed            int
		Breached          int
		AvgAckSeconds     float64
		AvgResolveSeconds float64
	}

	// attributeRecord is the JSONB wire form of one draft attribute.
	attributeRecord struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
)

// NewPersistentTicketStore creates a PostgreSQL-backed ticket store.
func NewPersistentTicketStore(conn *Connection) (*PersistentTicketStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PersistentTicketStore{conn: conn}, nil
}

// InsertIfAbsent atomically inserts the incident unless one with the same
// correlation id already exists.
//
// Returns (stored, true, nil) when this call created the incident, or
// (existing, false, nil) when another delivery won the race; the caller
// treats that as a duplicate and must not re-run enrichment or fan-out.
// Any other failure wraps ErrTicketStoreFailed.
func (s *PersistentTicketStore) InsertIfAbsent(ctx context.Context, inc *incident.Incident) (*incident.Incident, bool, error) {
	if inc == nil {
		return nil, false, ErrNilIncident
	}

	attributes, err := marshalAttributes(inc.Attributes)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrTicketStoreFailed, err)
	}

	recommendations, err := json.Marshal(recommendationsOrEmpty(inc.RCA.Recommendations))
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrTicketStoreFailed, err)
	}

	query := `
		INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (correlation_id) DO NOTHING`

	result, err := s.conn.ExecContext(ctx, query,
		inc.ID,
		string(inc.SourceKind),
		inc.CreatedAt,
		inc.ResourceName,
		inc.CorrelationID,
		inc.RawErrorText,
		attributes,
		inc.RCA.RootCause,
		inc.RCA.ErrorClassification,
		inc.RCA.Confidence,
		recommendations,
		inc.RCA.AffectedEntity,
		inc.RCA.Degraded,
		string(inc.Severity),
		string(inc.Priority),
		inc.SLADeadline,
		string(inc.SLAStatus),
		inc.OwnerTeam,
		inc.OwnerContact,
		inc.CostCenter,
		string(inc.Status),
		nullString(inc.ExternalTicketRef),
		nullString(inc.AuditRef),
		nullTime(inc.AcknowledgedAt),
		nullTime(inc.ClosedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("%w: insert incident: %w", ErrTicketStoreFailed, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("%w: rows affected: %w", ErrTicketStoreFailed, err)
	}

	if rows == 1 {
		return inc, true, nil
	}

	// Conflict path: another delivery of the same correlation id got here
	// first. Return its incident so the caller can answer idempotently.
	existing, err := s.FindByCorrelationID(ctx, inc.CorrelationID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: fetch existing after conflict: %w", ErrTicketStoreFailed, err)
	}

	return existing, false, nil
}

// FindByID returns the incident with the given id, or ErrIncidentNotFound.
func (s *PersistentTicketStore) FindByID(ctx context.Context, id string) (*incident.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`

	inc, err := scanIncident(s.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}

		return nil, fmt.Errorf("%w: find by id: %w", ErrTicketStoreFailed, err)
	}

	return inc, nil
}

// FindByCorrelationID returns the incident recorded for a correlation id,
// or ErrIncidentNotFound. Used as the cheap dedup fast path before the
// expensive enrichment stage runs.
func (s *PersistentTicketStore) FindByCorrelationID(ctx context.Context, correlationID string) (*incident.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE correlation_id = $1`

	inc, err := scanIncident(s.conn.QueryRowContext(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}

		return nil, fmt.Errorf("%w: find by correlation id: %w", ErrTicketStoreFailed, err)
	}

	return inc, nil
}

// UpdateStatus transitions an incident's lifecycle status. The row is locked
// for the duration so concurrent transitions serialize; invalid moves return
// incident.ErrInvalidStatusTransition. The SLA outcome is fixed the first
// time the incident leaves Open: Met when that happens before the deadline,
// Breached otherwise.
func (s *PersistentTicketStore) UpdateStatus(ctx context.Context, id string, next incident.Status, now time.Time) (*incident.Incident, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrTicketStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1 FOR UPDATE`

	current, err := scanIncident(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}

		return nil, fmt.Errorf("%w: lock incident: %w", ErrTicketStoreFailed, err)
	}

	if !current.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", incident.ErrInvalidStatusTransition, current.Status, next)
	}

	applyTransition(current, next, now)

	_, err = tx.ExecContext(ctx, `
		UPDATE incidents
		SET status = $2, sla_status = $3, acknowledged_at = $4, closed_at = $5
		WHERE id = $1`,
		id,
		string(current.Status),
		string(current.SLAStatus),
		nullTime(current.AcknowledgedAt),
		nullTime(current.ClosedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: update status: %w", ErrTicketStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit status update: %w", ErrTicketStoreFailed, err)
	}

	return current, nil
}

// applyTransition mutates inc in place for the move to next.
func applyTransition(inc *incident.Incident, next incident.Status, now time.Time) {
	if inc.Status == incident.StatusOpen && inc.SLAStatus == incident.SLAPending {
		if now.After(inc.SLADeadline) {
			inc.SLAStatus = incident.SLABreached
		} else {
			inc.SLAStatus = incident.SLAMet
		}
	}

	switch next {
	case incident.StatusAcknowledged:
		ts := now
		inc.AcknowledgedAt = &ts
	case incident.StatusClosed:
		ts := now
		inc.ClosedAt = &ts
	}

	inc.Status = next
}

// SetExternalTicketRef records the id assigned by the external ticketing
// system. Best-effort secondary update: the incident remains valid without it.
func (s *PersistentTicketStore) SetExternalTicketRef(ctx context.Context, id, ref string) error {
	return s.setRef(ctx, id, "external_ticket_ref", ref)
}

// SetAuditRef records the pointer to the persisted raw payload.
func (s *PersistentTicketStore) SetAuditRef(ctx context.Context, id, ref string) error {
	return s.setRef(ctx, id, "audit_ref", ref)
}

func (s *PersistentTicketStore) setRef(ctx context.Context, id, column, ref string) error {
	//nolint:gosec // column is one of two compile-time constants, never user input
	query := fmt.Sprintf(`UPDATE incidents SET %s = $2 WHERE id = $1`, column)

	result, err := s.conn.ExecContext(ctx, query, id, ref)
	if err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrTicketStoreFailed, column, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %w", ErrTicketStoreFailed, err)
	}

	if rows == 0 {
		return ErrIncidentNotFound
	}

	return nil
}

// Query returns incidents matching the filter, newest first.
func (s *PersistentTicketStore) Query(ctx context.Context, filter IncidentFilter) ([]*incident.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents`

	var (
		conditions []string
		args       []any
	)

	addCondition := func(column, value string) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if filter.Severity != "" {
		addCondition("severity", string(filter.Severity))
	}

	if filter.Status != "" {
		addCondition("status", string(filter.Status))
	}

	if filter.OwnerTeam != "" {
		addCondition("owner_team", filter.OwnerTeam)
	}

	if filter.SourceKind != "" {
		addCondition("source_kind", string(filter.SourceKind))
	}

	for i, condition := range conditions {
		if i == 0 {
			query += " WHERE " + condition
		} else {
			query += " AND " + condition
		}
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query incidents: %w", ErrTicketStoreFailed, err)
	}
	defer func() { _ = rows.Close() }()

	incidents := make([]*incident.Incident, 0)

	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan incident: %w", ErrTicketStoreFailed, err)
		}

		incidents = append(incidents, inc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate incidents: %w", ErrTicketStoreFailed, err)
	}

	return incidents, nil
}

// Summarize aggregates store-wide counters as of now. An open incident past
// its deadline counts as breached even though its SLA outcome is not yet
// fixed by a transition.
func (s *PersistentTicketStore) Summarize(ctx context.Context, now time.Time) (*Summary, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'Open'),
			COUNT(*) FILTER (WHERE status = 'Acknowledged'),
			COUNT(*) FILTER (WHERE status = 'Closed'),
			COUNT(*) FILTER (WHERE sla_status = 'Breached' OR (status = 'Open' AND sla_deadline < $1)),
			COALESCE(AVG(EXTRACT(EPOCH FROM (acknowledged_at - created_at))) FILTER (WHERE acknowledged_at IS NOT NULL), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (closed_at - created_at))) FILTER (WHERE closed_at IS NOT NULL), 0)
		FROM incidents`

	summary := &Summary{}

	err := s.conn.QueryRowContext(ctx, query, now).Scan(
		&summary.Total,
		&summary.Open,
		&summary.Acknowledged,
		&summary.Closed,
		&summary.Breached,
		&summary.AvgAckSeconds,
		&summary.AvgResolveSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: summarize incidents: %w", ErrTicketStoreFailed, err)
	}

	return summary, nil
}

// HealthCheck verifies the backing database is reachable.
func (s *PersistentTicketStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanIncident maps one row onto the domain type.
func scanIncident(row rowScanner) (*incident.Incident, error) {
	var (
		inc               incident.Incident
		sourceKind        string
		severity          string
		priority          string
		slaStatus         string
		status            string
		attributesJSON    []byte
		recommendations   []byte
		externalTicketRef sql.NullString
		auditRef          sql.NullString
		acknowledgedAt    sql.NullTime
		closedAt          sql.NullTime
	)

	err := row.Scan(
		&inc.ID,
		&sourceKind,
		&inc.CreatedAt,
		&inc.ResourceName,
		&inc.CorrelationID,
		&inc.RawErrorText,
		&attributesJSON,
		&inc.RCA.RootCause,
		&inc.RCA.ErrorClassification,
		&inc.RCA.Confidence,
		&recommendations,
		&inc.RCA.AffectedEntity,
		&inc.RCA.Degraded,
		&severity,
		&priority,
		&inc.SLADeadline,
		&slaStatus,
		&inc.OwnerTeam,
		&inc.OwnerContact,
		&inc.CostCenter,
		&status,
		&externalTicketRef,
		&auditRef,
		&acknowledgedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	inc.SourceKind = incident.SourceKind(sourceKind)
	inc.Severity = incident.Severity(severity)
	inc.Priority = incident.Priority(priority)
	inc.SLAStatus = incident.SLAStatus(slaStatus)
	inc.Status = incident.Status(status)

	if externalTicketRef.Valid {
		inc.ExternalTicketRef = externalTicketRef.String
	}

	if auditRef.Valid {
		inc.AuditRef = auditRef.String
	}

	if acknowledgedAt.Valid {
		ts := acknowledgedAt.Time
		inc.AcknowledgedAt = &ts
	}

	if closedAt.Valid {
		ts := closedAt.Time
		inc.ClosedAt = &ts
	}

	if err := unmarshalAttributes(attributesJSON, &inc); err != nil {
		return nil, err
	}

	if len(recommendations) > 0 {
		if err := json.Unmarshal(recommendations, &inc.RCA.Recommendations); err != nil {
			return nil, fmt.Errorf("unmarshal recommendations: %w", err)
		}
	}

	return &inc, nil
}

func marshalAttributes(attributes []incident.Attribute) ([]byte, error) {
	records := make([]attributeRecord, 0, len(attributes))
	for _, attr := range attributes {
		records = append(records, attributeRecord{Name: attr.Name, Value: attr.Value})
	}

	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("marshal attributes: %w", err)
	}

	return data, nil
}

func unmarshalAttributes(data []byte, inc *incident.Incident) error {
	if len(data) == 0 {
		return nil
	}

	var records []attributeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("unmarshal attributes: %w", err)
	}

	inc.Attributes = make([]incident.Attribute, 0, len(records))
	for _, record := range records {
		inc.Attributes = append(inc.Attributes, incident.Attribute{Name: record.Name, Value: record.Value})
	}

	return nil
}

// recommendationsOrEmpty keeps JSONB columns as [] instead of null.
func recommendationsOrEmpty(recommendations []string) []string {
	if recommendations == nil {
		return []string{}
	}

	return recommendations
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
