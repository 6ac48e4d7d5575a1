// Package incident provides the domain model shared by extraction,
// classification, enrichment, storage, and dispatch.
package incident

import (
	"errors"
	"time"
)

// Domain validation errors.
var (
	// ErrMissingCorrelationID is returned when a draft carries no usable
	// correlation identifier. Dedup correctness depends on this field, so
	// such drafts are rejected instead of silently processed.
	ErrMissingCorrelationID = errors.New("missing correlation id")

	// ErrInvalidStatusTransition is returned when a status update would move
	// an incident backwards in its lifecycle or out of a terminal state.
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

type (
	// SourceKind identifies the monitoring source that emitted a failure event.
	SourceKind string

	// Severity is the failure impact level, either reported by automated
	// analysis or derived from alert metadata.
	Severity string

	// Priority is the operational priority derived from severity.
	Priority string

	// Status is the incident lifecycle state.
	Status string

	// SLAStatus reports whether the acknowledgment deadline was met.
	SLAStatus string

	// Channel identifies a fan-out delivery target.
	Channel string

	// Outcome is the per-channel delivery result.
	Outcome string

	// Attribute is one entry of the ordered source-specific metadata
	// captured during extraction (activity name, error code, termination
	// reason, and similar).
	Attribute struct {
		Name  string
		Value string
	}

	// Draft is the normalized output of extraction and the input to
	// classification. It lives only for the duration of one webhook
	// delivery; the durable record is Incident.
	Draft struct {
		// SourceKind tags which extraction variant produced this draft.
		SourceKind SourceKind

		// ResourceName is the human-facing name of the failed resource
		// (pipeline name, job name, cluster name).
		ResourceName string

		// CorrelationID uniquely identifies the underlying failure across
		// webhook retries (run id, cluster id, or equivalent). Must be
		// non-empty.
		CorrelationID string

		// EventKind is a free-form event label, e.g. "failure" or
		// "unexpected-termination".
		EventKind string

		// RawErrorText is the best available error description, assembled
		// from ordered fallback locations in the payload.
		RawErrorText string

		// Attributes carries source-specific metadata in payload order.
		Attributes []Attribute

		// Generic marks drafts produced by the fallback adapter so
		// classification assigns lowest priority and widest review.
		Generic bool
	}

	// RCAResult is the output of automated root-cause analysis.
	// Confidence is advisory only; it never gates delivery.
	RCAResult struct {
		RootCause           string
		ErrorClassification string
		Severity            Severity
		Confidence          float64
		Recommendations     []string
		AffectedEntity      string

		// Degraded is set when the analysis call failed or timed out and
		// the result is a placeholder.
		Degraded bool
	}

	// Incident is the durable unit of record. It is created once per unique
	// correlation id and mutated only by status and SLA transitions, never
	// by re-delivery of the same correlation id.
	Incident struct {
		// ID is generated at creation time: source prefix, creation
		// timestamp, random suffix. See NewID.
		ID string

		SourceKind    SourceKind
		CreatedAt     time.Time
		ResourceName  string
		CorrelationID string
		RawErrorText  string
		Attributes    []Attribute

		RCA RCAResult

		Severity    Severity
		Priority    Priority
		SLADeadline time.Time
		SLAStatus   SLAStatus

		OwnerTeam    string
		OwnerContact string
		CostCenter   string

		Status Status

		// ExternalTicketRef is the id assigned by the external ticketing
		// system, written back best-effort after fan-out. Empty until then.
		ExternalTicketRef string

		// AuditRef points at the persisted raw payload in the audit store.
		AuditRef string

		// AcknowledgedAt and ClosedAt record lifecycle transitions.
		// Nil until the transition happens.
		AcknowledgedAt *time.Time
		ClosedAt       *time.Time
	}

	// NotificationRecord is the per-channel delivery outcome of one fan-out.
	// It is not persisted long-term; it only feeds logs and metrics.
	NotificationRecord struct {
		Channel    Channel
		IncidentID string
		Outcome    Outcome
		Detail     string
	}
)

// SourceKind values, one per extraction variant.
const (
	SourcePipelineRun      SourceKind = "pipeline-run"
	SourceJobRun           SourceKind = "job-run"
	SourceClusterLifecycle SourceKind = "cluster-lifecycle"
	SourceGeneric          SourceKind = "generic"
)

// Severity values, lowest to highest impact.
const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Priority values, highest to lowest urgency.
const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// Status values. Closed is terminal.
const (
	StatusOpen         Status = "Open"
	StatusAcknowledged Status = "Acknowledged"
	StatusClosed       Status = "Closed"
)

// SLAStatus values.
const (
	SLAPending  SLAStatus = "Pending"
	SLAMet      SLAStatus = "Met"
	SLABreached SLAStatus = "Breached"
)

// Channel values for fan-out delivery.
const (
	ChannelTicketSystem Channel = "ticket-system"
	ChannelChat         Channel = "chat"
	ChannelAudit        Channel = "audit"
	ChannelDashboard    Channel = "dashboard"
)

// Outcome values for NotificationRecord.
const (
	OutcomeSuccess Outcome = "Success"
	OutcomeFailed  Outcome = "Failed"
)

// Validate checks the draft invariants that downstream stages depend on.
// Missing optional fields are tolerated; a missing correlation id is not.
func (d *Draft) Validate() error {
	if d.CorrelationID == "" {
		return ErrMissingCorrelationID
	}

	return nil
}

// Attribute returns the value of the named attribute and whether it exists.
// Lookup is linear; attribute lists are small.
func (d *Draft) Attribute(name string) (string, bool) {
	for _, attr := range d.Attributes {
		if attr.Name == name {
			return attr.Value, true
		}
	}

	return "", false
}

// ValidSourceKind reports whether s is one of the known source kinds.
func ValidSourceKind(s SourceKind) bool {
	switch s {
	case SourcePipelineRun, SourceJobRun, SourceClusterLifecycle, SourceGeneric:
		return true
	}

	return false
}

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusClosed:
		return true
	}

	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Allowed moves: Open → Acknowledged, Open → Closed, Acknowledged → Closed.
// Closed is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusAcknowledged || next == StatusClosed
	case StatusAcknowledged:
		return next == StatusClosed
	default:
		return false
	}
}
