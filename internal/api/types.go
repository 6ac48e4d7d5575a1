// Package api provides the HTTP API server for the incidentd service.
package api

import (
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/storage"
)

type (
	// WebhookResponse is the acknowledgment returned for a webhook
	// delivery, whether it created a ticket or matched an existing one.
	WebhookResponse struct {
		Status            string `json:"status"` // "created" or "duplicate"
		TicketID          string `json:"ticketId"`
		CorrelationID     string `json:"correlationId"`
		Severity          string `json:"severity"`
		Priority          string `json:"priority"`
		SLADeadline       string `json:"slaDeadline"`
		OwnerTeam         string `json:"ownerTeam"`
		ExternalTicketRef string `json:"externalTicketRef,omitempty"`
		Message           string `json:"message"`
	}

	// AttributeView is one entry of extracted source metadata.
	AttributeView struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}

	// AnalysisView is the JSON form of the enrichment result.
	AnalysisView struct {
		RootCause           string   `json:"rootCause"`
		ErrorClassification string   `json:"errorClassification,omitempty"`
		Severity            string   `json:"severity,omitempty"`
		Confidence          float64  `json:"confidence"`
		Recommendations     []string `json:"recommendations,omitempty"`
		AffectedEntity      string   `json:"affectedEntity,omitempty"`
		Degraded            bool     `json:"degraded"`
	}

	// IncidentView is the full JSON form of a stored ticket.
	IncidentView struct {
		ID                string          `json:"id"`
		SourceKind        string          `json:"sourceKind"`
		CreatedAt         time.Time       `json:"createdAt"`
		ResourceName      string          `json:"resourceName"`
		CorrelationID     string          `json:"correlationId"`
		RawErrorText      string          `json:"rawErrorText"`
		Attributes        []AttributeView `json:"attributes,omitempty"`
		Analysis          AnalysisView    `json:"analysis"`
		Severity          string          `json:"severity"`
		Priority          string          `json:"priority"`
		SLADeadline       time.Time       `json:"slaDeadline"`
		SLAStatus         string          `json:"slaStatus"`
		OwnerTeam         string          `json:"ownerTeam"`
		OwnerContact      string          `json:"ownerContact"`
		CostCenter        string          `json:"costCenter"`
		Status            string          `json:"status"`
		ExternalTicketRef string          `json:"externalTicketRef,omitempty"`
		AuditRef          string          `json:"auditRef,omitempty"`
		AcknowledgedAt    *time.Time      `json:"acknowledgedAt,omitempty"`
		ClosedAt          *time.Time      `json:"closedAt,omitempty"`
	}

	// IncidentListResponse is the paginated incident list.
	IncidentListResponse struct {
		Incidents []IncidentView `json:"incidents"`
		Count     int            `json:"count"`
		Limit     int            `json:"limit"`
		Offset    int            `json:"offset"`
	}

	// IncidentDetailResponse is the single-incident view with its audit
	// trail.
	IncidentDetailResponse struct {
		IncidentView

		AuditTrail []AuditEntryView `json:"auditTrail"`
	}

	// AuditEntryView is one audit trail entry.
	AuditEntryView struct {
		Action    string    `json:"action"`
		Detail    string    `json:"detail,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// StatusUpdateRequest is the PATCH body for lifecycle transitions.
	StatusUpdateRequest struct {
		Status string `json:"status"`
	}

	// SummaryResponse aggregates store-wide counters for the dashboard.
	SummaryResponse struct {
		Total             int       `json:"total"`
		Open              int       `json:"open"`
		Acknowledged      int       `json:"acknowledged"`
		Closed            int       `json:"closed"`
		Breached          int       `json:"breached"`
		AvgAckSeconds     float64   `json:"avgAckSeconds"`
		AvgResolveSeconds float64   `json:"avgResolveSeconds"`
		GeneratedAt       time.Time `json:"generatedAt"`
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}
)

// mapIncident converts a domain incident to its API view.
func mapIncident(inc *incident.Incident) IncidentView {
	attributes := make([]AttributeView, 0, len(inc.Attributes))
	for _, attr := range inc.Attributes {
		attributes = append(attributes, AttributeView{Name: attr.Name, Value: attr.Value})
	}

	return IncidentView{
		ID:            inc.ID,
		SourceKind:    string(inc.SourceKind),
		CreatedAt:     inc.CreatedAt,
		ResourceName:  inc.ResourceName,
		CorrelationID: inc.CorrelationID,
		RawErrorText:  inc.RawErrorText,
		Attributes:    attributes,
		Analysis: AnalysisView{
			RootCause:           inc.RCA.RootCause,
			ErrorClassification: inc.RCA.ErrorClassification,
			Severity:            string(inc.RCA.Severity),
			Confidence:          inc.RCA.Confidence,
			Recommendations:     inc.RCA.Recommendations,
			AffectedEntity:      inc.RCA.AffectedEntity,
			Degraded:            inc.RCA.Degraded,
		},
		Severity:          string(inc.Severity),
		Priority:          string(inc.Priority),
		SLADeadline:       inc.SLADeadline,
		SLAStatus:         string(inc.SLAStatus),
		OwnerTeam:         inc.OwnerTeam,
		OwnerContact:      inc.OwnerContact,
		CostCenter:        inc.CostCenter,
		Status:            string(inc.Status),
		ExternalTicketRef: inc.ExternalTicketRef,
		AuditRef:          inc.AuditRef,
		AcknowledgedAt:    inc.AcknowledgedAt,
		ClosedAt:          inc.ClosedAt,
	}
}

// mapAuditTrail converts audit entries to their API view.
func mapAuditTrail(entries []storage.AuditEntry) []AuditEntryView {
	views := make([]AuditEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, AuditEntryView{
			Action:    entry.Action,
			Detail:    entry.Detail,
			CreatedAt: entry.CreatedAt,
		})
	}

	return views
}
