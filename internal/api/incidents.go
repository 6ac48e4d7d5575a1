package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/incidentd-io/incidentd/internal/api/middleware"
	"github.com/incidentd-io/incidentd/internal/broadcast"
	"github.com/incidentd-io/incidentd/internal/incident"
	"github.com/incidentd-io/incidentd/internal/storage"
)

type (
	// incidentListParams holds parsed query parameters for incident list.
	incidentListParams struct {
		severity   incident.Severity
		status     incident.Status
		ownerTeam  string
		sourceKind incident.SourceKind
		limit      int
		offset     int
	}

	// paramError represents a parameter validation error.
	paramError struct {
		param string
		msg   string
	}
)

const (
	// Pagination defaults and limits.
	defaultLimit = 20
	maxLimit     = 100
	minLimit     = 1
)

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

var (
	validSeverities = map[incident.Severity]bool{
		incident.SeverityLow:      true,
		incident.SeverityMedium:   true,
		incident.SeverityHigh:     true,
		incident.SeverityCritical: true,
	}

	validStatuses = map[incident.Status]bool{
		incident.StatusOpen:         true,
		incident.StatusAcknowledged: true,
		incident.StatusClosed:       true,
	}
)

// handleListIncidents handles GET /api/v1/incidents.
// Returns a paginated list of incidents with optional filtering.
//
// Query Parameters:
//   - severity: Low | Medium | High | Critical
//   - status: Open | Acknowledged | Closed
//   - ownerTeam: exact team name
//   - source: pipeline-run | job-run | cluster-lifecycle | generic
//   - limit: 1-100 (default: 20)
//   - offset: >= 0 (default: 0)
//
// Response: IncidentListResponse with incidents sorted by createdAt DESC.
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	params, err := parseIncidentListParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	incidents, err := s.store.Query(ctx, storage.IncidentFilter{
		Severity:   params.severity,
		Status:     params.status,
		OwnerTeam:  params.ownerTeam,
		SourceKind: params.sourceKind,
		Limit:      params.limit,
		Offset:     params.offset,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to query incidents",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to query incidents"))

		return
	}

	views := make([]IncidentView, 0, len(incidents))
	for _, inc := range incidents {
		views = append(views, mapIncident(inc))
	}

	writeJSONResponse(w, s.logger, correlationID, http.StatusOK, IncidentListResponse{
		Incidents: views,
		Count:     len(views),
		Limit:     params.limit,
		Offset:    params.offset,
	})
}

// handleGetIncident handles GET /api/v1/incidents/{id}.
// Returns the full incident view with its audit trail.
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	id := r.PathValue("id")

	inc, err := s.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrIncidentNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No incident with id "+id))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to load incident",
			"correlation_id", correlationID,
			"incident_id", id,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load incident"))

		return
	}

	trail, err := s.store.AuditTrail(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load audit trail",
			"correlation_id", correlationID,
			"incident_id", id,
			"error", err.Error(),
		)
		// Non-fatal: return the incident without its trail
		trail = nil
	}

	writeJSONResponse(w, s.logger, correlationID, http.StatusOK, IncidentDetailResponse{
		IncidentView: mapIncident(inc),
		AuditTrail:   mapAuditTrail(trail),
	})
}

// handleUpdateStatus handles PATCH /api/v1/incidents/{id}/status.
//
// Valid transitions are Open → Acknowledged, Open → Closed, and
// Acknowledged → Closed. The first transition out of Open fixes the SLA
// outcome. Response codes:
//   - 200 OK: transition applied, updated incident returned
//   - 400 Bad Request: malformed body or unknown status value
//   - 404 Not Found: no such incident
//   - 409 Conflict: transition not allowed from the current status
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	id := r.PathValue("id")

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	var request StatusUpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)).Decode(&request); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Malformed request body"))

		return
	}

	next := incident.Status(request.Status)
	if !validStatuses[next] {
		WriteErrorResponse(w, r, s.logger, BadRequest("Unknown status value: "+request.Status))

		return
	}

	updated, err := s.store.UpdateStatus(ctx, id, next, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrIncidentNotFound):
			WriteErrorResponse(w, r, s.logger, NotFound("No incident with id "+id))
		case errors.Is(err, incident.ErrInvalidStatusTransition):
			WriteErrorResponse(w, r, s.logger, Conflict(err.Error()))
		default:
			s.logger.ErrorContext(ctx, "Failed to update incident status",
				"correlation_id", correlationID,
				"incident_id", id,
				"error", err.Error(),
			)
			WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to update incident status"))
		}

		return
	}

	s.recordStatusChange(ctx, updated)

	if s.hub != nil {
		s.hub.Broadcast(broadcast.Event{
			Kind:          broadcast.EventStatusUpdate,
			IncidentID:    updated.ID,
			CorrelationID: updated.CorrelationID,
			Severity:      string(updated.Severity),
			Priority:      string(updated.Priority),
			Status:        string(updated.Status),
		})
	}

	writeJSONResponse(w, s.logger, correlationID, http.StatusOK, mapIncident(updated))
}

// recordStatusChange appends the transition to the audit trail,
// best-effort.
func (s *Server) recordStatusChange(ctx context.Context, inc *incident.Incident) {
	err := s.store.RecordAudit(ctx, storage.AuditEntry{
		IncidentID:    inc.ID,
		CorrelationID: inc.CorrelationID,
		Action:        storage.AuditActionStatusChanged,
		Detail:        "status=" + string(inc.Status) + " sla=" + string(inc.SLAStatus),
	})
	if err != nil {
		s.logger.Warn("failed to record status change audit entry",
			"incident_id", inc.ID,
			"error", err.Error(),
		)
	}
}

// handleSummary handles GET /api/v1/summary.
// Returns store-wide counters for the operations dashboard.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	now := time.Now().UTC()

	summary, err := s.store.Summarize(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to build summary",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to build summary"))

		return
	}

	writeJSONResponse(w, s.logger, correlationID, http.StatusOK, SummaryResponse{
		Total:             summary.Total,
		Open:              summary.Open,
		Acknowledged:      summary.Acknowledged,
		Closed:            summary.Closed,
		Breached:          summary.Breached,
		AvgAckSeconds:     summary.AvgAckSeconds,
		AvgResolveSeconds: summary.AvgResolveSeconds,
		GeneratedAt:       now,
	})
}

// parseIncidentListParams parses and validates query parameters.
func parseIncidentListParams(r *http.Request) (*incidentListParams, error) {
	q := r.URL.Query()

	params := &incidentListParams{
		limit:  defaultLimit,
		offset: 0,
	}

	if severity := q.Get("severity"); severity != "" {
		if !validSeverities[incident.Severity(severity)] {
			return nil, &paramError{param: "severity", msg: "must be one of Low, Medium, High, Critical"}
		}

		params.severity = incident.Severity(severity)
	}

	if status := q.Get("status"); status != "" {
		if !validStatuses[incident.Status(status)] {
			return nil, &paramError{param: "status", msg: "must be one of Open, Acknowledged, Closed"}
		}

		params.status = incident.Status(status)
	}

	params.ownerTeam = q.Get("ownerTeam")

	if source := q.Get("source"); source != "" {
		kind, ok := webhookSourceKinds[source]
		if !ok {
			return nil, &paramError{param: "source", msg: "must be a known source kind"}
		}

		params.sourceKind = kind
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, &paramError{param: "limit", msg: "must be a valid integer"}
		}

		if limit < minLimit || limit > maxLimit {
			return nil, &paramError{param: "limit", msg: "must be between 1 and 100"}
		}

		params.limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, &paramError{param: "offset", msg: "must be a valid integer"}
		}

		if offset < 0 {
			return nil, &paramError{param: "offset", msg: "must be >= 0"}
		}

		params.offset = offset
	}

	return params, nil
}
