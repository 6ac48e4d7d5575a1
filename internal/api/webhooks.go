package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/incidentd-io/incidentd/internal/api/middleware"
	"github.com/incidentd-io/incidentd/internal/extract"
	"github.com/incidentd-io/incidentd/internal/incident"
)

// webhookSourceKinds maps the webhook path segment to its extraction
// variant. Unknown segments are rejected with 404 rather than falling
// back to generic; the generic endpoint is explicit.
var webhookSourceKinds = map[string]incident.SourceKind{
	"pipeline-run":      incident.SourcePipelineRun,
	"job-run":           incident.SourceJobRun,
	"cluster-lifecycle": incident.SourceClusterLifecycle,
	"generic":           incident.SourceGeneric,
}

// handleWebhook handles POST /api/v1/webhooks/{source}.
//
// The delivery is processed synchronously through persistence so the
// acknowledgment implies a durable ticket. Response codes:
//   - 200 OK: ticket created, or delivery matched an existing ticket
//   - 400 Bad Request: wrong content type or unreadable body
//   - 404 Not Found: unknown source kind
//   - 422 Unprocessable Entity: payload cannot be turned into a draft
//   - 500 Internal Server Error: ticket could not be persisted
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)
	start := time.Now()

	source, ok := webhookSourceKinds[r.PathValue("source")]
	if !ok {
		WriteErrorResponse(w, r, s.logger, NotFound("Unknown webhook source kind"))

		return
	}

	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		WriteErrorResponse(w, r, s.logger, BadRequest("Content-Type must be application/json"))

		return
	}

	rawPayload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize))
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest("Failed to read request body"))

		return
	}

	result, err := s.processor.Process(ctx, source, rawPayload)
	if err != nil {
		var extractErr *extract.Error
		if errors.As(err, &extractErr) {
			s.logger.Warn("webhook payload rejected",
				slog.String("correlation_id", correlationID),
				slog.String("source", string(source)),
				slog.String("error", err.Error()),
			)

			WriteErrorResponse(w, r, s.logger, UnprocessableEntity(err.Error()))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to persist ticket",
			slog.String("correlation_id", correlationID),
			slog.String("source", string(source)),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to persist ticket"))

		return
	}

	if s.metrics != nil {
		s.metrics.ObserveWebhook(string(source), time.Since(start))
	}

	writeJSONResponse(w, s.logger, correlationID, http.StatusOK, webhookResponseFor(result.Incident, result.Duplicate))
}

// webhookResponseFor builds the delivery acknowledgment.
func webhookResponseFor(inc *incident.Incident, duplicate bool) WebhookResponse {
	status := "created"
	message := "Ticket created"

	if duplicate {
		status = "duplicate"
		message = "Delivery matched an existing ticket"
	}

	return WebhookResponse{
		Status:            status,
		TicketID:          inc.ID,
		CorrelationID:     inc.CorrelationID,
		Severity:          string(inc.Severity),
		Priority:          string(inc.Priority),
		SLADeadline:       inc.SLADeadline.UTC().Format(time.RFC3339),
		OwnerTeam:         inc.OwnerTeam,
		ExternalTicketRef: inc.ExternalTicketRef,
		Message:           message,
	}
}

// writeJSONResponse marshals and writes a JSON response, logging write
// failures.
func writeJSONResponse(w http.ResponseWriter, logger *slog.Logger, correlationID string, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to write JSON response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}
