package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/incidentd-io/incidentd/internal/incident"
)

// extractPipelineRun handles orchestrator alert payloads carrying a
// conditional/dimensional alert structure: the first condition group's
// dimension list is flattened into draft attributes, and the well-known
// dimensions supply the resource name, correlation id, and error text.
//
// Fallback order:
//   - resourceName: PipelineName dimension → essentials.alertRule
//   - correlationId: PipelineRunId dimension → runId dimension → essentials.alertId
//   - rawErrorText: ErrorMessage dimension → essentials.description → placeholder
func extractPipelineRun(payload map[string]any) *incident.Draft {
	draft := &incident.Draft{EventKind: "failure"}

	essentials, _ := objectAt(payload, "data", "essentials")

	if condition, ok := objectAt(payload, "data", "alertContext", "condition"); ok {
		if groups, ok := arrayAt(condition, "allOf"); ok && len(groups) > 0 {
			if group, ok := groups[0].(map[string]any); ok {
				draft.Attributes = flattenDimensions(group)
			}
		}
	}

	if name, ok := draft.Attribute("PipelineName"); ok {
		draft.ResourceName = name
	} else {
		draft.ResourceName = firstString(essentials, "alertRule")
	}

	if runID, ok := draft.Attribute("PipelineRunId"); ok {
		draft.CorrelationID = runID
	} else if runID, ok := draft.Attribute("runId"); ok {
		draft.CorrelationID = runID
	} else {
		draft.CorrelationID = firstString(essentials, "alertId")
	}

	if message, ok := draft.Attribute("ErrorMessage"); ok && message != "" {
		draft.RawErrorText = message
	} else if description := firstString(essentials, "description"); description != "" {
		draft.RawErrorText = description
	} else {
		draft.RawErrorText = PlaceholderErrorText
	}

	return draft
}

// flattenDimensions converts a condition group's name/value dimension list
// into draft attributes, preserving payload order.
func flattenDimensions(group map[string]any) []incident.Attribute {
	dimensions, ok := arrayAt(group, "dimensions")
	if !ok {
		return nil
	}

	attributes := make([]incident.Attribute, 0, len(dimensions))

	for _, dim := range dimensions {
		entry, ok := dim.(map[string]any)
		if !ok {
			continue
		}

		name := toString(entry["name"])
		if name == "" {
			continue
		}

		attributes = append(attributes, incident.Attribute{
			Name:  name,
			Value: toString(entry["value"]),
		})
	}

	return attributes
}

// extractJobRun handles scheduler payloads nesting job and run objects.
//
// Fallback order:
//   - resourceName: job.settings.name → run.run_name → job_name
//   - correlationId: run.run_id → run_id → job_run_id
//   - rawErrorText: run.state.state_message → placeholder
func extractJobRun(payload map[string]any) *incident.Draft {
	draft := &incident.Draft{EventKind: "failure"}

	job, _ := objectAt(payload, "job")
	run, _ := objectAt(payload, "run")
	settings, _ := objectAt(job, "settings")
	state, _ := objectAt(run, "state")

	draft.ResourceName = firstString(settings, "name")
	if draft.ResourceName == "" {
		draft.ResourceName = firstString(run, "run_name")
	}

	if draft.ResourceName == "" {
		draft.ResourceName = firstString(payload, "job_name")
	}

	draft.CorrelationID = firstString(run, "run_id")
	if draft.CorrelationID == "" {
		draft.CorrelationID = firstString(payload, "run_id", "job_run_id")
	}

	draft.RawErrorText = firstString(state, "state_message")
	if draft.RawErrorText == "" {
		draft.RawErrorText = PlaceholderErrorText
	}

	for _, attr := range []struct {
		name   string
		source map[string]any
		key    string
	}{
		{"job_id", job, "job_id"},
		{"run_id", run, "run_id"},
		{"life_cycle_state", state, "life_cycle_state"},
		{"result_state", state, "result_state"},
	} {
		if value := firstString(attr.source, attr.key); value != "" {
			draft.Attributes = append(draft.Attributes, incident.Attribute{Name: attr.name, Value: value})
		}
	}

	return draft
}

// extractClusterLifecycle handles cluster manager lifecycle events. The
// termination reason alone is not human-actionable, so the error text is
// composed from the state message plus the termination code, type, and any
// reason parameters.
func extractClusterLifecycle(payload map[string]any) *incident.Draft {
	draft := &incident.Draft{EventKind: "unexpected-termination"}

	if event := firstString(payload, "event", "event_type"); event != "" {
		draft.EventKind = event
	}

	cluster, _ := objectAt(payload, "cluster")

	draft.ResourceName = firstString(cluster, "cluster_name")
	if draft.ResourceName == "" {
		draft.ResourceName = firstString(cluster, "cluster_id")
	}

	draft.CorrelationID = firstString(cluster, "cluster_id")

	reason, _ := objectAt(cluster, "termination_reason")
	draft.RawErrorText = composeClusterErrorText(draft.EventKind, cluster, reason)

	for _, key := range []string{"state", "cluster_id"} {
		if value := firstString(cluster, key); value != "" {
			draft.Attributes = append(draft.Attributes, incident.Attribute{Name: key, Value: value})
		}
	}

	if code := firstString(reason, "code"); code != "" {
		draft.Attributes = append(draft.Attributes, incident.Attribute{Name: "termination_code", Value: code})
	}

	if reasonType := firstString(reason, "type"); reasonType != "" {
		draft.Attributes = append(draft.Attributes, incident.Attribute{Name: "termination_type", Value: reasonType})
	}

	return draft
}

// composeClusterErrorText builds the raw error text for a cluster event:
// "Cluster <event>: <state message>. Reason: <code> (<type>). Details: k=v, ...".
// Segments with no data are omitted; reason parameters are sorted by key for
// deterministic output.
func composeClusterErrorText(event string, cluster, reason map[string]any) string {
	stateMessage := firstString(cluster, "state_message")
	if stateMessage == "" {
		stateMessage = PlaceholderErrorText
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Cluster %s: %s", event, stateMessage)

	code := firstString(reason, "code")
	if code != "" {
		fmt.Fprintf(&b, ". Reason: %s", code)

		if reasonType := firstString(reason, "type"); reasonType != "" {
			fmt.Fprintf(&b, " (%s)", reasonType)
		}
	}

	if parameters, ok := objectAt(reason, "parameters"); ok && len(parameters) > 0 {
		keys := make([]string, 0, len(parameters))
		for key := range parameters {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%s", key, toString(parameters[key])))
		}

		fmt.Fprintf(&b, ". Details: %s", strings.Join(pairs, ", "))
	}

	return b.String()
}

// extractGeneric is the fallback for unrecognized sources. It copies whatever
// name/message fields exist and flags the draft so classification assigns the
// lowest priority and widest review.
func extractGeneric(payload map[string]any) *incident.Draft {
	rawErrorText := firstString(payload, "message", "error_message")
	if rawErrorText == "" {
		rawErrorText = PlaceholderErrorText
	}

	return &incident.Draft{
		EventKind:     "failure",
		ResourceName:  firstString(payload, "name", "resource_name"),
		CorrelationID: firstString(payload, "id", "resource_id", "correlation_id"),
		RawErrorText:  rawErrorText,
		Generic:       true,
	}
}
