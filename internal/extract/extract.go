// Package extract maps raw, source-specific webhook payloads to normalized
// incident drafts. Each source kind has one adapter; dispatch is by tag, and
// new sources are added by registering a new variant.
//
// Adapters never fail on missing optional fields. Every field lookup degrades
// through an ordered list of fallback locations, ending in a fixed placeholder
// when nothing is found. Extraction fails hard only when no usable correlation
// identifier exists at all.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/incidentd-io/incidentd/internal/incident"
)

// PlaceholderErrorText is used when no error description can be located
// anywhere in the payload.
const PlaceholderErrorText = "No detailed error message available."

// Extraction errors.
var (
	// ErrUnparseablePayload is returned when the payload is not a JSON object.
	ErrUnparseablePayload = errors.New("unparseable payload")
)

// Error wraps an extraction failure with the source kind that produced it.
// Callers surface it to the webhook sender as a non-success response; it is
// never retried internally.
type Error struct {
	Source incident.SourceKind
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("extraction failed for source %q: %v", e.Source, e.Err)
}

// Unwrap returns the underlying cause, enabling errors.Is checks against
// ErrUnparseablePayload and incident.ErrMissingCorrelationID.
func (e *Error) Unwrap() error {
	return e.Err
}

// adapter maps a decoded payload to a draft. Adapters populate every field
// they can and leave validation to Extract.
type adapter func(payload map[string]any) *incident.Draft

// adapters is the variant table. Unrecognized source kinds fall through to
// the generic adapter in Extract.
var adapters = map[incident.SourceKind]adapter{
	incident.SourcePipelineRun:      extractPipelineRun,
	incident.SourceJobRun:           extractJobRun,
	incident.SourceClusterLifecycle: extractClusterLifecycle,
	incident.SourceGeneric:          extractGeneric,
}

// Extract normalizes a raw payload into an incident draft.
//
// Returns an *Error wrapping ErrUnparseablePayload when the payload is not a
// JSON object, or wrapping incident.ErrMissingCorrelationID when no usable
// correlation identifier could be located by any fallback.
func Extract(source incident.SourceKind, rawPayload []byte) (*incident.Draft, error) {
	decoder := json.NewDecoder(bytes.NewReader(rawPayload))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return nil, &Error{Source: source, Err: fmt.Errorf("%w: %w", ErrUnparseablePayload, err)}
	}

	fn, ok := adapters[source]
	if !ok {
		fn = extractGeneric
	}

	draft := fn(payload)
	draft.SourceKind = source

	if !ok {
		// Unknown kinds are handled by the generic adapter and flagged so
		// classification assigns lowest priority.
		draft.SourceKind = incident.SourceGeneric
		draft.Generic = true
	}

	if err := draft.Validate(); err != nil {
		return nil, &Error{Source: source, Err: err}
	}

	return draft, nil
}

// objectAt walks nested JSON objects by key and returns the object at the end
// of the path, or false if any step is missing or not an object.
func objectAt(payload map[string]any, path ...string) (map[string]any, bool) {
	current := payload

	for _, key := range path {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil, false
		}

		current = next
	}

	return current, true
}

// arrayAt returns the array stored under key, or false.
func arrayAt(payload map[string]any, key string) ([]any, bool) {
	arr, ok := payload[key].([]any)

	return arr, ok
}

// firstString returns the first non-empty string value among the given keys.
func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := toString(payload[key]); s != "" {
			return s
		}
	}

	return ""
}

// toString renders scalar JSON values as strings. Numbers keep their source
// representation (job run ids arrive as large integers). Objects, arrays and
// null render as empty.
func toString(v any) string {
	switch value := v.(type) {
	case string:
		return value
	case json.Number:
		return value.String()
	case bool:
		return fmt.Sprintf("%t", value)
	default:
		return ""
	}
}
