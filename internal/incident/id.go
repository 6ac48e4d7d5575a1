package incident

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// idTimestampLayout keeps generated ids lexically sortable within a prefix.
const idTimestampLayout = "20060102T150405"

// idPrefixes maps each source kind to its ticket id prefix.
var idPrefixes = map[SourceKind]string{
	SourcePipelineRun:      "PIPE",
	SourceJobRun:           "JOB",
	SourceClusterLifecycle: "CLS",
	SourceGeneric:          "GEN",
}

// NewID generates an incident id of the form
// "PIPE-20260115T093045-a1b2c3": source prefix, UTC creation timestamp,
// and a 6-character random suffix to disambiguate same-second creations.
// Unknown source kinds get the generic prefix.
func NewID(source SourceKind, createdAt time.Time) string {
	prefix, ok := idPrefixes[source]
	if !ok {
		prefix = idPrefixes[SourceGeneric]
	}

	u := uuid.New()
	suffix := hex.EncodeToString(u[:3])

	return fmt.Sprintf("%s-%s-%s", prefix, createdAt.UTC().Format(idTimestampLayout), suffix)
}
