package classify

import (
	"strings"
	"time"

	"github.com/incidentd-io/incidentd/internal/incident"
)

type (
	// Result carries everything classification derives for one draft.
	Result struct {
		Severity     incident.Severity
		Priority     incident.Priority
		SLADeadline  time.Time
		OwnerTeam    string
		OwnerContact string
		CostCenter   string
	}

	// Engine classifies drafts. Pure and deterministic: identical inputs
	// always yield identical outputs. Thread-safe for concurrent use
	// (immutable after construction).
	Engine struct {
		cfg *Config
	}
)

// severityPriorities is the fixed severity-to-priority table.
var severityPriorities = map[incident.Severity]incident.Priority{
	incident.SeverityCritical: incident.PriorityP1,
	incident.SeverityHigh:     incident.PriorityP2,
	incident.SeverityMedium:   incident.PriorityP3,
	incident.SeverityLow:      incident.PriorityP4,
}

// slaWindows is the fixed priority-to-acknowledgment-window table.
var slaWindows = map[incident.Priority]time.Duration{
	incident.PriorityP1: time.Hour,
	incident.PriorityP2: 4 * time.Hour,
	incident.PriorityP3: 24 * time.Hour,
	incident.PriorityP4: 72 * time.Hour,
}

// NewEngine creates a classification engine with the given routing config.
// A nil config falls back to the built-in defaults.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Engine{cfg: cfg}
}

// Classify derives severity, priority, SLA deadline, and ownership for a
// draft. The analysis-provided severity is authoritative when present;
// otherwise a metadata-derived default applies. Generic drafts always get
// the lowest priority regardless of reported severity, so unrecognized
// sources receive the widest review rather than paging anyone.
//
// now is passed in rather than read from the clock so the function stays
// deterministic for identical inputs.
func (e *Engine) Classify(draft *incident.Draft, rca incident.RCAResult, now time.Time) Result {
	severity := e.severityFor(draft, rca)
	priority := severityPriorities[severity]

	if draft.Generic {
		priority = incident.PriorityP4
	}

	owner := e.ownerFor(draft.ResourceName)

	return Result{
		Severity:     severity,
		Priority:     priority,
		SLADeadline:  now.Add(slaWindows[priority]),
		OwnerTeam:    owner.Team,
		OwnerContact: owner.contact(),
		CostCenter:   owner.CostCenter,
	}
}

// severityFor resolves severity precedence: the analysis result wins when it
// reports a known severity, generic drafts default to Low, and everything
// else defaults to Medium.
func (e *Engine) severityFor(draft *incident.Draft, rca incident.RCAResult) incident.Severity {
	if _, known := severityPriorities[rca.Severity]; known {
		return rca.Severity
	}

	if draft.Generic {
		return incident.SeverityLow
	}

	return incident.SeverityMedium
}

// ownerFor matches the resource name against the routing rules,
// case-insensitively, first match wins. Unmatched resources get the
// configured default owner.
func (e *Engine) ownerFor(resourceName string) Owner {
	name := strings.ToLower(resourceName)

	for _, rule := range e.cfg.Rules {
		if rule.Pattern == "" {
			continue
		}

		if strings.Contains(name, strings.ToLower(rule.Pattern)) {
			return rule.Owner
		}
	}

	return e.cfg.Default
}

// SLAWindow returns the acknowledgment window for a priority. Exposed for
// summary reporting.
func SLAWindow(priority incident.Priority) time.Duration {
	return slaWindows[priority]
}
