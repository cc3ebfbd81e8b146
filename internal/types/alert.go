package types

import "time"

// Severity ranks alerts and anomalies.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Alert is an actionable notice for an operator. Alerts are never deleted;
// they are acknowledged and resolved.
type Alert struct {
	ID       string
	Node     string
	Category string
	Severity Severity
	Title    string
	Message  string
	Metadata map[string]any

	CreatedAt      time.Time
	Acknowledged   bool
	AcknowledgedAt *time.Time
	Resolved       bool
	ResolvedAt     *time.Time
}

// Active reports whether the alert is still unresolved.
func (a *Alert) Active() bool {
	return !a.Resolved
}
