package finding

import "fmt"

// Severity represents the severity level of a finding.
type Severity string

const (
	// SeverityCritical indicates full compromise of the agent (e.g. tool abuse, data exfiltration).
	SeverityCritical Severity = "critical"

	// SeverityHigh indicates a significant weakness (e.g. system prompt override).
	SeverityHigh Severity = "high"

	// SeverityMedium indicates a partial weakness (e.g. policy bypass under role-play).
	SeverityMedium Severity = "medium"

	// SeverityLow indicates a minor weakness (e.g. verbose error disclosure).
	SeverityLow Severity = "low"

	// SeverityInfo indicates an observation without direct security impact.
	SeverityInfo Severity = "info"
)

// severityWeights maps severity levels to numeric weights for risk calculation.
var severityWeights = map[Severity]float64{
	SeverityCritical: 10.0,
	SeverityHigh:     7.5,
	SeverityMedium:   5.0,
	SeverityLow:      2.5,
	SeverityInfo:     1.0,
}

// IsValid returns true if the severity level is valid.
func (s Severity) IsValid() bool {
	_, ok := severityWeights[s]
	return ok
}

// Weight returns the numeric weight associated with the severity level.
// Returns 0.0 for invalid severity levels.
func (s Severity) Weight() float64 {
	return severityWeights[s]
}

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// ParseSeverity converts a string into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.IsValid() {
		return "", fmt.Errorf("invalid severity: %q", s)
	}
	return sev, nil
}

// Compare returns -1, 0 or 1 when s is less, equally or more severe than other.
func (s Severity) Compare(other Severity) int {
	a, b := s.Weight(), other.Weight()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
