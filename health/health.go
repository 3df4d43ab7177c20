package health

import (
	"fmt"
	"sort"
)

// Status is the operational state of a component.
type Status string

const (
	// StatusHealthy indicates the component is fully operational.
	StatusHealthy Status = "healthy"

	// StatusDegraded indicates the component is operational but experiencing issues.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy indicates the component is not operational.
	StatusUnhealthy Status = "unhealthy"

	// StatusMaintenance indicates the component was taken out of rotation on purpose.
	StatusMaintenance Status = "maintenance"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusUnhealthy, StatusMaintenance:
		return true
	default:
		return false
	}
}

// severity orders statuses for Combine; higher is worse.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusMaintenance:
		return 2
	default:
		return 3
	}
}

// Check is the result of one named component check.
type Check struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Report is the aggregated status of several checks.
type Report struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Checks  []Check        `json:"checks,omitempty"`
}

// IsHealthy returns true if the status is StatusHealthy.
func (r Report) IsHealthy() bool { return r.Status == StatusHealthy }

// IsDegraded returns true if the status is StatusDegraded.
func (r Report) IsDegraded() bool { return r.Status == StatusDegraded }

// IsUnhealthy returns true if the status is StatusUnhealthy.
func (r Report) IsUnhealthy() bool { return r.Status == StatusUnhealthy }

// Combine aggregates checks into a single report. The worst status wins:
// any unhealthy check makes the report unhealthy, then maintenance, then degraded.
// Checks without a recognized status count as unhealthy.
func Combine(checks ...Check) Report {
	if len(checks) == 0 {
		return Report{Status: StatusHealthy, Message: "no checks provided"}
	}

	worst := StatusHealthy
	counts := make(map[Status]int)
	var failing []string

	for _, c := range checks {
		status := c.Status
		if !status.IsValid() {
			status = StatusUnhealthy
		}
		counts[status]++
		if status.severity() > worst.severity() {
			worst = status
		}
		if status != StatusHealthy {
			name := c.Name
			if name == "" {
				name = "unnamed check"
			}
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	report := Report{
		Status: worst,
		Checks: checks,
		Details: map[string]any{
			"total":       len(checks),
			"healthy":     counts[StatusHealthy],
			"degraded":    counts[StatusDegraded],
			"unhealthy":   counts[StatusUnhealthy],
			"maintenance": counts[StatusMaintenance],
		},
	}

	if worst == StatusHealthy {
		report.Message = fmt.Sprintf("all %d check(s) passed", len(checks))
	} else {
		report.Message = fmt.Sprintf("%d check(s) not healthy", len(failing))
		report.Details["failing_checks"] = failing
	}
	return report
}

// FromErrorRate maps an error rate to a status: at or above unhealthyAt is
// unhealthy, at or above degradedAt is degraded, anything lower is healthy.
func FromErrorRate(rate, degradedAt, unhealthyAt float64) Status {
	switch {
	case rate >= unhealthyAt:
		return StatusUnhealthy
	case rate >= degradedAt:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
