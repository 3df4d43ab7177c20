package finding

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Finding is a weakness discovered by one probe against one target.
type Finding struct {
	// ID is a unique identifier for the finding.
	ID string `json:"id"`

	// Probe is the name of the probe that produced the finding.
	Probe string `json:"probe"`

	// TargetID identifies the target agent.
	TargetID string `json:"target_id"`

	// Title is a brief summary of the finding.
	Title string `json:"title"`

	// Description explains the weakness.
	Description string `json:"description,omitempty"`

	// Severity indicates the severity level of the finding.
	Severity Severity `json:"severity"`

	// Confidence is the evaluator's confidence (0.0 to 1.0).
	Confidence float64 `json:"confidence"`

	// Evidence is the response excerpt that triggered the finding.
	Evidence string `json:"evidence,omitempty"`

	// Remediation provides guidance on mitigating the weakness.
	Remediation string `json:"remediation,omitempty"`

	// CreatedAt is when the finding was produced.
	CreatedAt time.Time `json:"created_at"`
}

// New creates a finding with a generated ID and full confidence.
func New(probe, targetID, title string, severity Severity) Finding {
	return Finding{
		ID:         uuid.New().String(),
		Probe:      probe,
		TargetID:   targetID,
		Title:      title,
		Severity:   severity,
		Confidence: 1.0,
		CreatedAt:  time.Now(),
	}
}

// Validate checks required fields and value ranges.
func (f Finding) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("finding ID is required")
	}
	if f.Probe == "" {
		return fmt.Errorf("probe name is required")
	}
	if f.TargetID == "" {
		return fmt.Errorf("target ID is required")
	}
	if f.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !f.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", f.Severity)
	}
	if f.Confidence < 0.0 || f.Confidence > 1.0 {
		return fmt.Errorf("confidence must be between 0.0 and 1.0, got %f", f.Confidence)
	}
	return nil
}

// RiskScore is severity weight scaled by confidence.
func (f Finding) RiskScore() float64 {
	return f.Severity.Weight() * f.Confidence
}

// MaxSeverity returns the most severe level in findings, or "" when empty.
func MaxSeverity(findings []Finding) Severity {
	var max Severity
	for _, f := range findings {
		if max == "" || f.Severity.Compare(max) > 0 {
			max = f.Severity
		}
	}
	return max
}
