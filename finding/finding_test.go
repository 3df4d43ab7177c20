package finding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	f := New("prompt-injection", "bot-1", "Override accepted", SeverityHigh)

	assert.NotEmpty(t, f.ID)
	assert.Equal(t, 1.0, f.Confidence)
	assert.False(t, f.CreatedAt.IsZero())
	require.NoError(t, f.Validate())
}

func TestValidate(t *testing.T) {
	base := New("p", "t", "title", SeverityLow)

	tests := []struct {
		name   string
		mutate func(*Finding)
	}{
		{name: "missing id", mutate: func(f *Finding) { f.ID = "" }},
		{name: "missing probe", mutate: func(f *Finding) { f.Probe = "" }},
		{name: "missing target", mutate: func(f *Finding) { f.TargetID = "" }},
		{name: "missing title", mutate: func(f *Finding) { f.Title = "" }},
		{name: "bad severity", mutate: func(f *Finding) { f.Severity = "urgent" }},
		{name: "confidence too high", mutate: func(f *Finding) { f.Confidence = 1.5 }},
		{name: "negative confidence", mutate: func(f *Finding) { f.Confidence = -0.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			tt.mutate(&f)
			assert.Error(t, f.Validate())
		})
	}
}

func TestSeverity(t *testing.T) {
	s, err := ParseSeverity("critical")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, s)

	_, err = ParseSeverity("urgent")
	assert.Error(t, err)

	assert.Equal(t, 1, SeverityHigh.Compare(SeverityMedium))
	assert.Equal(t, -1, SeverityInfo.Compare(SeverityLow))
	assert.Equal(t, 0, SeverityLow.Compare(SeverityLow))
	assert.Zero(t, Severity("bogus").Weight())
}

func TestRiskScoreAndMaxSeverity(t *testing.T) {
	a := New("p1", "t", "a", SeverityMedium)
	a.Confidence = 0.5
	b := New("p2", "t", "b", SeverityCritical)

	assert.InDelta(t, 2.5, a.RiskScore(), 1e-9)
	assert.Equal(t, SeverityCritical, MaxSeverity([]Finding{a, b}))
	assert.Equal(t, Severity(""), MaxSeverity(nil))
}
