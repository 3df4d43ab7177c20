package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombine(t *testing.T) {
	tests := []struct {
		name   string
		checks []Check
		want   Status
	}{
		{name: "no checks", checks: nil, want: StatusHealthy},
		{
			name:   "all healthy",
			checks: []Check{{Name: "a", Status: StatusHealthy}, {Name: "b", Status: StatusHealthy}},
			want:   StatusHealthy,
		},
		{
			name:   "one degraded",
			checks: []Check{{Name: "a", Status: StatusHealthy}, {Name: "b", Status: StatusDegraded}},
			want:   StatusDegraded,
		},
		{
			name:   "maintenance beats degraded",
			checks: []Check{{Name: "a", Status: StatusMaintenance}, {Name: "b", Status: StatusDegraded}},
			want:   StatusMaintenance,
		},
		{
			name:   "unhealthy wins",
			checks: []Check{{Name: "a", Status: StatusUnhealthy}, {Name: "b", Status: StatusMaintenance}},
			want:   StatusUnhealthy,
		},
		{
			name:   "unknown status counts as unhealthy",
			checks: []Check{{Name: "a", Status: "weird"}},
			want:   StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Combine(tt.checks...).Status)
		})
	}
}

func TestCombineDetails(t *testing.T) {
	r := Combine(
		Check{Name: "cache", Status: StatusHealthy},
		Check{Name: "nodes", Status: StatusDegraded},
		Check{Status: StatusUnhealthy},
	)

	assert.True(t, r.IsUnhealthy())
	assert.Equal(t, "2 check(s) not healthy", r.Message)
	assert.Equal(t, []string{"nodes", "unnamed check"}, r.Details["failing_checks"])
	assert.Equal(t, 3, r.Details["total"])
}

func TestFromErrorRate(t *testing.T) {
	assert.Equal(t, StatusHealthy, FromErrorRate(0.05, 0.1, 0.5))
	assert.Equal(t, StatusDegraded, FromErrorRate(0.1, 0.1, 0.5))
	assert.Equal(t, StatusUnhealthy, FromErrorRate(0.7, 0.1, 0.5))
}
