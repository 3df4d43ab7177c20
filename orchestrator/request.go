package orchestrator

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/zero-day-ai/probegrid/finding"
	"github.com/zero-day-ai/probegrid/probe"
	"github.com/zero-day-ai/probegrid/scanerr"
	"github.com/zero-day-ai/probegrid/target"
	"github.com/zero-day-ai/probegrid/worker"
)

var (
	// ErrUnknownProbe is returned for probe names missing from the catalog.
	ErrUnknownProbe = errors.New("unknown probe")

	// ErrQuotaExceeded is returned when the tenant quota denies a scan.
	ErrQuotaExceeded = errors.New("tenant quota exceeded")

	// ErrNoWorker is returned when the balancer selects a node with no
	// local worker.
	ErrNoWorker = errors.New("no worker for selected node")
)

// ScanRequest asks for a set of probes to be run against one target.
type ScanRequest struct {
	// Target is the agent under test.
	Target target.Agent `validate:"required"`

	// Probes are catalog names; order is kept in the result.
	Probes []string `validate:"required,min=1,unique,dive,required"`

	// Concurrency caps parallel probes for this request. Zero uses the
	// configured maximum, which also bounds any larger value.
	Concurrency int `validate:"gte=0"`

	// Timeout is the per-probe budget. Zero uses the configured default.
	Timeout time.Duration `validate:"gte=0"`

	// SkipCache bypasses both cache lookup and cache write.
	SkipCache bool

	// TenantID selects the quota to charge. Empty skips quota enforcement.
	TenantID string

	// CPUPercent and MemoryMB are the resources charged to the tenant while
	// the scan runs.
	CPUPercent float64 `validate:"gte=0"`
	MemoryMB   int     `validate:"gte=0"`
}

// ScanResult aggregates the outcome of a ScanRequest.
type ScanResult struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
	TenantID string `json:"tenant_id,omitempty"`

	Findings []finding.Finding `json:"findings"`
	Severity finding.Severity  `json:"severity,omitempty"`

	// TasksExecuted counts probes that completed; TotalTests counts probes
	// requested.
	TasksExecuted int `json:"tasks_executed"`
	TotalTests    int `json:"total_tests"`
	ErrorCount    int `json:"error_count"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Degraded is set when any probe failed.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`

	CacheHit bool `json:"cache_hit,omitempty"`

	Tasks []worker.Outcome `json:"tasks,omitempty"`
}

// Clean reports whether the scan found nothing.
func (r ScanResult) Clean() bool {
	return len(r.Findings) == 0
}

// Clone returns a copy of r that shares no slices or findings with it.
// Cached results are cloned on the way in and on the way out.
func (r ScanResult) Clone() ScanResult {
	r.Findings = slices.Clone(r.Findings)
	if r.Tasks != nil {
		tasks := make([]worker.Outcome, len(r.Tasks))
		for i, t := range r.Tasks {
			tasks[i] = t.Clone()
		}
		r.Tasks = tasks
	}
	return r
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// resolve validates req and looks up its probes in order.
func resolve(req ScanRequest, catalog probe.Catalog) ([]probe.Probe, error) {
	const op = "orchestrator.Submit"

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, scanerr.Wrap(op, scanerr.KindValidation, err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return nil, scanerr.New(op, scanerr.KindValidation, strings.Join(msgs, "; "))
	}

	if req.Target.Config().ID == "" {
		return nil, scanerr.New(op, scanerr.KindValidation, "target id is required")
	}

	probes := make([]probe.Probe, 0, len(req.Probes))
	var missing []string
	for _, name := range req.Probes {
		p, ok := catalog.Lookup(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		probes = append(probes, p)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, scanerr.Wrap(op, scanerr.KindValidation, ErrUnknownProbe).
			WithDetails(map[string]any{"probes": missing})
	}
	return probes, nil
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "ScanRequest.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s needs at least %s entry", field, fe.Param())
	case "unique":
		return fmt.Sprintf("%s must not repeat names", field)
	case "gte":
		return fmt.Sprintf("%s must not be negative", field)
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// targetFingerprint is the config part of a cache key.
func targetFingerprint(c target.Config) map[string]any {
	m := map[string]any{
		"id":       c.ID,
		"name":     c.Name,
		"type":     c.Type,
		"provider": c.Provider,
		"endpoint": c.Endpoint,
	}
	if len(c.Params) > 0 {
		m["params"] = c.Params
	}
	return m
}

// degradedReason summarizes failed tasks by kind, e.g.
// "2 of 5 probes failed (network: 1, rate_limit: 1)".
func degradedReason(failed, total int, kinds map[scanerr.Kind]int) string {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, string(k))
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s: %d", k, kinds[scanerr.Kind(k)]))
	}
	return fmt.Sprintf("%d of %d probes failed (%s)", failed, total, strings.Join(parts, ", "))
}
