package orchestrator

import (
	"context"
	"time"

	"github.com/zero-day-ai/probegrid/balancer"
	"github.com/zero-day-ai/probegrid/breaker"
	"github.com/zero-day-ai/probegrid/cache"
	"github.com/zero-day-ai/probegrid/health"
	"github.com/zero-day-ai/probegrid/scaler"
	"github.com/zero-day-ai/probegrid/tenant"
	"github.com/zero-day-ai/probegrid/worker"
)

// Scan error rate thresholds for the scans health check.
const (
	scanDegradedRate  = 0.1
	scanUnhealthyRate = 0.5
)

// HealthStatus summarizes orchestrator health.
type HealthStatus struct {
	Status       health.Status `json:"status"`
	ScanCount    uint64        `json:"scan_count"`
	TaskCount    uint64        `json:"task_count"`
	ErrorCount   uint64        `json:"error_count"`
	ErrorRate    float64       `json:"error_rate"`
	PatternCount int           `json:"pattern_count"`
	OpenCircuits []string      `json:"open_circuits,omitempty"`
	Report       health.Report `json:"report"`
}

// Health combines the task error rate, node health and open circuits.
func (o *Orchestrator) Health() HealthStatus {
	o.mu.Lock()
	scans, tasks, failed := o.scans, o.tasks, o.taskErrors
	o.mu.Unlock()

	var rate float64
	if tasks > 0 {
		rate = float64(failed) / float64(tasks)
	}

	nodes := o.deps.Router.Report()
	checks := []health.Check{
		{
			Name:    "scans",
			Status:  health.FromErrorRate(rate, scanDegradedRate, scanUnhealthyRate),
			Message: "task error rate",
			Details: map[string]any{"error_rate": rate},
		},
		{Name: "nodes", Status: nodes.Status, Message: nodes.Message, Details: nodes.Details},
	}

	var open []string
	if o.deps.Breakers != nil {
		open = o.deps.Breakers.Open()
		circuits := health.Check{Name: "circuits", Status: health.StatusHealthy, Message: "all circuits closed"}
		if len(open) > 0 {
			circuits.Status = health.StatusDegraded
			circuits.Message = "open circuits present"
			circuits.Details = map[string]any{"open": open}
		}
		checks = append(checks, circuits)
	}

	report := health.Combine(checks...)
	return HealthStatus{
		Status:       report.Status,
		ScanCount:    scans,
		TaskCount:    tasks,
		ErrorCount:   failed,
		ErrorRate:    rate,
		PatternCount: o.deps.Catalog.Len(),
		OpenCircuits: open,
		Report:       report,
	}
}

// PerformanceReport is a point-in-time view of every component.
type PerformanceReport struct {
	GeneratedAt     time.Time                           `json:"generated_at"`
	Scans           uint64                              `json:"scans"`
	CacheHits       uint64                              `json:"cache_hits"`
	AvgScanDuration time.Duration                       `json:"avg_scan_duration"`
	Concurrency     int                                 `json:"concurrency"`
	Cache           *cache.Stats                        `json:"cache,omitempty"`
	Workers         []worker.Stats                      `json:"workers"`
	Nodes           []balancer.NodeStats                `json:"nodes"`
	Instances       int                                 `json:"instances,omitempty"`
	ScalingHistory  []scaler.Event                      `json:"scaling_history,omitempty"`
	Forecasts       map[scaler.Metric]scaler.Prediction `json:"forecasts,omitempty"`
	Circuits        map[string]breaker.Counts           `json:"circuits,omitempty"`
	TenantShares    map[string]float64                  `json:"tenant_shares,omitempty"`
	QuotaViolations []tenant.Violation                  `json:"quota_violations,omitempty"`
}

// PerformanceReport collects statistics from every configured component.
func (o *Orchestrator) PerformanceReport() PerformanceReport {
	o.mu.Lock()
	rep := PerformanceReport{
		GeneratedAt: o.opts.Now(),
		Scans:       o.scans,
		CacheHits:   o.cacheHits,
	}
	if o.scans > 0 {
		rep.AvgScanDuration = o.scanDuration / time.Duration(o.scans)
	}
	o.mu.Unlock()

	rep.Concurrency = o.Concurrency()
	rep.Workers = o.deps.Workers.Stats()
	rep.Nodes = o.deps.Router.Nodes()

	if o.deps.Cache != nil {
		stats := o.deps.Cache.Stats()
		rep.Cache = &stats
	}
	if o.deps.Scaler != nil {
		rep.Instances = o.deps.Scaler.Current()
		rep.ScalingHistory = o.deps.Scaler.History()
		rep.Forecasts = make(map[scaler.Metric]scaler.Prediction)
		for _, p := range o.deps.Scaler.Policies() {
			if _, ok := rep.Forecasts[p.Metric]; ok {
				continue
			}
			rep.Forecasts[p.Metric] = o.deps.Scaler.Forecast(p.Metric, o.opts.ForecastHorizon)
		}
	}
	if o.deps.Breakers != nil {
		rep.Circuits = o.deps.Breakers.Snapshot()
	}
	if o.deps.Tenants != nil {
		rep.TenantShares = o.deps.Tenants.FairShare()
		rep.QuotaViolations = o.deps.Tenants.Violations()
	}
	return rep
}

// Metrics reports the scaler inputs: queue length, recent error rate and
// latency, and host CPU and memory when a sampler is configured. A failed
// host sample is logged and leaves cpu and memory out of the snapshot.
// It implements scaler.Source.
func (o *Orchestrator) Metrics(ctx context.Context) (scaler.Metrics, error) {
	rate, latency := o.recentStats()
	m := scaler.Metrics{
		scaler.MetricQueueLength:  float64(o.inflight.Load()),
		scaler.MetricErrorRate:    rate,
		scaler.MetricResponseTime: float64(latency.Microseconds()) / 1000,
	}
	if o.deps.Sampler == nil {
		return m, nil
	}
	snap, err := o.deps.Sampler.Sample(ctx)
	if err != nil {
		o.logger.Warn("host sample unavailable, reporting without cpu and memory", "error", err)
		return m, nil
	}
	m[scaler.MetricCPU] = snap.CPUPercent
	m[scaler.MetricMemory] = snap.MemoryPercent
	return m, nil
}

var _ scaler.Source = (*Orchestrator)(nil)
