package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments are the scan metrics recorded through OpenTelemetry.
type instruments struct {
	scanDuration metric.Float64Histogram
	scanCount    metric.Int64Counter
	taskErrors   metric.Int64Counter
	cacheHits    metric.Int64Counter
	inflight     metric.Int64UpDownCounter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)

	in.scanDuration, err = m.Float64Histogram(
		"probegrid.scan.duration",
		metric.WithDescription("Scan duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan duration histogram: %w", err)
	}

	in.scanCount, err = m.Int64Counter(
		"probegrid.scan.count",
		metric.WithDescription("Number of scans submitted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan counter: %w", err)
	}

	in.taskErrors, err = m.Int64Counter(
		"probegrid.task.errors",
		metric.WithDescription("Number of failed probe tasks by error kind"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create task error counter: %w", err)
	}

	in.cacheHits, err = m.Int64Counter(
		"probegrid.cache.hits",
		metric.WithDescription("Number of scans served from the result cache"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hit counter: %w", err)
	}

	in.inflight, err = m.Int64UpDownCounter(
		"probegrid.tasks.inflight",
		metric.WithDescription("Probe tasks waiting or running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inflight counter: %w", err)
	}

	return &in, nil
}

func (in *instruments) recordScan(ctx context.Context, res ScanResult) {
	opts := metric.WithAttributes(
		attribute.Bool("cache_hit", res.CacheHit),
		attribute.Bool("degraded", res.Degraded),
	)
	in.scanCount.Add(ctx, 1, opts)
	in.scanDuration.Record(ctx, float64(res.Duration.Microseconds())/1000, opts)
	if res.CacheHit {
		in.cacheHits.Add(ctx, 1)
	}
}
