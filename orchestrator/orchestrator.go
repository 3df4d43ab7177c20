package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zero-day-ai/probegrid/balancer"
	"github.com/zero-day-ai/probegrid/breaker"
	"github.com/zero-day-ai/probegrid/cache"
	"github.com/zero-day-ai/probegrid/events"
	"github.com/zero-day-ai/probegrid/finding"
	"github.com/zero-day-ai/probegrid/health"
	"github.com/zero-day-ai/probegrid/probe"
	"github.com/zero-day-ai/probegrid/scaler"
	"github.com/zero-day-ai/probegrid/scanerr"
	"github.com/zero-day-ai/probegrid/sysmetrics"
	"github.com/zero-day-ai/probegrid/target"
	"github.com/zero-day-ai/probegrid/tenant"
	"github.com/zero-day-ai/probegrid/worker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

// Router selects worker nodes. *balancer.Balancer implements it.
type Router interface {
	SelectNode(ctx context.Context) (balancer.NodeStats, error)
	Complete(id string, success bool, latency time.Duration) error
	Abort(id string) error
	Nodes() []balancer.NodeStats
	EvaluateHealth() map[string]health.Status
	Report() health.Report
}

// ProgressFunc receives the completed and total task counts. It is called
// from a single goroutine; done increases by one per call and reaches total
// exactly once.
type ProgressFunc func(done, total int)

// Deps are the collaborators an Orchestrator drives. Catalog, Router and
// Workers are required.
type Deps struct {
	Catalog probe.Catalog
	Router  Router
	Workers *worker.Set

	Cache     *cache.Cache[ScanResult]
	Tenants   *tenant.Manager
	Breakers  *breaker.Manager
	Scaler    *scaler.Scaler
	Sampler   sysmetrics.Sampler
	Publisher events.Publisher

	Tracer trace.Tracer
	Meter  metric.Meter
	Logger *slog.Logger
}

// Options tune scan execution.
type Options struct {
	// MaxConcurrency caps parallel probes per scan. Default: 10
	MaxConcurrency int

	// MaxAgentConcurrency caps agent calls in flight across all scans.
	// Default: 5
	MaxAgentConcurrency int

	// TaskTimeout is the per-probe budget. Default: 30s
	TaskTimeout time.Duration

	// AcquireTimeout bounds the wait for a worker slot. Default: 10s
	AcquireTimeout time.Duration

	// OptimizeEvery runs an optimizer pass after this many scans. Default: 100
	OptimizeEvery int

	// TTLClean and TTLWithFindings are the cache lifetimes of results
	// without and with findings. Defaults: 24h and 1h
	TTLClean        time.Duration
	TTLWithFindings time.Duration

	// TimeBucket is folded into cache fingerprints. Zero disables it.
	TimeBucket time.Duration

	// BatchMinConcurrency and BatchMaxConcurrency bound SubmitBatch waves.
	// Defaults: 1 and 8
	BatchMinConcurrency int
	BatchMaxConcurrency int

	// ForecastHorizon is the number of samples PerformanceReport projects
	// ahead. Default: 5
	ForecastHorizon int

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 10
	}
	if o.MaxAgentConcurrency <= 0 {
		o.MaxAgentConcurrency = 5
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 30 * time.Second
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 10 * time.Second
	}
	if o.OptimizeEvery <= 0 {
		o.OptimizeEvery = 100
	}
	if o.TTLClean <= 0 {
		o.TTLClean = 24 * time.Hour
	}
	if o.TTLWithFindings <= 0 {
		o.TTLWithFindings = time.Hour
	}
	if o.BatchMinConcurrency <= 0 {
		o.BatchMinConcurrency = 1
	}
	if o.BatchMaxConcurrency <= 0 {
		o.BatchMaxConcurrency = 8
	}
	if o.BatchMaxConcurrency < o.BatchMinConcurrency {
		o.BatchMaxConcurrency = o.BatchMinConcurrency
	}
	if o.ForecastHorizon <= 0 {
		o.ForecastHorizon = 5
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

const recentWindow = 100

type taskSample struct {
	ok      bool
	latency time.Duration
}

// Orchestrator runs scans. It is safe for concurrent use.
type Orchestrator struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer
	instr  *instruments
	logger *slog.Logger

	agentSem *semaphore.Weighted

	// effective is the per-scan concurrency cap after optimizer adjustment.
	effective atomic.Int64
	inflight  atomic.Int64

	mu           sync.Mutex
	scans        uint64
	cacheHits    uint64
	tasks        uint64
	taskErrors   uint64
	scanDuration time.Duration
	recent       []taskSample
	recentNext   int
}

// New creates an orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	const op = "orchestrator.New"
	switch {
	case deps.Catalog == nil:
		return nil, scanerr.New(op, scanerr.KindValidation, "probe catalog is required")
	case deps.Router == nil:
		return nil, scanerr.New(op, scanerr.KindValidation, "router is required")
	case deps.Workers == nil:
		return nil, scanerr.New(op, scanerr.KindValidation, "worker set is required")
	}

	opts = opts.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = tracenoop.NewTracerProvider().Tracer("probegrid")
	}
	if deps.Meter == nil {
		deps.Meter = metricnoop.NewMeterProvider().Meter("probegrid")
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}

	instr, err := newInstruments(deps.Meter)
	if err != nil {
		return nil, scanerr.Wrap(op, scanerr.KindSystem, err)
	}

	o := &Orchestrator{
		deps:     deps,
		opts:     opts,
		tracer:   deps.Tracer,
		instr:    instr,
		logger:   deps.Logger.With("component", "orchestrator"),
		agentSem: semaphore.NewWeighted(int64(opts.MaxAgentConcurrency)),
	}
	o.effective.Store(int64(opts.MaxConcurrency))
	return o, nil
}

// Submit runs req and returns the aggregated result.
func (o *Orchestrator) Submit(ctx context.Context, req ScanRequest) (ScanResult, error) {
	return o.SubmitWithProgress(ctx, req, nil)
}

// SubmitWithProgress runs req, reporting task completion through progress.
// A cache hit reports total/total once.
func (o *Orchestrator) SubmitWithProgress(ctx context.Context, req ScanRequest, progress ProgressFunc) (ScanResult, error) {
	start := o.opts.Now()
	ctx, span := o.tracer.Start(ctx, "probegrid.scan")
	defer span.End()

	probes, err := resolve(req, o.deps.Catalog)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return ScanResult{}, err
	}

	cfg := req.Target.Config()
	logger := o.logger.With("target_id", cfg.ID, "tenant_id", req.TenantID)
	span.SetAttributes(
		attribute.String("target.id", cfg.ID),
		attribute.String("tenant.id", req.TenantID),
		attribute.Int("scan.probes", len(probes)),
	)

	useCache := o.deps.Cache != nil && !req.SkipCache
	var key string
	if useCache {
		key = cache.Fingerprint(targetFingerprint(cfg), req.Probes, o.opts.TimeBucket, start)
		if hit, ok := o.deps.Cache.Get(ctx, key); ok {
			cached := hit.Clone()
			cached.CacheHit = true
			cached.TenantID = req.TenantID
			if progress != nil {
				progress(cached.TotalTests, cached.TotalTests)
			}
			span.SetAttributes(attribute.Bool("scan.cache_hit", true))
			o.finish(ctx, cached, logger)
			return cached, nil
		}
	}

	if o.deps.Tenants != nil && req.TenantID != "" {
		treq := tenant.Request{Scans: 1, CPUPercent: req.CPUPercent, MemoryMB: req.MemoryMB}
		if ok, reasons := o.deps.Tenants.Allocate(req.TenantID, treq); !ok {
			err := scanerr.Wrap("orchestrator.Submit", scanerr.KindRateLimit, ErrQuotaExceeded).
				WithDetails(map[string]any{"tenant_id": req.TenantID, "reasons": reasons})
			span.RecordError(err)
			span.SetStatus(codes.Error, "quota exceeded")
			return ScanResult{}, err
		}
		defer func() {
			if err := o.deps.Tenants.Release(req.TenantID, treq); err != nil {
				logger.Warn("failed to release tenant quota", "error", err)
			}
		}()
	}

	limit := o.concurrencyFor(req, len(probes))
	if o.deps.Tenants != nil && req.TenantID != "" {
		limit = o.deps.Tenants.ReserveTasks(req.TenantID, limit)
		defer func(n int) {
			if err := o.deps.Tenants.ReleaseTasks(req.TenantID, n); err != nil {
				logger.Warn("failed to release tenant task slots", "error", err)
			}
		}(limit)
	}
	span.SetAttributes(attribute.Int("scan.concurrency", limit))
	logger.Debug("scan started", "probes", len(probes), "concurrency", limit)

	outcomes := o.runTasks(ctx, req, probes, limit, progress)
	res := o.aggregate(cfg.ID, req.TenantID, start, outcomes)

	if res.TasksExecuted == 0 {
		if err := capacityError(outcomes); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "no execution capacity")
			o.finish(ctx, res, logger)
			return res, err
		}
	}

	if useCache && res.ErrorCount == 0 {
		ttl := o.opts.TTLClean
		if !res.Clean() {
			ttl = o.opts.TTLWithFindings
		}
		o.deps.Cache.Set(ctx, key, res.Clone(), ttl)
	}

	if res.Degraded {
		span.SetStatus(codes.Error, res.DegradedReason)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("scan.findings", len(res.Findings)),
		attribute.Int("scan.errors", res.ErrorCount),
	)
	o.finish(ctx, res, logger)
	return res, nil
}

// concurrencyFor returns min(request, effective max, probes). The tenant's
// remaining task budget is applied on top by ReserveTasks.
func (o *Orchestrator) concurrencyFor(req ScanRequest, probes int) int {
	limit := int(o.effective.Load())
	if req.Concurrency > 0 {
		limit = min(limit, req.Concurrency)
	}
	return max(1, min(limit, probes))
}

// runTasks runs one task per probe and returns outcomes in probe order.
func (o *Orchestrator) runTasks(ctx context.Context, req ScanRequest, probes []probe.Probe, limit int, progress ProgressFunc) []worker.Outcome {
	type indexed struct {
		i   int
		out worker.Outcome
	}

	targetID := req.Target.Config().ID
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.opts.TaskTimeout
	}

	sem := semaphore.NewWeighted(int64(limit))
	results := make(chan indexed, len(probes))

	go func() {
		for i, p := range probes {
			task := worker.Task{
				ID:       uuid.NewString(),
				TargetID: targetID,
				Probe:    p.Name(),
				Payload:  p.Payload(),
				Timeout:  timeout,
				State:    worker.StatePending,
			}
			o.inflight.Add(1)
			o.instr.inflight.Add(ctx, 1)
			if err := sem.Acquire(ctx, 1); err != nil {
				results <- indexed{i, o.failed(task, "orchestrator.schedule", err)}
				continue
			}
			go func(i int, task worker.Task, p probe.Probe) {
				defer sem.Release(1)
				results <- indexed{i, o.runTask(ctx, req.Target, task, p)}
			}(i, task, p)
		}
	}()

	outcomes := make([]worker.Outcome, len(probes))
	for done := 1; done <= len(probes); done++ {
		r := <-results
		outcomes[r.i] = r.out
		o.inflight.Add(-1)
		o.instr.inflight.Add(ctx, -1)
		o.recordTask(ctx, r.out)
		if progress != nil {
			progress(done, len(probes))
		}
	}
	return outcomes
}

// runTask executes one probe on a balancer-selected worker.
func (o *Orchestrator) runTask(ctx context.Context, agent target.Agent, task worker.Task, p probe.Probe) worker.Outcome {
	ctx, span := o.tracer.Start(ctx, "probegrid.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.probe", task.Probe),
	))
	defer span.End()

	if err := o.agentSem.Acquire(ctx, 1); err != nil {
		return o.spanOutcome(span, o.failed(task, "orchestrator.schedule", err))
	}
	defer o.agentSem.Release(1)

	node, err := o.deps.Router.SelectNode(ctx)
	if err != nil {
		return o.spanOutcome(span, o.failed(task, "orchestrator.route", err))
	}
	span.SetAttributes(attribute.String("node.id", node.ID))

	w, ok := o.deps.Workers.Get(node.ID)
	if !ok {
		_ = o.deps.Router.Abort(node.ID)
		err := scanerr.Wrap("orchestrator.route", scanerr.KindSystem, ErrNoWorker).
			WithDetails(map[string]any{"node_id": node.ID})
		return o.spanOutcome(span, o.failed(task, "orchestrator.route", err))
	}

	lease, err := w.AcquireSlot(ctx, o.opts.AcquireTimeout)
	if err != nil {
		_ = o.deps.Router.Abort(node.ID)
		return o.spanOutcome(span, o.failed(task, "orchestrator.acquire", err))
	}

	out := w.Run(ctx, task, agent, p)
	w.ReleaseSlot(lease)
	if err := o.deps.Router.Complete(node.ID, !out.Failed(), out.Duration()); err != nil {
		o.logger.Debug("node vanished before completion", "node_id", node.ID, "error", err)
	}
	return o.spanOutcome(span, out)
}

func (o *Orchestrator) spanOutcome(span trace.Span, out worker.Outcome) worker.Outcome {
	if out.Failed() {
		span.SetAttributes(attribute.String("error.kind", string(out.ErrorKind)))
		if out.Err != nil {
			span.RecordError(out.Err)
		}
		span.SetStatus(codes.Error, out.Error)
	}
	return out
}

// failed converts a scheduling error into a zero-confidence failed outcome.
func (o *Orchestrator) failed(task worker.Task, op string, err error) worker.Outcome {
	var se *scanerr.Error
	if !errors.As(err, &se) {
		err = scanerr.Wrap(op, scanerr.KindOf(err), err)
	}
	now := o.opts.Now()
	return worker.Outcome{
		TaskID:    task.ID,
		Probe:     task.Probe,
		State:     worker.StateFailed,
		StartedAt: now,
		EndedAt:   now,
		ErrorKind: scanerr.KindOf(err),
		Error:     err.Error(),
		Err:       err,
	}
}

func (o *Orchestrator) aggregate(targetID, tenantID string, start time.Time, outcomes []worker.Outcome) ScanResult {
	res := ScanResult{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		TenantID:   tenantID,
		Findings:   []finding.Finding{},
		TotalTests: len(outcomes),
		StartedAt:  start,
		Tasks:      outcomes,
	}

	kinds := make(map[scanerr.Kind]int)
	for _, out := range outcomes {
		if out.Failed() {
			res.ErrorCount++
			kinds[out.ErrorKind]++
			continue
		}
		res.TasksExecuted++
		if out.Finding != nil {
			res.Findings = append(res.Findings, *out.Finding)
		}
	}
	res.Severity = finding.MaxSeverity(res.Findings)
	res.Duration = o.opts.Now().Sub(start)

	if res.ErrorCount > 0 {
		res.Degraded = true
		res.DegradedReason = degradedReason(res.ErrorCount, res.TotalTests, kinds)
	}
	return res
}

// capacityError returns the first resource_exhausted failure when every
// task failed for lack of capacity, and nil otherwise.
func capacityError(outcomes []worker.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	for _, out := range outcomes {
		if out.ErrorKind != scanerr.KindResourceExhausted {
			return nil
		}
	}
	return scanerr.Wrap("orchestrator.Submit", scanerr.KindResourceExhausted, outcomes[0].Err)
}

func (o *Orchestrator) recordTask(ctx context.Context, out worker.Outcome) {
	if out.Failed() {
		o.instr.taskErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(out.ErrorKind))))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks++
	if out.Failed() {
		o.taskErrors++
	}
	s := taskSample{ok: !out.Failed(), latency: out.Duration()}
	if len(o.recent) < recentWindow {
		o.recent = append(o.recent, s)
		return
	}
	o.recent[o.recentNext] = s
	o.recentNext = (o.recentNext + 1) % recentWindow
}

// finish records scan counters, publishes the completion event and runs the
// optimizer when due.
func (o *Orchestrator) finish(ctx context.Context, res ScanResult, logger *slog.Logger) {
	o.instr.recordScan(ctx, res)

	o.mu.Lock()
	o.scans++
	if res.CacheHit {
		o.cacheHits++
	}
	o.scanDuration += res.Duration
	due := o.scans%uint64(o.opts.OptimizeEvery) == 0
	o.mu.Unlock()

	logger.Info("scan completed",
		"scan_id", res.ID,
		"findings", len(res.Findings),
		"errors", res.ErrorCount,
		"cache_hit", res.CacheHit,
		"duration_ms", res.Duration.Milliseconds(),
	)

	summary := events.New(events.TypeScanCompleted, ScanSummary{
		ScanID:     res.ID,
		TargetID:   res.TargetID,
		TenantID:   res.TenantID,
		Findings:   len(res.Findings),
		Severity:   res.Severity,
		ErrorCount: res.ErrorCount,
		Degraded:   res.Degraded,
		CacheHit:   res.CacheHit,
		DurationMS: res.Duration.Milliseconds(),
	})
	if err := o.deps.Publisher.Publish(ctx, summary); err != nil {
		logger.Error("failed to publish scan event", "scan_id", res.ID, "error", err)
	}

	if due {
		o.Optimize(ctx)
	}
}

// ScanSummary is the payload of a scan.completed event.
type ScanSummary struct {
	ScanID     string           `json:"scan_id"`
	TargetID   string           `json:"target_id"`
	TenantID   string           `json:"tenant_id,omitempty"`
	Findings   int              `json:"findings"`
	Severity   finding.Severity `json:"severity,omitempty"`
	ErrorCount int              `json:"error_count"`
	Degraded   bool             `json:"degraded"`
	CacheHit   bool             `json:"cache_hit"`
	DurationMS int64            `json:"duration_ms"`
}

// Optimize purges expired cache entries, recomputes node health and adjusts
// the per-scan concurrency cap to the recent error rate: above 50% it halves,
// below 10% it grows by one back toward MaxConcurrency.
func (o *Orchestrator) Optimize(ctx context.Context) {
	purged := 0
	if o.deps.Cache != nil {
		purged = o.deps.Cache.PurgeExpired()
	}
	statuses := o.deps.Router.EvaluateHealth()
	unhealthy := 0
	for _, s := range statuses {
		if s != health.StatusHealthy {
			unhealthy++
		}
	}

	errRate, _ := o.recentStats()
	cur := o.effective.Load()
	next := cur
	switch {
	case errRate > 0.5:
		next = max(1, cur/2)
	case errRate < 0.1:
		next = min(int64(o.opts.MaxConcurrency), cur+1)
	}
	o.effective.Store(next)

	o.logger.InfoContext(ctx, "optimizer pass",
		"cache_purged", purged,
		"nodes_not_healthy", unhealthy,
		"recent_error_rate", errRate,
		"concurrency", next,
	)
}

// recentStats returns the error rate and average latency over the last
// recentWindow tasks.
func (o *Orchestrator) recentStats() (float64, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.recent) == 0 {
		return 0, 0
	}
	var failed int
	var total time.Duration
	for _, s := range o.recent {
		if !s.ok {
			failed++
		}
		total += s.latency
	}
	n := len(o.recent)
	return float64(failed) / float64(n), total / time.Duration(n)
}

// Concurrency returns the current per-scan concurrency cap.
func (o *Orchestrator) Concurrency() int {
	return int(o.effective.Load())
}
