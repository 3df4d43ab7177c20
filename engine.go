package probegrid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/zero-day-ai/probegrid/balancer"
	"github.com/zero-day-ai/probegrid/breaker"
	"github.com/zero-day-ai/probegrid/cache"
	"github.com/zero-day-ai/probegrid/config"
	"github.com/zero-day-ai/probegrid/discovery"
	"github.com/zero-day-ai/probegrid/events"
	"github.com/zero-day-ai/probegrid/health"
	"github.com/zero-day-ai/probegrid/orchestrator"
	"github.com/zero-day-ai/probegrid/scaler"
	"github.com/zero-day-ai/probegrid/scanerr"
	"github.com/zero-day-ai/probegrid/store"
	"github.com/zero-day-ai/probegrid/sysmetrics"
	"github.com/zero-day-ai/probegrid/tenant"
	"github.com/zero-day-ai/probegrid/worker"
	"go.opentelemetry.io/otel/metric"
)

const (
	connectTimeout     = 30 * time.Second
	publishTimeout     = 5 * time.Second
	defaultWorkerSlots = 4
)

// Engine owns every component of a probegrid process and their background
// loops. Construct it with New, call Start, and Close it on shutdown.
type Engine struct {
	cfg    config.Config
	base   *slog.Logger
	logger *slog.Logger

	breakers  *breaker.Manager
	cache     *cache.Cache[orchestrator.ScanResult]
	balancer  *balancer.Balancer
	workers   *worker.Set
	tenants   *tenant.Manager
	scaler    *scaler.Scaler
	orch      *orchestrator.Orchestrator
	store     *store.RedisStore
	publisher events.Publisher
	sampler   sysmetrics.Sampler
	registry  discovery.Registry
	syncer    *discovery.Syncer

	// static holds the IDs of workers from the configuration; discovery
	// never removes them.
	static map[string]bool

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine from cfg. Redis, AMQP and etcd connections named in
// cfg are opened unless the matching option supplies the collaborator.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	ec := &engineConfig{}
	for _, opt := range opts {
		opt(ec)
	}

	if ec.logger == nil {
		ec.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if ec.catalog == nil {
		return nil, scanerr.New("probegrid.New", scanerr.KindValidation, "probe catalog is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ec.sampler == nil {
		ec.sampler = sysmetrics.NewHost()
	}

	e := &Engine{
		cfg:     cfg,
		base:    ec.logger,
		logger:  ec.logger.With("component", "engine"),
		sampler: ec.sampler,
		static:  make(map[string]bool, len(cfg.Workers)),
	}

	if err := e.connect(ec); err != nil {
		e.closeConnections()
		return nil, err
	}
	if err := e.build(ec); err != nil {
		e.closeConnections()
		if e.workers != nil {
			_ = e.workers.Close()
		}
		return nil, err
	}

	e.logger.Info("engine created",
		"workers", e.workers.Len(),
		"strategy", string(e.balancer.Strategy()),
		"persistence", e.store != nil,
		"discovery", e.registry != nil,
	)
	return e, nil
}

// connect dials the external services the configuration enables.
func (e *Engine) connect(ec *engineConfig) error {
	e.store = ec.store
	if e.store == nil && e.cfg.Redis.URL != "" {
		tlsCfg, err := e.cfg.Redis.TLS.ClientConfig()
		if err != nil {
			return fmt.Errorf("failed to configure redis TLS: %w", err)
		}
		s, err := store.NewRedisStore(store.Options{
			URL:          e.cfg.Redis.URL,
			TLS:          tlsCfg,
			Prefix:       e.cfg.Redis.Prefix,
			HistoryLimit: e.cfg.Redis.HistoryLimit,
		})
		if err != nil {
			return err
		}
		e.store = s
	}

	e.publisher = ec.publisher
	if e.publisher == nil && e.cfg.AMQP.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		p, err := events.DialAMQP(ctx, events.AMQPOptions{
			URL:      e.cfg.AMQP.URL,
			Exchange: e.cfg.AMQP.Exchange,
			Source:   "probegrid",
			Logger:   ec.logger,
		})
		if err != nil {
			return err
		}
		e.publisher = p
	}
	if e.publisher == nil {
		e.publisher = events.Nop{}
	}

	e.registry = ec.registry
	if e.registry == nil && len(e.cfg.Discovery.Endpoints) > 0 {
		tlsCfg, err := e.cfg.Discovery.TLS.ClientConfig()
		if err != nil {
			return fmt.Errorf("failed to configure discovery TLS: %w", err)
		}
		r, err := discovery.NewEtcdRegistry(discovery.EtcdConfig{
			Endpoints: e.cfg.Discovery.Endpoints,
			Namespace: e.cfg.Discovery.Namespace,
			TTL:       e.cfg.Discovery.TTL,
			TLS:       tlsCfg,
			Logger:    ec.logger,
		})
		if err != nil {
			return err
		}
		e.registry = r
	}
	return nil
}

// build constructs the in-process components and wires them together.
func (e *Engine) build(ec *engineConfig) error {
	cfg := e.cfg
	logger := ec.logger

	recovery := scanerr.DefaultRegistry(cfg.Breaker.Backoff())
	bcfg := cfg.Breaker.ManagerConfig()
	bcfg.OnStateChange = func(name string, from, to breaker.State) {
		e.announce(events.TypeCircuitChanged, events.Transition{Subject: name, From: string(from), To: string(to)})
	}
	e.breakers = breaker.NewManager(bcfg, recovery, logger)

	if !cfg.Cache.Disabled {
		copts := cache.Options[orchestrator.ScanResult]{
			MaxSize:    cfg.Cache.MaxSize,
			DefaultTTL: cfg.Cache.GetTTLClean(),
			Policy:     cfg.Cache.Policy(),
			Logger:     logger,
		}
		if e.store != nil {
			copts.Backing = e.store
		}
		c, err := cache.New(copts)
		if err != nil {
			return err
		}
		e.cache = c
	}

	lb, err := balancer.New(balancer.Options{
		Strategy:        balancer.Strategy(cfg.Balancer.Strategy),
		Thresholds:      cfg.Balancer.Thresholds(),
		AdaptiveWeights: cfg.Balancer.AdaptiveWeights.Weights(),
		OnStatusChange: func(id string, from, to health.Status) {
			e.announce(events.TypeNodeHealth, events.Transition{Subject: id, From: from.String(), To: to.String()})
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	e.balancer = lb

	e.workers = worker.NewSet()
	for _, n := range cfg.Nodes() {
		if err := e.addWorker(context.Background(), n); err != nil {
			return err
		}
		e.static[n.ID] = true
	}

	e.tenants = tenant.New(tenant.Options{
		DefaultQuota: cfg.Tenants.DefaultQuota.Quota(),
		AutoRegister: cfg.Tenants.AutoRegister,
		Logger:       logger,
	})
	for _, t := range cfg.Tenants.TenantList() {
		if err := e.tenants.Register(t); err != nil {
			return err
		}
	}

	if err := e.buildScaler(logger); err != nil {
		return err
	}

	var meter metric.Meter
	if ec.meters != nil {
		meter = ec.meters.Meter("github.com/zero-day-ai/probegrid")
	}
	orch, err := orchestrator.New(orchestrator.Deps{
		Catalog:   ec.catalog,
		Router:    e.balancer,
		Workers:   e.workers,
		Cache:     e.cache,
		Tenants:   e.tenants,
		Breakers:  e.breakers,
		Scaler:    e.scaler,
		Sampler:   e.sampler,
		Publisher: e.publisher,
		Tracer:    ec.tracer,
		Meter:     meter,
		Logger:    logger,
	}, orchestrator.Options{
		MaxConcurrency:      cfg.Orchestrator.MaxConcurrency,
		MaxAgentConcurrency: cfg.Orchestrator.MaxAgentConcurrency,
		TaskTimeout:         cfg.Orchestrator.GetTaskTimeout(),
		AcquireTimeout:      cfg.Pool.GetAcquireTimeout(),
		OptimizeEvery:       cfg.Orchestrator.OptimizeEvery,
		TTLClean:            cfg.Cache.GetTTLClean(),
		TTLWithFindings:     cfg.Cache.GetTTLWithFindings(),
		TimeBucket:          cfg.Cache.GetTimeBucket(),
		BatchMinConcurrency: cfg.Orchestrator.BatchMinConcurrency,
		BatchMaxConcurrency: cfg.Orchestrator.BatchMaxConcurrency,
		ForecastHorizon:     cfg.Scaler.ForecastHorizon,
	})
	if err != nil {
		return err
	}
	e.orch = orch

	if e.registry != nil {
		e.syncer = discovery.NewSyncer(e.balancer, logger)
		e.syncer.Keep = func(id string) bool { return e.static[id] }
		e.syncer.OnAdd = func(ctx context.Context, ep discovery.Endpoint) error {
			return e.startWorker(ctx, ep.ID, slotsFor(ep.Slots, ep.MaxConnections))
		}
		e.syncer.OnRemove = e.stopWorker
	}
	return nil
}

func (e *Engine) buildScaler(logger *slog.Logger) error {
	cfg := e.cfg.Scaler

	sink := events.ScalingSink{Publisher: e.publisher}
	if e.store != nil {
		sink.Next = e.store
	}

	initial := cfg.Initial
	if initial == 0 {
		initial = e.workers.Len()
	}

	s, err := scaler.New(scaler.Options{
		Initial:        initial,
		MinInstances:   cfg.MinInstances,
		MaxInstances:   cfg.MaxInstances,
		HistorySize:    cfg.HistorySize,
		ForecastWindow: cfg.ForecastWindow,
		Sink:           sink,
		Actuator:       scaler.ActuatorFunc(e.activate),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	for _, p := range cfg.ScalingPolicies() {
		if err := s.AddPolicy(p); err != nil {
			return err
		}
	}

	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		history, err := e.store.LoadHistory(ctx, int64(cfg.HistorySize))
		if err != nil {
			e.logger.Warn("failed to restore scaling history", "error", err)
		} else {
			s.Restore(history)
		}
	}
	e.scaler = s
	return nil
}

func slotsFor(slots, maxConnections int) int {
	switch {
	case slots > 0:
		return slots
	case maxConnections > 0:
		return maxConnections
	default:
		return defaultWorkerSlots
	}
}

// addWorker registers a configured node with the balancer and starts its
// local worker.
func (e *Engine) addWorker(ctx context.Context, n balancer.Node) error {
	if err := e.balancer.AddNode(n); err != nil {
		return err
	}
	if err := e.startWorker(ctx, n.ID, slotsFor(0, n.MaxConnections)); err != nil {
		_ = e.balancer.RemoveNode(n.ID)
		return err
	}
	return nil
}

func (e *Engine) startWorker(ctx context.Context, id string, slots int) error {
	if _, ok := e.workers.Get(id); ok {
		return nil
	}
	w, err := worker.New(ctx, worker.Config{
		ID:       id,
		Slots:    slots,
		MinSlots: e.cfg.Pool.MinSize,
		Breakers: e.breakers,
		Logger:   e.base,
	})
	if err != nil {
		return err
	}
	if !e.workers.Add(w) {
		CloseWithLog(w, e.logger, "worker "+id)
	}
	return nil
}

func (e *Engine) stopWorker(id string) {
	if w, ok := e.workers.Remove(id); ok {
		CloseWithLog(w, e.logger, "worker "+id)
	}
}

// activate keeps the first to workers, in ID order, in rotation and puts
// the rest into maintenance.
func (e *Engine) activate(_ context.Context, from, to int) error {
	var errs []error
	for i, w := range e.workers.All() {
		if err := e.balancer.SetMaintenance(w.ID(), i >= to); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.Info("active workers changed", "from", from, "to", to, "available", e.workers.Len())
	return errors.Join(errs...)
}

// announce publishes a state transition. Failures are logged.
func (e *Engine) announce(t events.Type, tr events.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, events.New(t, tr)); err != nil {
		e.logger.Error("failed to publish event", "type", string(t), "subject", tr.Subject, "error", err)
	}
}

// Start launches the balancer health loop, the scaler evaluation loop and,
// when a registry is configured, node discovery. Loops run until Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrClosed
	case e.started:
		return ErrAlreadyStarted
	}

	if e.registry != nil && e.cfg.Discovery.Announce {
		for _, w := range e.cfg.Workers {
			err := e.registry.Register(ctx, discovery.Endpoint{
				ID:             w.ID,
				Address:        w.Endpoint,
				Weight:         w.Weight,
				MaxConnections: w.MaxConnections,
				Slots:          slotsFor(0, w.MaxConnections),
				StartedAt:      time.Now().UTC(),
			})
			if err != nil {
				return fmt.Errorf("failed to announce worker %s: %w", w.ID, err)
			}
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.balancer.Run(ctx, e.cfg.Balancer.GetHealthInterval())
	}()
	go func() {
		defer e.wg.Done()
		e.scaler.Run(ctx, e.orch, e.cfg.Scaler.GetInterval())
	}()

	if e.syncer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.syncer.Follow(ctx, e.registry); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("node discovery stopped", "error", err)
			}
		}()
	}

	e.logger.Info("engine started")
	return nil
}

// Close stops the background loops, withdraws announced workers and closes
// every worker and connection. It is safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()

	if e.registry != nil && e.cfg.Discovery.Announce {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		for _, w := range e.cfg.Workers {
			if err := e.registry.Deregister(ctx, w.ID); err != nil {
				e.logger.Warn("failed to withdraw worker", "worker_id", w.ID, "error", err)
			}
		}
		cancel()
	}

	err := e.workers.Close()
	e.closeConnections()
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) closeConnections() {
	if e.registry != nil {
		CloseWithLog(e.registry, e.logger, "node registry")
	}
	if e.publisher != nil {
		CloseWithLog(e.publisher, e.logger, "event publisher")
	}
	if e.store != nil {
		CloseWithLog(e.store, e.logger, "redis store")
	}
}

// Submit runs one scan. See orchestrator.Orchestrator.Submit.
func (e *Engine) Submit(ctx context.Context, req orchestrator.ScanRequest) (orchestrator.ScanResult, error) {
	return e.orch.Submit(ctx, req)
}

// Orchestrator returns the scan orchestrator.
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

// Balancer returns the node balancer.
func (e *Engine) Balancer() *balancer.Balancer { return e.balancer }

// Workers returns the local workers.
func (e *Engine) Workers() *worker.Set { return e.workers }

// Scaler returns the auto-scaler.
func (e *Engine) Scaler() *scaler.Scaler { return e.scaler }

// Tenants returns the quota manager.
func (e *Engine) Tenants() *tenant.Manager { return e.tenants }

// Breakers returns the circuit breaker manager.
func (e *Engine) Breakers() *breaker.Manager { return e.breakers }

// Cache returns the result cache, or nil when caching is disabled.
func (e *Engine) Cache() *cache.Cache[orchestrator.ScanResult] { return e.cache }
