package probegrid

import (
	"log/slog"

	"github.com/zero-day-ai/probegrid/discovery"
	"github.com/zero-day-ai/probegrid/events"
	"github.com/zero-day-ai/probegrid/probe"
	"github.com/zero-day-ai/probegrid/store"
	"github.com/zero-day-ai/probegrid/sysmetrics"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures an Engine.
type Option func(*engineConfig)

// engineConfig holds the collaborators supplied to New.
type engineConfig struct {
	logger    *slog.Logger
	tracer    trace.Tracer
	meters    metric.MeterProvider
	catalog   probe.Catalog
	store     *store.RedisStore
	publisher events.Publisher
	sampler   sysmetrics.Sampler
	registry  discovery.Registry
}

// WithLogger sets a custom logger for the engine.
// If not provided, a JSON logger on stdout is created.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithTracer sets an OpenTelemetry tracer for scan and task spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *engineConfig) {
		c.tracer = tracer
	}
}

// WithMeterProvider sets the provider the orchestrator creates its
// instruments from.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *engineConfig) {
		c.meters = mp
	}
}

// WithCatalog sets the probe catalog. It is required.
func WithCatalog(catalog probe.Catalog) Option {
	return func(c *engineConfig) {
		c.catalog = catalog
	}
}

// WithRedis uses s as cache backing and scaling history store instead of
// dialing redis.url from the configuration. The engine closes it.
func WithRedis(s *store.RedisStore) Option {
	return func(c *engineConfig) {
		c.store = s
	}
}

// WithPublisher sets the event publisher instead of dialing amqp.url from
// the configuration. The engine closes it.
func WithPublisher(p events.Publisher) Option {
	return func(c *engineConfig) {
		c.publisher = p
	}
}

// WithSampler sets the host load sampler. Default: sysmetrics.NewHost()
func WithSampler(s sysmetrics.Sampler) Option {
	return func(c *engineConfig) {
		c.sampler = s
	}
}

// WithRegistry sets the node discovery registry instead of connecting to
// discovery.endpoints from the configuration. The engine closes it.
func WithRegistry(r discovery.Registry) Option {
	return func(c *engineConfig) {
		c.registry = r
	}
}
