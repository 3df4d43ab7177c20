// Package config loads probegrid.yaml, the engine's configuration file.
//
// Durations are Go duration strings ("30s", "24h"). Every field is optional;
// Default returns the values used for anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Cache        CacheConfig        `yaml:"cache"`
	Pool         PoolConfig         `yaml:"pool"`
	Balancer     BalancerConfig     `yaml:"balancer"`
	Scaler       ScalerConfig       `yaml:"scaler"`
	Tenants      TenantsConfig      `yaml:"tenants"`
	Breaker      BreakerConfig      `yaml:"breaker"`

	// Workers are nodes hosted in this process.
	Workers []WorkerConfig `yaml:"workers,omitempty" validate:"dive"`

	Redis     RedisConfig     `yaml:"redis,omitempty"`
	AMQP      AMQPConfig      `yaml:"amqp,omitempty"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
}

// OrchestratorConfig bounds scan execution.
type OrchestratorConfig struct {
	// MaxConcurrency caps probe tasks running within one scan.
	// Default: 10
	MaxConcurrency int `yaml:"max_concurrency,omitempty" validate:"gte=0"`

	// MaxAgentConcurrency caps agent calls in flight across the process.
	// Default: 5
	MaxAgentConcurrency int `yaml:"max_agent_concurrency,omitempty" validate:"gte=0"`

	// TaskTimeout is the per-probe budget when the request sets none.
	// Default: 30s
	TaskTimeout string `yaml:"task_timeout,omitempty" validate:"duration"`

	// OptimizeEvery runs an optimizer pass after this many scans.
	// Default: 100
	OptimizeEvery int `yaml:"optimize_every,omitempty" validate:"gte=0"`

	// BatchMinConcurrency and BatchMaxConcurrency bound the number of scans
	// SubmitBatch runs per wave. Defaults: 1 and 8
	BatchMinConcurrency int `yaml:"batch_min_concurrency,omitempty" validate:"gte=0"`
	BatchMaxConcurrency int `yaml:"batch_max_concurrency,omitempty" validate:"gte=0"`
}

// CacheConfig configures the scan result cache.
type CacheConfig struct {
	Disabled bool `yaml:"disabled,omitempty"`

	// TTLClean applies to results without findings.
	// Default: 24h
	TTLClean string `yaml:"ttl_clean,omitempty" validate:"duration"`

	// TTLWithFindings applies to results with at least one finding.
	// Default: 1h
	TTLWithFindings string `yaml:"ttl_with_findings,omitempty" validate:"duration"`

	// MaxSize bounds the number of entries.
	// Default: 1000
	MaxSize int `yaml:"max_size,omitempty" validate:"gte=0"`

	// EvictionPolicy is "lru", "lfu" or "ttl".
	// Default: "lru"
	EvictionPolicy string `yaml:"eviction_policy,omitempty" validate:"eviction_policy"`

	// TimeBucket is folded into fingerprints so entries roll over even
	// before their TTL. Zero disables bucketing.
	TimeBucket string `yaml:"time_bucket,omitempty" validate:"duration"`
}

// PoolConfig configures worker slot pools.
type PoolConfig struct {
	// MinSize slots are created when a worker starts.
	// Default: 1
	MinSize int `yaml:"min_size,omitempty" validate:"gte=0"`

	// AcquireTimeout bounds the wait for a free slot.
	// Default: 10s
	AcquireTimeout string `yaml:"acquire_timeout,omitempty" validate:"duration"`
}

// BalancerConfig configures node selection.
type BalancerConfig struct {
	// Strategy is one of the balancer strategies.
	// Default: "round_robin"
	Strategy string `yaml:"strategy,omitempty" validate:"strategy"`

	// HealthInterval is how often node health is recomputed.
	// Default: 10s
	HealthInterval string `yaml:"health_interval,omitempty" validate:"duration"`

	HealthySuccessRate   float64 `yaml:"healthy_success_rate,omitempty" validate:"gte=0,lte=1"`
	UnhealthySuccessRate float64 `yaml:"unhealthy_success_rate,omitempty" validate:"gte=0,lte=1"`
	Freshness            string  `yaml:"freshness,omitempty" validate:"duration"`
	LatencyCeiling       string  `yaml:"latency_ceiling,omitempty" validate:"duration"`
	Window               int     `yaml:"window,omitempty" validate:"gte=0"`

	AdaptiveWeights AdaptiveWeightsConfig `yaml:"adaptive_weights,omitempty"`
}

// AdaptiveWeightsConfig blends the adaptive strategy's score.
// Zero everywhere means 0.3/0.3/0.2/0.2.
type AdaptiveWeightsConfig struct {
	SuccessRate  float64 `yaml:"success_rate,omitempty" validate:"gte=0"`
	ResponseTime float64 `yaml:"response_time,omitempty" validate:"gte=0"`
	Load         float64 `yaml:"load,omitempty" validate:"gte=0"`
	NodeWeight   float64 `yaml:"node_weight,omitempty" validate:"gte=0"`
}

// ScalerConfig configures the auto-scaler.
type ScalerConfig struct {
	Policies []PolicyConfig `yaml:"policies,omitempty" validate:"dive"`

	// Initial instance count. Default: MinInstances
	Initial      int `yaml:"initial,omitempty" validate:"gte=0"`
	MinInstances int `yaml:"min_instances,omitempty" validate:"gte=0"`
	MaxInstances int `yaml:"max_instances,omitempty" validate:"gte=0"`

	HistorySize     int `yaml:"history_size,omitempty" validate:"gte=0"`
	ForecastWindow  int `yaml:"forecast_window,omitempty" validate:"gte=0"`
	ForecastHorizon int `yaml:"forecast_horizon,omitempty" validate:"gte=0"`

	// Interval is how often the scaler evaluates. Default: 30s
	Interval string `yaml:"interval,omitempty" validate:"duration"`
}

// PolicyConfig is one scaling policy.
type PolicyConfig struct {
	Name               string  `yaml:"name" validate:"required"`
	Metric             string  `yaml:"metric" validate:"required,metric"`
	ScaleUpThreshold   float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `yaml:"scale_down_threshold"`
	Cooldown           string  `yaml:"cooldown,omitempty" validate:"duration"`
	MinInstances       int     `yaml:"min_instances,omitempty" validate:"gte=0"`
	MaxInstances       int     `yaml:"max_instances,omitempty" validate:"gte=0"`
	Increment          int     `yaml:"increment,omitempty" validate:"gte=0"`

	// Disabled policies are kept but never fire.
	Disabled bool `yaml:"disabled,omitempty"`

	// Condition is an optional CEL guard over m, the metric map.
	Condition string `yaml:"condition,omitempty"`
}

// TenantsConfig configures quota enforcement.
type TenantsConfig struct {
	AutoRegister bool           `yaml:"auto_register,omitempty"`
	DefaultQuota QuotaConfig    `yaml:"default_quota,omitempty"`
	Tenants      []TenantConfig `yaml:"tenants,omitempty" validate:"dive"`
}

// QuotaConfig bounds a tenant. Zero means unlimited.
type QuotaConfig struct {
	MaxConcurrentScans   int     `yaml:"max_concurrent_scans,omitempty" validate:"gte=0"`
	MaxCPUPercent        float64 `yaml:"max_cpu_percent,omitempty" validate:"gte=0"`
	MaxMemoryMB          int     `yaml:"max_memory_mb,omitempty" validate:"gte=0"`
	MaxRequestsPerMinute int     `yaml:"max_requests_per_minute,omitempty" validate:"gte=0"`
	MaxTaskConcurrency   int     `yaml:"max_task_concurrency,omitempty" validate:"gte=0"`
}

// TenantConfig pre-registers a tenant.
type TenantConfig struct {
	ID        string      `yaml:"id" validate:"required"`
	Weight    float64     `yaml:"weight,omitempty" validate:"gte=0"`
	Isolation string      `yaml:"isolation,omitempty" validate:"isolation"`
	Quota     QuotaConfig `yaml:"quota,omitempty"`
}

// BreakerConfig configures circuit breakers and retry recovery.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open a circuit. Default: 5
	FailureThreshold int `yaml:"failure_threshold,omitempty" validate:"gte=0"`

	// RecoveryTimeout is how long a circuit stays open. Default: 60s
	RecoveryTimeout string `yaml:"recovery_timeout,omitempty" validate:"duration"`

	// MaxRetries bounds backoff re-runs for network and rate-limit errors.
	// Default: 3
	MaxRetries int `yaml:"max_retries,omitempty" validate:"gte=0"`

	InitialBackoff string  `yaml:"initial_backoff,omitempty" validate:"duration"`
	MaxBackoff     string  `yaml:"max_backoff,omitempty" validate:"duration"`
	Multiplier     float64 `yaml:"multiplier,omitempty" validate:"gte=0"`
}

// WorkerConfig is a node hosted in this process.
type WorkerConfig struct {
	ID             string  `yaml:"id" validate:"required"`
	Endpoint       string  `yaml:"endpoint,omitempty"`
	Weight         float64 `yaml:"weight,omitempty" validate:"gte=0"`
	MaxConnections int     `yaml:"max_connections,omitempty" validate:"gte=0"`
}

// RedisConfig enables the persisted cache backing and scaling history.
// An empty URL disables it.
type RedisConfig struct {
	URL          string `yaml:"url,omitempty"`
	Prefix       string `yaml:"prefix,omitempty"`
	HistoryLimit int64  `yaml:"history_limit,omitempty" validate:"gte=0"`

	TLS *TLSConfig `yaml:"tls,omitempty"`
}

// AMQPConfig enables event publishing. An empty URL disables it.
type AMQPConfig struct {
	URL      string `yaml:"url,omitempty"`
	Exchange string `yaml:"exchange,omitempty"`
}

// DiscoveryConfig enables etcd node discovery. No endpoints disables it.
type DiscoveryConfig struct {
	Endpoints []string `yaml:"endpoints,omitempty"`
	Namespace string   `yaml:"namespace,omitempty"`
	TTL       int      `yaml:"ttl,omitempty" validate:"gte=0"`

	// Announce registers the local workers in etcd.
	Announce bool `yaml:"announce,omitempty"`

	TLS *TLSConfig `yaml:"tls,omitempty"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrency:      10,
			MaxAgentConcurrency: 5,
			TaskTimeout:         "30s",
			OptimizeEvery:       100,
			BatchMinConcurrency: 1,
			BatchMaxConcurrency: 8,
		},
		Cache: CacheConfig{
			TTLClean:        "24h",
			TTLWithFindings: "1h",
			MaxSize:         1000,
			EvictionPolicy:  "lru",
		},
		Pool: PoolConfig{
			MinSize:        1,
			AcquireTimeout: "10s",
		},
		Balancer: BalancerConfig{
			Strategy:       "round_robin",
			HealthInterval: "10s",
		},
		Scaler: ScalerConfig{
			MinInstances:    1,
			MaxInstances:    10,
			HistorySize:     100,
			ForecastWindow:  10,
			ForecastHorizon: 5,
			Interval:        "30s",
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  "60s",
			MaxRetries:       3,
		},
	}
}

// Load reads a probegrid.yaml file from path. If path is a directory, it
// looks for probegrid.yaml or probegrid.yml in that directory. Values in
// the file override Default; the result is validated.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	configPath := path
	if info.IsDir() {
		configPath = ""
		for _, name := range []string{"probegrid.yaml", "probegrid.yml"} {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
				break
			}
		}
		if configPath == "" {
			return nil, fmt.Errorf("no probegrid.yaml or probegrid.yml found in %s", path)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseDuration returns def for an empty or invalid value.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetTaskTimeout returns the per-probe budget. Default: 30s
func (o OrchestratorConfig) GetTaskTimeout() time.Duration {
	return parseDuration(o.TaskTimeout, 30*time.Second)
}

// GetTTLClean returns the TTL for results without findings. Default: 24h
func (c CacheConfig) GetTTLClean() time.Duration {
	return parseDuration(c.TTLClean, 24*time.Hour)
}

// GetTTLWithFindings returns the TTL for results with findings. Default: 1h
func (c CacheConfig) GetTTLWithFindings() time.Duration {
	return parseDuration(c.TTLWithFindings, time.Hour)
}

// GetTimeBucket returns the fingerprint bucket, zero when disabled.
func (c CacheConfig) GetTimeBucket() time.Duration {
	return parseDuration(c.TimeBucket, 0)
}

// GetAcquireTimeout returns the slot wait bound. Default: 10s
func (p PoolConfig) GetAcquireTimeout() time.Duration {
	return parseDuration(p.AcquireTimeout, 10*time.Second)
}

// GetHealthInterval returns the health loop period. Default: 10s
func (b BalancerConfig) GetHealthInterval() time.Duration {
	return parseDuration(b.HealthInterval, 10*time.Second)
}

// GetInterval returns the scaler loop period. Default: 30s
func (s ScalerConfig) GetInterval() time.Duration {
	return parseDuration(s.Interval, 30*time.Second)
}

// GetRecoveryTimeout returns how long circuits stay open. Default: 60s
func (b BreakerConfig) GetRecoveryTimeout() time.Duration {
	return parseDuration(b.RecoveryTimeout, 60*time.Second)
}
