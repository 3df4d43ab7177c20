package config

import (
	"github.com/zero-day-ai/probegrid/balancer"
	"github.com/zero-day-ai/probegrid/breaker"
	"github.com/zero-day-ai/probegrid/cache"
	"github.com/zero-day-ai/probegrid/scaler"
	"github.com/zero-day-ai/probegrid/scanerr"
	"github.com/zero-day-ai/probegrid/tenant"
)

// Policy returns the eviction policy, LRU when unset.
func (c CacheConfig) Policy() cache.Policy {
	p, err := cache.ParsePolicy(c.EvictionPolicy)
	if err != nil {
		return cache.PolicyLRU
	}
	return p
}

// Thresholds converts the health settings; zero fields take balancer defaults.
func (b BalancerConfig) Thresholds() balancer.Thresholds {
	return balancer.Thresholds{
		HealthySuccessRate:   b.HealthySuccessRate,
		UnhealthySuccessRate: b.UnhealthySuccessRate,
		Freshness:            parseDuration(b.Freshness, 0),
		LatencyCeiling:       parseDuration(b.LatencyCeiling, 0),
		Window:               b.Window,
	}
}

// Weights converts the adaptive blend.
func (w AdaptiveWeightsConfig) Weights() balancer.AdaptiveWeights {
	return balancer.AdaptiveWeights{
		SuccessRate:  w.SuccessRate,
		ResponseTime: w.ResponseTime,
		Load:         w.Load,
		NodeWeight:   w.NodeWeight,
	}
}

// Nodes converts the local worker list.
func (c Config) Nodes() []balancer.Node {
	nodes := make([]balancer.Node, 0, len(c.Workers))
	for _, w := range c.Workers {
		nodes = append(nodes, balancer.Node{
			ID:             w.ID,
			Endpoint:       w.Endpoint,
			Weight:         w.Weight,
			MaxConnections: w.MaxConnections,
		})
	}
	return nodes
}

// ScalingPolicies converts the policy list. Policy bounds left at zero
// inherit the scaler's.
func (s ScalerConfig) ScalingPolicies() []scaler.Policy {
	out := make([]scaler.Policy, 0, len(s.Policies))
	for _, p := range s.Policies {
		sp := scaler.Policy{
			Name:               p.Name,
			Metric:             scaler.Metric(p.Metric),
			ScaleUpThreshold:   p.ScaleUpThreshold,
			ScaleDownThreshold: p.ScaleDownThreshold,
			Cooldown:           parseDuration(p.Cooldown, 0),
			MinInstances:       p.MinInstances,
			MaxInstances:       p.MaxInstances,
			Increment:          p.Increment,
			Enabled:            !p.Disabled,
			Condition:          p.Condition,
		}
		if sp.MinInstances == 0 {
			sp.MinInstances = max(s.MinInstances, 1)
		}
		if sp.MaxInstances == 0 {
			sp.MaxInstances = max(s.MaxInstances, sp.MinInstances)
		}
		out = append(out, sp)
	}
	return out
}

// Quota converts a quota block.
func (q QuotaConfig) Quota() tenant.Quota {
	return tenant.Quota{
		MaxConcurrentScans:   q.MaxConcurrentScans,
		MaxCPUPercent:        q.MaxCPUPercent,
		MaxMemoryMB:          q.MaxMemoryMB,
		MaxRequestsPerMinute: q.MaxRequestsPerMinute,
		MaxTaskConcurrency:   q.MaxTaskConcurrency,
	}
}

// TenantList converts the pre-registered tenants.
func (t TenantsConfig) TenantList() []tenant.Tenant {
	out := make([]tenant.Tenant, 0, len(t.Tenants))
	for _, tc := range t.Tenants {
		out = append(out, tenant.Tenant{
			ID:        tc.ID,
			Quota:     tc.Quota.Quota(),
			Weight:    tc.Weight,
			Isolation: tenant.Isolation(tc.Isolation),
		})
	}
	return out
}

// ManagerConfig converts the breaker settings.
func (b BreakerConfig) ManagerConfig() breaker.ManagerConfig {
	return breaker.ManagerConfig{
		FailureThreshold: b.FailureThreshold,
		RecoveryTimeout:  b.GetRecoveryTimeout(),
	}
}

// Backoff converts the retry settings; zero fields take scanerr defaults.
func (b BreakerConfig) Backoff() scanerr.BackoffConfig {
	return scanerr.BackoffConfig{
		MaxAttempts:     b.MaxRetries,
		InitialInterval: parseDuration(b.InitialBackoff, 0),
		MaxInterval:     parseDuration(b.MaxBackoff, 0),
		Multiplier:      b.Multiplier,
	}
}
