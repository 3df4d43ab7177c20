package balancer

import (
	"context"
	"time"

	"github.com/zero-day-ai/probegrid/health"
)

// EvaluateHealth reclassifies every node not in maintenance from its
// rolling window and returns the resulting statuses. Samples older than the
// freshness window are discarded first. A node with no recent samples is
// left healthy so idle nodes keep receiving work. OnStatusChange runs for
// every transition after the balancer lock is released.
func (b *Balancer) EvaluateHealth() map[string]health.Status {
	now := b.now()
	cutoff := now.Add(-b.thresholds.Freshness)

	type change struct {
		id       string
		from, to health.Status
	}
	var changes []change

	b.mu.Lock()
	out := make(map[string]health.Status, len(b.nodes))
	for _, id := range b.order {
		n := b.nodes[id]
		if n.maintenance {
			out[id] = health.StatusMaintenance
			continue
		}

		fresh := n.samples[:0]
		for _, s := range n.samples {
			if s.at.After(cutoff) {
				fresh = append(fresh, s)
			}
		}
		n.samples = fresh

		next := b.classify(n)
		if next != n.status {
			b.logger.Info("node health changed",
				"node_id", id,
				"from", n.status.String(),
				"to", next.String(),
				"success_rate", n.successRate(),
				"avg_response_time", n.avgLatency().String(),
			)
			changes = append(changes, change{id, n.status, next})
			n.status = next
		}
		out[id] = next
	}
	b.mu.Unlock()

	if b.onStatusChange != nil {
		for _, c := range changes {
			b.onStatusChange(c.id, c.from, c.to)
		}
	}
	return out
}

func (b *Balancer) classify(n *node) health.Status {
	if len(n.samples) == 0 {
		return health.StatusHealthy
	}
	sr := n.successRate()
	switch {
	case sr > b.thresholds.HealthySuccessRate && n.avgLatency() < b.thresholds.LatencyCeiling:
		return health.StatusHealthy
	case sr < b.thresholds.UnhealthySuccessRate:
		return health.StatusUnhealthy
	default:
		return health.StatusDegraded
	}
}

// Report summarizes node health as a health.Report.
func (b *Balancer) Report() health.Report {
	var checks []health.Check
	for _, n := range b.Nodes() {
		checks = append(checks, health.Check{
			Name:   n.ID,
			Status: n.Status,
			Details: map[string]any{
				"success_rate":        n.SuccessRate,
				"current_connections": n.CurrentConnections,
			},
		})
	}
	return health.Combine(checks...)
}

// Run evaluates node health every interval until ctx is done.
func (b *Balancer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info("health loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("health loop stopped")
			return
		case <-ticker.C:
			b.EvaluateHealth()
		}
	}
}
