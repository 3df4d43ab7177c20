package balancer

import "math"

// Load score component weights.
const (
	loadConnWeight   = 0.4
	loadCPUWeight    = 0.25
	loadMemWeight    = 0.25
	loadQueueWeight  = 0.1
	replicationScale = 10
)

// pickLocked applies the configured strategy to a non-empty eligible set.
func (b *Balancer) pickLocked(eligible []*node) *node {
	switch b.strategy {
	case LeastConnections:
		return minBy(eligible, func(n *node) float64 { return float64(n.current) })
	case WeightedRoundRobin:
		return b.weightedRoundRobinLocked(eligible)
	case ResponseTime:
		return minBy(eligible, func(n *node) float64 { return float64(n.avgLatency()) })
	case ResourceBased:
		return minBy(eligible, b.loadScore)
	case Adaptive:
		return minBy(eligible, func(n *node) float64 { return -b.adaptiveScore(n) })
	default:
		return b.roundRobinLocked(eligible)
	}
}

// roundRobinLocked advances a cursor over all registered nodes, skipping
// ineligible ones, so each healthy node gets an equal share.
func (b *Balancer) roundRobinLocked(eligible []*node) *node {
	total := len(b.order)
	for i := 0; i < total; i++ {
		idx := (b.rr + i) % total
		n := b.nodes[b.order[idx]]
		if n.eligible() {
			b.rr = (idx + 1) % total
			return n
		}
	}
	return eligible[0]
}

// weightedRoundRobinLocked cycles over eligible nodes each replicated
// round(weight*10) times.
func (b *Balancer) weightedRoundRobinLocked(eligible []*node) *node {
	var ring []*node
	for _, n := range eligible {
		reps := int(math.Round(n.Weight * replicationScale))
		if reps < 1 {
			reps = 1
		}
		for i := 0; i < reps; i++ {
			ring = append(ring, n)
		}
	}
	n := ring[b.wrr%len(ring)]
	b.wrr = (b.wrr + 1) % len(ring)
	return n
}

// loadScore is a 0-1 utilization estimate.
func (b *Balancer) loadScore(n *node) float64 {
	fill := 0.0
	if n.MaxConnections > 0 {
		fill = float64(n.current) / float64(n.MaxConnections)
	}
	queue := float64(n.metrics.QueueDepth) / float64(b.thresholds.QueueCapacity)
	score := loadConnWeight*clamp01(fill) +
		loadCPUWeight*clamp01(n.metrics.CPUPercent/100) +
		loadMemWeight*clamp01(n.metrics.MemoryPercent/100) +
		loadQueueWeight*clamp01(queue)
	return clamp01(score)
}

// adaptiveScore blends success rate, inverse latency, inverse load and the
// learned node weight. Higher is better.
func (b *Balancer) adaptiveScore(n *node) float64 {
	latency := n.avgLatency().Seconds()
	return b.weights.SuccessRate*n.successRate() +
		b.weights.ResponseTime*(1/(1+latency)) +
		b.weights.Load*(1-b.loadScore(n)) +
		b.weights.NodeWeight*(n.adaptive/maxAdaptiveWeight)
}

// minBy returns the first node with the lowest key.
func minBy(nodes []*node, key func(*node) float64) *node {
	best, bestKey := nodes[0], key(nodes[0])
	for _, n := range nodes[1:] {
		if k := key(n); k < bestKey {
			best, bestKey = n, k
		}
	}
	return best
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

