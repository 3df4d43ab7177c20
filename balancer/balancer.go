package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zero-day-ai/probegrid/health"
	"github.com/zero-day-ai/probegrid/scanerr"
)

// Strategy names a node selection algorithm.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	ResponseTime       Strategy = "response_time"
	ResourceBased      Strategy = "resource_based"
	Adaptive           Strategy = "adaptive"
)

// Strategies lists every supported strategy.
func Strategies() []Strategy {
	return []Strategy{RoundRobin, LeastConnections, WeightedRoundRobin, ResponseTime, ResourceBased, Adaptive}
}

// IsValid reports whether s is a supported strategy.
func (s Strategy) IsValid() bool {
	for _, known := range Strategies() {
		if s == known {
			return true
		}
	}
	return false
}

var (
	ErrNoHealthyNodes  = errors.New("balancer: no healthy nodes")
	ErrUnknownNode     = errors.New("balancer: unknown node")
	ErrDuplicateNode   = errors.New("balancer: node already registered")
	ErrUnknownStrategy = errors.New("balancer: unknown strategy")
)

const (
	defaultMaxConnections = 100
	minAdaptiveWeight     = 0.1
	maxAdaptiveWeight     = 2.0
)

// Node describes a worker node.
type Node struct {
	ID             string  `json:"id" yaml:"id"`
	Endpoint       string  `json:"endpoint" yaml:"endpoint"`
	Weight         float64 `json:"weight" yaml:"weight"`
	MaxConnections int     `json:"max_connections" yaml:"max_connections"`
}

// NodeMetrics is resource telemetry reported by a node.
type NodeMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	QueueDepth    int     `json:"queue_depth"`
}

// Thresholds drive health classification.
type Thresholds struct {
	// HealthySuccessRate must be exceeded for a node to be healthy. Default: 0.8
	HealthySuccessRate float64 `yaml:"healthy_success_rate,omitempty"`

	// UnhealthySuccessRate marks a node unhealthy when undercut. Default: 0.5
	UnhealthySuccessRate float64 `yaml:"unhealthy_success_rate,omitempty"`

	// Freshness bounds the age of samples considered. Default: 5m
	Freshness time.Duration `yaml:"freshness,omitempty"`

	// LatencyCeiling must not be reached by a healthy node's average latency. Default: 5s
	LatencyCeiling time.Duration `yaml:"latency_ceiling,omitempty"`

	// Window is the number of recent outcomes kept per node. Default: 100
	Window int `yaml:"window,omitempty"`

	// QueueCapacity normalizes queue depth in the load score. Default: 100
	QueueCapacity int `yaml:"queue_capacity,omitempty"`
}

func (t Thresholds) withDefaults() Thresholds {
	if t.HealthySuccessRate <= 0 {
		t.HealthySuccessRate = 0.8
	}
	if t.UnhealthySuccessRate <= 0 {
		t.UnhealthySuccessRate = 0.5
	}
	if t.Freshness <= 0 {
		t.Freshness = 5 * time.Minute
	}
	if t.LatencyCeiling <= 0 {
		t.LatencyCeiling = 5 * time.Second
	}
	if t.Window <= 0 {
		t.Window = 100
	}
	if t.QueueCapacity <= 0 {
		t.QueueCapacity = 100
	}
	return t
}

// AdaptiveWeights blend the adaptive score. They need not sum to one.
type AdaptiveWeights struct {
	SuccessRate  float64 `yaml:"success_rate,omitempty"`
	ResponseTime float64 `yaml:"response_time,omitempty"`
	Load         float64 `yaml:"load,omitempty"`
	NodeWeight   float64 `yaml:"node_weight,omitempty"`
}

// DefaultAdaptiveWeights returns 0.3/0.3/0.2/0.2.
func DefaultAdaptiveWeights() AdaptiveWeights {
	return AdaptiveWeights{SuccessRate: 0.3, ResponseTime: 0.3, Load: 0.2, NodeWeight: 0.2}
}

func (w AdaptiveWeights) isZero() bool {
	return w == AdaptiveWeights{}
}

// Options configures a Balancer.
type Options struct {
	Strategy        Strategy
	Thresholds      Thresholds
	AdaptiveWeights AdaptiveWeights

	// OnStatusChange is called for every health transition found by
	// EvaluateHealth. It must not call back into the balancer.
	OnStatusChange func(id string, from, to health.Status)

	Now    func() time.Time
	Logger *slog.Logger
}

// NodeStats is a snapshot of one node.
type NodeStats struct {
	Node
	CurrentConnections int           `json:"current_connections"`
	TotalRequests      uint64        `json:"total_requests"`
	SuccessfulRequests uint64        `json:"successful_requests"`
	FailedRequests     uint64        `json:"failed_requests"`
	Selections         uint64        `json:"selections"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	SuccessRate        float64       `json:"success_rate"`
	LoadScore          float64       `json:"load_score"`
	AdaptiveWeight     float64       `json:"adaptive_weight"`
	Status             health.Status `json:"status"`
	Metrics            NodeMetrics   `json:"metrics"`
	LastActivity       time.Time     `json:"last_activity,omitempty"`
}

type sample struct {
	at      time.Time
	ok      bool
	latency time.Duration
}

type node struct {
	Node
	current      int
	total        uint64
	success      uint64
	failed       uint64
	selections   uint64
	samples      []sample
	adaptive     float64
	status       health.Status
	maintenance  bool
	metrics      NodeMetrics
	lastActivity time.Time
}

// Balancer selects worker nodes. It is safe for concurrent use.
type Balancer struct {
	strategy   Strategy
	thresholds Thresholds
	weights    AdaptiveWeights
	now        func() time.Time
	logger     *slog.Logger

	onStatusChange func(id string, from, to health.Status)

	mu    sync.Mutex
	order []string
	nodes map[string]*node
	rr    int
	wrr   int
}

// New creates a balancer. The zero Strategy is RoundRobin.
func New(opts Options) (*Balancer, error) {
	if opts.Strategy == "" {
		opts.Strategy = RoundRobin
	}
	if !opts.Strategy.IsValid() {
		return nil, scanerr.Wrap("balancer.New", scanerr.KindValidation, ErrUnknownStrategy).
			WithDetails(map[string]any{"strategy": string(opts.Strategy)})
	}
	if opts.AdaptiveWeights.isZero() {
		opts.AdaptiveWeights = DefaultAdaptiveWeights()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Balancer{
		strategy:   opts.Strategy,
		thresholds: opts.Thresholds.withDefaults(),
		weights:    opts.AdaptiveWeights,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "balancer"),
		nodes:      make(map[string]*node),

		onStatusChange: opts.OnStatusChange,
	}, nil
}

// Strategy returns the selection strategy.
func (b *Balancer) Strategy() Strategy {
	return b.strategy
}

// Thresholds returns the effective health thresholds.
func (b *Balancer) Thresholds() Thresholds {
	return b.thresholds
}

// AddNode registers a node as healthy. Weight defaults to 1 and
// MaxConnections to 100.
func (b *Balancer) AddNode(n Node) error {
	if n.ID == "" {
		return scanerr.New("balancer.AddNode", scanerr.KindValidation, "node id is required")
	}
	if n.Weight <= 0 {
		n.Weight = 1
	}
	if n.MaxConnections <= 0 {
		n.MaxConnections = defaultMaxConnections
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[n.ID]; ok {
		return scanerr.Wrap("balancer.AddNode", scanerr.KindValidation, ErrDuplicateNode).
			WithDetails(map[string]any{"node_id": n.ID})
	}
	b.nodes[n.ID] = &node{
		Node:     n,
		adaptive: 1.0,
		status:   health.StatusHealthy,
	}
	b.order = append(b.order, n.ID)
	b.logger.Info("node added", "node_id", n.ID, "endpoint", n.Endpoint)
	return nil
}

// RemoveNode unregisters a node. In-flight work on it may still Complete,
// which then reports ErrUnknownNode.
func (b *Balancer) RemoveNode(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[id]; !ok {
		return unknownNode("balancer.RemoveNode", id)
	}
	delete(b.nodes, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.logger.Info("node removed", "node_id", id)
	return nil
}

// SetMaintenance takes a node out of rotation, or puts it back. A node
// leaving maintenance is reclassified from its rolling window, so an
// unhealthy node stays out of rotation. Setting the current mode is a no-op.
func (b *Balancer) SetMaintenance(id string, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return unknownNode("balancer.SetMaintenance", id)
	}
	if n.maintenance == on {
		return nil
	}
	n.maintenance = on
	if on {
		n.status = health.StatusMaintenance
	} else {
		n.status = b.classify(n)
	}
	b.logger.Info("node maintenance changed", "node_id", id, "maintenance", on, "status", n.status.String())
	return nil
}

// UpdateMetrics records resource telemetry for a node.
func (b *Balancer) UpdateMetrics(id string, m NodeMetrics) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return unknownNode("balancer.UpdateMetrics", id)
	}
	n.metrics = m
	return nil
}

// SelectNode picks an eligible node and counts a new connection on it.
// With no eligible node it returns ErrNoHealthyNodes as a resource_exhausted
// error.
func (b *Balancer) SelectNode(ctx context.Context) (NodeStats, error) {
	if err := ctx.Err(); err != nil {
		return NodeStats{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	eligible := b.eligibleLocked()
	if len(eligible) == 0 {
		return NodeStats{}, scanerr.Wrap("balancer.SelectNode", scanerr.KindResourceExhausted, ErrNoHealthyNodes).
			WithDetails(map[string]any{"nodes": len(b.nodes), "strategy": string(b.strategy)})
	}

	n := b.pickLocked(eligible)
	n.current++
	n.selections++
	return b.statsLocked(n), nil
}

// Complete records the outcome of work routed to node id and releases its
// connection.
func (b *Balancer) Complete(id string, success bool, latency time.Duration) error {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return unknownNode("balancer.Complete", id)
	}

	if n.current > 0 {
		n.current--
	}
	n.total++
	if success {
		n.success++
	} else {
		n.failed++
	}
	n.lastActivity = now

	n.samples = append(n.samples, sample{at: now, ok: success, latency: latency})
	if over := len(n.samples) - b.thresholds.Window; over > 0 {
		n.samples = append(n.samples[:0], n.samples[over:]...)
	}

	n.adaptive = nextAdaptiveWeight(n.adaptive, success)
	return nil
}

// Abort releases a connection taken by SelectNode without recording an
// outcome, for work that never reached the node.
func (b *Balancer) Abort(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return unknownNode("balancer.Abort", id)
	}
	if n.current > 0 {
		n.current--
	}
	return nil
}

// Nodes returns a snapshot of every node in registration order.
func (b *Balancer) Nodes() []NodeStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]NodeStats, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.statsLocked(b.nodes[id]))
	}
	return out
}

// Node returns a snapshot of one node.
func (b *Balancer) Node(id string) (NodeStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.nodes[id]
	if !ok {
		return NodeStats{}, false
	}
	return b.statsLocked(n), true
}

// Len returns the number of registered nodes.
func (b *Balancer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.nodes)
}

// nextAdaptiveWeight moves w by an exponential moving average toward w+0.1
// on success or w-0.1 on failure. Failures adapt three times faster.
func nextAdaptiveWeight(w float64, success bool) float64 {
	target, alpha := w+0.1, 0.1
	if !success {
		target, alpha = w-0.1, 0.3
	}
	w = (1-alpha)*w + alpha*target
	if w < minAdaptiveWeight {
		return minAdaptiveWeight
	}
	if w > maxAdaptiveWeight {
		return maxAdaptiveWeight
	}
	return w
}

func (b *Balancer) eligibleLocked() []*node {
	var out []*node
	for _, id := range b.order {
		n := b.nodes[id]
		if n.eligible() {
			out = append(out, n)
		}
	}
	return out
}

func (n *node) eligible() bool {
	return !n.maintenance && n.status == health.StatusHealthy && n.current < n.MaxConnections
}

func (n *node) successRate() float64 {
	if len(n.samples) == 0 {
		return 1
	}
	ok := 0
	for _, s := range n.samples {
		if s.ok {
			ok++
		}
	}
	return float64(ok) / float64(len(n.samples))
}

func (n *node) avgLatency() time.Duration {
	if len(n.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range n.samples {
		sum += s.latency
	}
	return sum / time.Duration(len(n.samples))
}

func (b *Balancer) statsLocked(n *node) NodeStats {
	return NodeStats{
		Node:               n.Node,
		CurrentConnections: n.current,
		TotalRequests:      n.total,
		SuccessfulRequests: n.success,
		FailedRequests:     n.failed,
		Selections:         n.selections,
		AvgResponseTime:    n.avgLatency(),
		SuccessRate:        n.successRate(),
		LoadScore:          b.loadScore(n),
		AdaptiveWeight:     n.adaptive,
		Status:             n.status,
		Metrics:            n.metrics,
		LastActivity:       n.lastActivity,
	}
}

func unknownNode(op, id string) error {
	return scanerr.Wrap(op, scanerr.KindValidation, ErrUnknownNode).
		WithDetails(map[string]any{"node_id": id})
}

// String implements fmt.Stringer for log output.
func (s NodeStats) String() string {
	return fmt.Sprintf("%s(%s conns=%d/%d sr=%.2f)", s.ID, s.Status, s.CurrentConnections, s.MaxConnections, s.SuccessRate)
}
