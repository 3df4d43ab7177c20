// Package scaler turns metric snapshots into bounded scaling decisions.
//
// Every enabled Policy is evaluated independently on each snapshot. When
// several fire, scale-ups win over scale-downs and ties go to the largest
// urgency, |value-threshold|/threshold. Only the winner is applied. After a
// scaling action a global cooldown, the shortest cooldown among enabled
// policies, suppresses further evaluation. The instance count never leaves
// the configured bounds.
//
// Forecast fits a least-squares line through recent samples of a metric and
// projects it forward. It is advisory and never triggers scaling itself.
package scaler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zero-day-ai/probegrid/scanerr"
)

// Direction is the sense of a scaling decision.
type Direction string

const (
	ScaleUp   Direction = "scale_up"
	ScaleDown Direction = "scale_down"
	Stable    Direction = "stable"
)

// Decision is a policy recommendation for one snapshot.
type Decision struct {
	Policy    string    `json:"policy"`
	Direction Direction `json:"direction"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Urgency   float64   `json:"urgency"`
	Current   int       `json:"current"`
	New       int       `json:"new"`
	Applied   bool      `json:"applied"`
}

// Event is an applied scaling action.
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Direction Direction `json:"direction"`
	Policy    string    `json:"policy"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	From      int       `json:"from"`
	To        int       `json:"to"`
}

// Actuator carries out an applied decision, for example by resizing a
// worker pool.
type Actuator interface {
	Scale(ctx context.Context, from, to int) error
}

// ActuatorFunc adapts a function to Actuator.
type ActuatorFunc func(ctx context.Context, from, to int) error

// Scale calls f.
func (f ActuatorFunc) Scale(ctx context.Context, from, to int) error { return f(ctx, from, to) }

// HistorySink persists scaling events.
type HistorySink interface {
	SaveEvent(ctx context.Context, e Event) error
}

// Source provides metric snapshots to Run.
type Source interface {
	Metrics(ctx context.Context) (Metrics, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Metrics, error)

// Metrics calls f.
func (f SourceFunc) Metrics(ctx context.Context) (Metrics, error) { return f(ctx) }

// Options configures a Scaler.
type Options struct {
	// Initial instance count, clamped into [MinInstances, MaxInstances].
	Initial int

	// MinInstances and MaxInstances bound every decision. Defaults: 1 and 10
	MinInstances int
	MaxInstances int

	// HistorySize bounds the event ring. Default: 100
	HistorySize int

	// ForecastWindow is the number of recent samples kept per metric for
	// forecasting. Default: 10
	ForecastWindow int

	Sink     HistorySink
	Actuator Actuator
	Now      func() time.Time
	Logger   *slog.Logger
}

type compiledPolicy struct {
	Policy
	cond *condition
}

// Scaler evaluates policies. It is safe for concurrent use.
type Scaler struct {
	min            int
	max            int
	historySize    int
	forecastWindow int
	sink           HistorySink
	actuator       Actuator
	now            func() time.Time
	logger         *slog.Logger

	mu        sync.Mutex
	current   int
	policies  []compiledPolicy
	lastScale time.Time
	history   []Event
	next      int
	samples   map[Metric][]float64
}

// New creates a scaler.
func New(opts Options) (*Scaler, error) {
	if opts.MinInstances <= 0 {
		opts.MinInstances = 1
	}
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 10
	}
	if opts.MaxInstances < opts.MinInstances {
		return nil, scanerr.New("scaler.New", scanerr.KindValidation,
			fmt.Sprintf("max instances %d below min instances %d", opts.MaxInstances, opts.MinInstances))
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 100
	}
	if opts.ForecastWindow < 2 {
		opts.ForecastWindow = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Scaler{
		min:            opts.MinInstances,
		max:            opts.MaxInstances,
		historySize:    opts.HistorySize,
		forecastWindow: opts.ForecastWindow,
		sink:           opts.Sink,
		actuator:       opts.Actuator,
		now:            opts.Now,
		logger:         opts.Logger.With("component", "scaler"),
		current:        clamp(opts.Initial, opts.MinInstances, opts.MaxInstances),
		samples:        make(map[Metric][]float64),
	}, nil
}

// AddPolicy validates p and compiles its condition.
func (s *Scaler) AddPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cp := compiledPolicy{Policy: p}
	if p.Condition != "" {
		cond, err := compileCondition(p.Condition)
		if err != nil {
			return scanerr.Wrap("scaler.AddPolicy", scanerr.KindValidation, err).
				WithDetails(map[string]any{"policy": p.Name, "condition": p.Condition})
		}
		cp.cond = cond
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.policies {
		if existing.Name == p.Name {
			s.policies[i] = cp
			return nil
		}
	}
	s.policies = append(s.policies, cp)
	return nil
}

// Policies returns the configured policies.
func (s *Scaler) Policies() []Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Policy, len(s.policies))
	for i, p := range s.policies {
		out[i] = p.Policy
	}
	return out
}

// Current returns the current instance count.
func (s *Scaler) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Bounds returns the global instance bounds.
func (s *Scaler) Bounds() (min, max int) {
	return s.min, s.max
}

// Evaluate records m for forecasting and evaluates every enabled policy.
// The returned decisions are ordered by priority; the first one, if any, has
// been applied. During the global cooldown it returns nil.
func (s *Scaler) Evaluate(ctx context.Context, m Metrics) []Decision {
	now := s.now()

	s.mu.Lock()
	s.recordLocked(m)

	if cd := s.cooldownLocked(); !s.lastScale.IsZero() && now.Sub(s.lastScale) < cd {
		s.mu.Unlock()
		return nil
	}

	var decisions []Decision
	for _, p := range s.policies {
		if d, ok := s.decideLocked(p, m); ok {
			decisions = append(decisions, d)
		}
	}
	if len(decisions) == 0 {
		s.mu.Unlock()
		return nil
	}

	sort.SliceStable(decisions, func(i, j int) bool {
		a, b := decisions[i], decisions[j]
		if a.Direction != b.Direction {
			return a.Direction == ScaleUp
		}
		return a.Urgency > b.Urgency
	})

	win := &decisions[0]
	win.Applied = true
	event := Event{
		ID:        uuid.NewString(),
		Time:      now,
		Direction: win.Direction,
		Policy:    win.Policy,
		Metric:    win.Metric,
		Value:     win.Value,
		Threshold: win.Threshold,
		From:      win.Current,
		To:        win.New,
	}
	s.current = win.New
	s.lastScale = now
	s.appendLocked(event)
	s.mu.Unlock()

	s.logger.Info("scaling applied",
		"policy", event.Policy,
		"direction", string(event.Direction),
		"metric", string(event.Metric),
		"value", event.Value,
		"from", event.From,
		"to", event.To,
	)

	if s.sink != nil {
		if err := s.sink.SaveEvent(ctx, event); err != nil {
			s.logger.Error("failed to persist scaling event", "event_id", event.ID, "error", err)
		}
	}
	if s.actuator != nil {
		if err := s.actuator.Scale(ctx, event.From, event.To); err != nil {
			s.logger.Error("scaling actuator failed", "from", event.From, "to", event.To, "error", err)
		}
	}
	return decisions
}

func (s *Scaler) decideLocked(p compiledPolicy, m Metrics) (Decision, bool) {
	if !p.Enabled {
		return Decision{}, false
	}
	value, ok := m[p.Metric]
	if !ok {
		return Decision{}, false
	}
	if p.cond != nil {
		pass, err := p.cond.eval(m)
		if err != nil {
			s.logger.Warn("policy condition failed", "policy", p.Name, "condition", p.cond.expr, "error", err)
			return Decision{}, false
		}
		if !pass {
			return Decision{}, false
		}
	}

	hi := min(p.MaxInstances, s.max)
	lo := max(p.MinInstances, s.min)

	d := Decision{Policy: p.Name, Metric: p.Metric, Value: value, Current: s.current}
	switch {
	case value >= p.ScaleUpThreshold && s.current < hi:
		d.Direction = ScaleUp
		d.Threshold = p.ScaleUpThreshold
		d.New = min(s.current+p.increment(), hi)
	case value <= p.ScaleDownThreshold && s.current > lo:
		d.Direction = ScaleDown
		d.Threshold = p.ScaleDownThreshold
		d.New = max(s.current-p.increment(), lo)
	default:
		return Decision{}, false
	}
	d.Urgency = urgency(value, d.Threshold)
	return d, true
}

// cooldownLocked is the shortest cooldown among enabled policies.
func (s *Scaler) cooldownLocked() time.Duration {
	var cd time.Duration
	first := true
	for _, p := range s.policies {
		if !p.Enabled {
			continue
		}
		if first || p.Cooldown < cd {
			cd = p.Cooldown
			first = false
		}
	}
	return cd
}

// Cooldown returns the global cooldown and how much of it remains.
func (s *Scaler) Cooldown() (total, remaining time.Duration) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	total = s.cooldownLocked()
	if s.lastScale.IsZero() {
		return total, 0
	}
	if left := total - now.Sub(s.lastScale); left > 0 {
		remaining = left
	}
	return total, remaining
}

func (s *Scaler) appendLocked(e Event) {
	if len(s.history) < s.historySize {
		s.history = append(s.history, e)
		return
	}
	s.history[s.next] = e
	s.next = (s.next + 1) % s.historySize
}

// History returns applied events, oldest first.
func (s *Scaler) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.history))
	out = append(out, s.history[s.next:]...)
	out = append(out, s.history[:s.next]...)
	return out
}

// Restore seeds the history ring, for example from a persisted store. The
// events are expected oldest first; only the newest ones that fit are kept.
func (s *Scaler) Restore(events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
	s.next = 0
	for _, e := range events {
		s.appendLocked(e)
	}
}

// Run evaluates a snapshot from src every interval until ctx is done. A
// source error with a partial snapshot still evaluates the metrics present.
func (s *Scaler) Run(ctx context.Context, src Source, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("evaluation loop started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("evaluation loop stopped")
			return
		case <-ticker.C:
			m, err := src.Metrics(ctx)
			if err != nil {
				s.logger.Warn("failed to collect metrics", "error", err, "partial", len(m))
				if len(m) == 0 {
					continue
				}
			}
			s.Evaluate(ctx, m)
		}
	}
}

func urgency(value, threshold float64) float64 {
	if threshold == 0 {
		if value < 0 {
			return -value
		}
		return value
	}
	u := (value - threshold) / threshold
	if u < 0 {
		return -u
	}
	return u
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
