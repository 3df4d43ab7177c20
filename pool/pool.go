// Package pool provides a generic bounded resource pool.
//
// Acquire hands out an idle resource, creates one while the pool is below
// its maximum, or queues the caller until a Release satisfies it. Waiters are
// served in FIFO order. Every acquisition returns a Lease whose opaque ID is
// what Release uses to recognize the resource, so value-like resources with
// reused identities are tracked correctly.
//
// A resource that fails its health check on release is destroyed instead of
// returning to the idle set, and the pool is refilled to its minimum (or to
// satisfy a queued caller).
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zero-day-ai/probegrid/scanerr"
)

var (
	// ErrTimeout is returned when no resource became available in time.
	ErrTimeout = errors.New("pool: acquire timed out")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
)

// Config configures a Pool.
type Config[T any] struct {
	// Name identifies the pool in logs and stats.
	Name string

	// MinSize resources are created by New and maintained after health failures.
	MinSize int

	// MaxSize bounds idle plus active resources. Required.
	MaxSize int

	// Factory creates a resource. Required.
	Factory func(ctx context.Context) (T, error)

	// Destroy releases a resource that leaves the pool. Optional.
	Destroy func(T)

	// HealthCheck is consulted on Release. A false result destroys the resource.
	HealthCheck func(T) bool

	Logger *slog.Logger
}

// Lease is an acquired resource. Pass it back to Release exactly once.
type Lease[T any] struct {
	id         string
	resource   T
	acquiredAt time.Time
}

// ID returns the opaque lease token.
func (l *Lease[T]) ID() string { return l.id }

// Resource returns the leased resource.
func (l *Lease[T]) Resource() T { return l.resource }

// AcquiredAt returns when the lease was granted.
func (l *Lease[T]) AcquiredAt() time.Time { return l.acquiredAt }

// Stats is a point-in-time view of pool accounting.
type Stats struct {
	Name            string `json:"name"`
	MinSize         int    `json:"min_size"`
	MaxSize         int    `json:"max_size"`
	Idle            int    `json:"idle"`
	Active          int    `json:"active"`
	Total           int    `json:"total"`
	Waiting         int    `json:"waiting"`
	Created         uint64 `json:"created"`
	Destroyed       uint64 `json:"destroyed"`
	Acquired        uint64 `json:"acquired"`
	Timeouts        uint64 `json:"timeouts"`
	HealthFailures  uint64 `json:"health_failures"`
	UnknownReleases uint64 `json:"unknown_releases"`
}

type grant[T any] struct {
	lease *Lease[T]
	err   error
}

type waiter[T any] struct {
	ch chan grant[T]
}

// Pool is a bounded pool of T. It is safe for concurrent use.
type Pool[T any] struct {
	name        string
	factory     func(ctx context.Context) (T, error)
	destroy     func(T)
	healthCheck func(T) bool
	logger      *slog.Logger

	mu      sync.Mutex
	min     int
	max     int
	total   int // idle + active + under construction
	idle    []T
	active  map[string]*Lease[T]
	waiters []*waiter[T]
	closed  bool

	created         uint64
	destroyed       uint64
	acquired        uint64
	timeouts        uint64
	healthFailures  uint64
	unknownReleases uint64
}

// New creates a pool and pre-warms MinSize resources.
func New[T any](ctx context.Context, cfg Config[T]) (*Pool[T], error) {
	const op = "pool.New"
	switch {
	case cfg.Factory == nil:
		return nil, scanerr.New(op, scanerr.KindValidation, "factory is required")
	case cfg.MaxSize < 1:
		return nil, scanerr.New(op, scanerr.KindValidation, "max size must be at least 1")
	case cfg.MinSize < 0 || cfg.MinSize > cfg.MaxSize:
		return nil, scanerr.New(op, scanerr.KindValidation,
			fmt.Sprintf("min size %d must be within [0, %d]", cfg.MinSize, cfg.MaxSize))
	}
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool[T]{
		name:        cfg.Name,
		factory:     cfg.Factory,
		destroy:     cfg.Destroy,
		healthCheck: cfg.HealthCheck,
		logger:      cfg.Logger.With("component", "pool", "pool", cfg.Name),
		min:         cfg.MinSize,
		max:         cfg.MaxSize,
		active:      make(map[string]*Lease[T]),
	}

	for i := 0; i < cfg.MinSize; i++ {
		res, err := p.factory(ctx)
		if err != nil {
			for _, r := range p.idle {
				p.destroyResource(r)
			}
			return nil, scanerr.Wrap(op, scanerr.KindSystem, err).
				WithDetails(map[string]any{"pool": cfg.Name, "prewarmed": i})
		}
		p.idle = append(p.idle, res)
		p.total++
		p.created++
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool[T]) Name() string { return p.name }

// Acquire leases a resource. With timeout == 0 it never waits: an exhausted
// pool returns ErrTimeout immediately. A negative timeout waits until ctx is
// done. Timeouts are *scanerr.Error values of kind resource_exhausted.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration) (*Lease[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.closedErr()
	}

	if n := len(p.idle); n > 0 {
		res := p.idle[n-1]
		p.idle = p.idle[:n-1]
		l := p.leaseLocked(res)
		p.mu.Unlock()
		return l, nil
	}

	if p.total < p.max {
		p.total++
		p.mu.Unlock()
		return p.create(ctx)
	}

	if timeout == 0 {
		p.timeouts++
		p.mu.Unlock()
		return nil, p.timeoutErr(timeout)
	}

	w := &waiter[T]{ch: make(chan grant[T], 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case g := <-w.ch:
		return g.lease, g.err
	case <-expired:
		return nil, p.abandon(w, p.timeoutErr(timeout))
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = p.timeoutErr(timeout)
		}
		return nil, p.abandon(w, err)
	}
}

// Release returns a leased resource. Releasing an unknown or already
// released lease is logged and otherwise ignored.
func (p *Pool[T]) Release(l *Lease[T]) {
	if l == nil {
		p.logger.Warn("release of nil lease")
		return
	}

	p.mu.Lock()
	if _, ok := p.active[l.id]; !ok {
		p.unknownReleases++
		p.mu.Unlock()
		p.logger.Warn("release of unknown or already released lease", "lease_id", l.id)
		return
	}
	delete(p.active, l.id)
	p.mu.Unlock()

	healthy := p.healthCheck == nil || p.healthCheck(l.resource)

	p.mu.Lock()
	switch {
	case p.closed || p.total > p.max:
		p.total--
		p.destroyed++
		p.mu.Unlock()
		p.destroyResource(l.resource)
		return
	case !healthy:
		p.total--
		p.destroyed++
		p.healthFailures++
		p.mu.Unlock()
		p.logger.Warn("resource failed health check, destroying", "lease_id", l.id)
		p.destroyResource(l.resource)
		p.replenish()
		return
	}
	p.putLocked(l.resource)
	p.mu.Unlock()
}

// Resize changes the maximum size. Shrinking destroys surplus idle
// resources; active ones are destroyed as they are released. Growing serves
// queued callers.
func (p *Pool[T]) Resize(max int) error {
	if max < 1 {
		return scanerr.New("pool.Resize", scanerr.KindValidation, "max size must be at least 1")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return p.closedErr()
	}
	p.max = max
	if p.min > max {
		p.min = max
	}
	var surplus []T
	for p.total > p.max && len(p.idle) > 0 {
		n := len(p.idle)
		surplus = append(surplus, p.idle[n-1])
		p.idle = p.idle[:n-1]
		p.total--
		p.destroyed++
	}
	p.mu.Unlock()

	for _, r := range surplus {
		p.destroyResource(r)
	}
	p.replenish()
	return nil
}

// Stats returns current accounting.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Name:            p.name,
		MinSize:         p.min,
		MaxSize:         p.max,
		Idle:            len(p.idle),
		Active:          len(p.active),
		Total:           p.total,
		Waiting:         len(p.waiters),
		Created:         p.created,
		Destroyed:       p.destroyed,
		Acquired:        p.acquired,
		Timeouts:        p.timeouts,
		HealthFailures:  p.healthFailures,
		UnknownReleases: p.unknownReleases,
	}
}

// Close destroys idle resources and fails queued callers with ErrClosed.
// Outstanding leases are destroyed when released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.destroyed += uint64(len(idle))
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- grant[T]{err: p.closedErr()}
	}
	for _, r := range idle {
		p.destroyResource(r)
	}
	p.logger.Debug("pool closed", "destroyed_idle", len(idle))
	return nil
}

func (p *Pool[T]) create(ctx context.Context) (*Lease[T], error) {
	res, err := p.factory(ctx)

	p.mu.Lock()
	if err != nil {
		p.total--
		p.mu.Unlock()
		p.replenish()
		return nil, scanerr.Wrap("pool.Acquire", scanerr.KindSystem, err).
			WithDetails(map[string]any{"pool": p.name})
	}
	p.created++
	if p.closed {
		p.total--
		p.destroyed++
		p.mu.Unlock()
		p.destroyResource(res)
		return nil, p.closedErr()
	}
	l := p.leaseLocked(res)
	p.mu.Unlock()
	return l, nil
}

// replenish creates resources while the pool is below its minimum or a
// queued caller can be served.
func (p *Pool[T]) replenish() {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.max || (p.total >= p.min && len(p.waiters) == 0) {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		res, err := p.factory(context.Background())

		p.mu.Lock()
		if err != nil {
			p.total--
			p.mu.Unlock()
			p.logger.Error("failed to replenish pool", "error", err)
			return
		}
		p.created++
		if p.closed {
			p.total--
			p.destroyed++
			p.mu.Unlock()
			p.destroyResource(res)
			return
		}
		p.putLocked(res)
		p.mu.Unlock()
	}
}

// putLocked hands res to the oldest waiter or returns it to the idle set.
func (p *Pool[T]) putLocked(res T) {
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters[0] = nil
		p.waiters = p.waiters[1:]
		w.ch <- grant[T]{lease: p.leaseLocked(res)}
		return
	}
	p.idle = append(p.idle, res)
}

func (p *Pool[T]) leaseLocked(res T) *Lease[T] {
	l := &Lease[T]{
		id:         uuid.NewString(),
		resource:   res,
		acquiredAt: time.Now(),
	}
	p.active[l.id] = l
	p.acquired++
	return l
}

// abandon removes w from the queue. If w was granted concurrently the lease
// goes back to the pool so no resource leaks.
func (p *Pool[T]) abandon(w *waiter[T], err error) error {
	p.mu.Lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			if errors.Is(err, ErrTimeout) {
				p.timeouts++
			}
			p.mu.Unlock()
			return err
		}
	}
	p.mu.Unlock()

	if g := <-w.ch; g.lease != nil {
		p.Release(g.lease)
	}
	return err
}

func (p *Pool[T]) destroyResource(res T) {
	if p.destroy != nil {
		p.destroy(res)
	}
}

func (p *Pool[T]) timeoutErr(timeout time.Duration) error {
	return scanerr.Wrap("pool.Acquire", scanerr.KindResourceExhausted, ErrTimeout).
		WithDetails(map[string]any{"pool": p.name, "timeout": timeout.String()})
}

func (p *Pool[T]) closedErr() error {
	return scanerr.Wrap("pool.Acquire", scanerr.KindSystem, ErrClosed).
		WithDetails(map[string]any{"pool": p.name})
}
