package scanerr

import (
	"context"
	"fmt"
	"sync"
)

// Operation is a unit of work a recovery strategy may re-run.
type Operation func(ctx context.Context) error

// Strategy attempts to recover from cause, typically by re-running op.
// It returns nil when recovery succeeded, or the error to surface.
type Strategy interface {
	Recover(ctx context.Context, cause error, op Operation) error
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, cause error, op Operation) error

// Recover calls f.
func (f StrategyFunc) Recover(ctx context.Context, cause error, op Operation) error {
	return f(ctx, cause, op)
}

// Registry maps error kinds to recovery strategies. It is safe for
// concurrent use; strategies are usually registered at construction time and
// looked up on every failed call.
type Registry struct {
	mu         sync.RWMutex
	strategies map[Kind]Strategy
}

// NewRegistry returns an empty registry. Errors pass through Recover unchanged
// until strategies are registered.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[Kind]Strategy),
	}
}

// DefaultRegistry returns a registry with exponential-backoff retry installed
// for the network and rate-limit kinds.
func DefaultRegistry(cfg BackoffConfig) *Registry {
	r := NewRegistry()
	retry := NewRetryWithBackoff(cfg)
	_ = r.Register(KindNetwork, retry)
	_ = r.Register(KindRateLimit, retry)
	return r
}

// Register installs s for kind, replacing any previous strategy. Validation
// and system errors are never auto-recovered, so registering for them fails.
func (r *Registry) Register(kind Kind, s Strategy) error {
	if !kind.IsValid() {
		return New("scanerr.Register", KindValidation, fmt.Sprintf("unknown error kind %q", kind))
	}
	if kind == KindValidation || kind == KindSystem {
		return New("scanerr.Register", KindValidation, fmt.Sprintf("kind %q cannot have a recovery strategy", kind))
	}
	if s == nil {
		return New("scanerr.Register", KindValidation, "strategy is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[kind] = s
	return nil
}

// Lookup returns the strategy registered for kind.
func (r *Registry) Lookup(kind Kind) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[kind]
	return s, ok
}

// Kinds returns the kinds that currently have a strategy.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.strategies))
	for k := range r.strategies {
		kinds = append(kinds, k)
	}
	return kinds
}

// Recover classifies cause and hands it to the matching strategy. Without a
// strategy, or for a nil cause, it returns cause unchanged.
func (r *Registry) Recover(ctx context.Context, cause error, op Operation) error {
	if cause == nil {
		return nil
	}
	s, ok := r.Lookup(KindOf(cause))
	if !ok {
		return cause
	}
	return s.Recover(ctx, cause, op)
}
