package scanerr

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// BackoffConfig configures RetryWithBackoff.
type BackoffConfig struct {
	// MaxAttempts is the number of re-runs after the original failure.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// InitialInterval is the wait before the first re-run.
	// Default: 100ms
	InitialInterval time.Duration `yaml:"initial_interval,omitempty"`

	// MaxInterval caps the wait between re-runs.
	// Default: 5s
	MaxInterval time.Duration `yaml:"max_interval,omitempty"`

	// Multiplier grows the interval after each re-run.
	// Default: 2.0
	Multiplier float64 `yaml:"multiplier,omitempty"`
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	return c
}

// RetryWithBackoff re-runs the failed operation with exponential backoff
// until it succeeds, returns a non-retryable error, or the attempt budget is
// spent. The last error is surfaced.
type RetryWithBackoff struct {
	cfg BackoffConfig
}

// NewRetryWithBackoff creates a backoff strategy, filling unset fields with defaults.
func NewRetryWithBackoff(cfg BackoffConfig) *RetryWithBackoff {
	return &RetryWithBackoff{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (r *RetryWithBackoff) Config() BackoffConfig {
	return r.cfg
}

// Recover implements Strategy.
func (r *RetryWithBackoff) Recover(ctx context.Context, cause error, op Operation) error {
	if !IsRetryable(cause) {
		return cause
	}

	timer := time.NewTimer(r.cfg.InitialInterval)
	select {
	case <-ctx.Done():
		timer.Stop()
		return cause
	case <-timer.C:
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.Multiplier = r.cfg.Multiplier

	last := cause
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		last = err
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
	)
	if err == nil {
		return nil
	}
	// Prefer the operation's own error over the context error the retry
	// loop may return when ctx expires between attempts.
	return last
}
