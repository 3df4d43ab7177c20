// Package breaker isolates failing dependencies behind circuit breakers.
//
// A Breaker moves through three states:
//
//	closed    --(FailureThreshold consecutive failures)--> open
//	open      --(RecoveryTimeout elapsed)----------------> half-open
//	half-open --(trial call succeeds)--------------------> closed
//	half-open --(trial call fails)-----------------------> open
//
// While open, calls fail fast with ErrOpen without running. Half-open admits
// exactly one trial call; concurrent callers get ErrTooManyRequests.
//
// Manager keeps one breaker per operation name and hands retryable failures
// to a scanerr.Registry for backoff recovery.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zero-day-ai/probegrid/scanerr"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

var (
	// ErrOpen is returned while the breaker is open.
	ErrOpen = errors.New("circuit open")

	// ErrTooManyRequests is returned to callers beyond the single half-open trial.
	ErrTooManyRequests = errors.New("circuit half-open: trial call in progress")
)

// Settings configures a Breaker.
type Settings struct {
	// Name identifies the protected operation in errors and logs.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the breaker.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before a trial call.
	// Default: 60s
	RecoveryTimeout time.Duration

	// IsFailure decides whether an error counts against the breaker.
	// Default: every non-nil error counts.
	IsFailure func(err error) bool

	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock used for LastFailure. Default: time.Now
	Now func() time.Time
}

// Counts is a snapshot of breaker accounting.
type Counts struct {
	State               State     `json:"state"`
	FailureCount        int       `json:"failure_count"`
	FailureThreshold    int       `json:"failure_threshold"`
	Requests            uint32    `json:"requests"`
	TotalSuccesses      uint32    `json:"total_successes"`
	TotalFailures       uint32    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	RecoveryTimeout     string    `json:"recovery_timeout"`
}

// Breaker is a circuit breaker around a single operation.
type Breaker struct {
	name      string
	threshold int
	timeout   time.Duration
	isFailure func(error) bool
	now       func() time.Time
	cb        *gobreaker.CircuitBreaker

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

// New creates a breaker, filling unset settings with defaults.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	if s.IsFailure == nil {
		s.IsFailure = func(err error) bool { return err != nil }
	}
	if s.Now == nil {
		s.Now = time.Now
	}

	b := &Breaker{
		name:      s.Name,
		threshold: s.FailureThreshold,
		timeout:   s.RecoveryTimeout,
		isFailure: s.IsFailure,
		now:       s.Now,
	}

	threshold := uint32(s.FailureThreshold)
	onChange := s.OnStateChange
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !b.isFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateClosed {
				b.mu.Lock()
				b.failures = 0
				b.mu.Unlock()
			}
			if onChange != nil {
				onChange(name, fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	return b
}

// Name returns the operation name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open breaker whose recovery timeout
// has elapsed reports half-open.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Execute runs fn unless the breaker is open. Errors from fn are returned
// unchanged; rejections are *scanerr.Error values of kind rate_limit wrapping
// ErrOpen or ErrTooManyRequests.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return scanerr.Wrap("breaker."+b.name, scanerr.KindRateLimit, ErrOpen)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return scanerr.Wrap("breaker."+b.name, scanerr.KindRateLimit, ErrTooManyRequests)
	}

	if err != nil && b.isFailure(err) {
		b.mu.Lock()
		b.failures++
		b.lastFailure = b.now()
		b.mu.Unlock()
	}
	return err
}

// Counts returns a snapshot of the breaker accounting.
func (b *Breaker) Counts() Counts {
	state := b.State()
	c := b.cb.Counts()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counts{
		State:               state,
		FailureCount:        b.failures,
		FailureThreshold:    b.threshold,
		Requests:            c.Requests,
		TotalSuccesses:      c.TotalSuccesses,
		TotalFailures:       c.TotalFailures,
		ConsecutiveFailures: c.ConsecutiveFailures,
		LastFailure:         b.lastFailure,
		RecoveryTimeout:     b.timeout.String(),
	}
}

// IsRejection reports whether err is a fail-fast rejection by a breaker.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests)
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func defaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
