package breaker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zero-day-ai/probegrid/scanerr"
)

// ManagerConfig configures the breakers a Manager creates.
type ManagerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout,omitempty"`

	// OnStateChange is called after every transition, after logging.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// Manager lazily creates one Breaker per operation name and routes retryable
// failures to a recovery registry.
type Manager struct {
	cfg      ManagerConfig
	recovery *scanerr.Registry
	logger   *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates a manager. A nil registry disables recovery; a nil
// logger uses slog.Default.
func NewManager(cfg ManagerConfig, recovery *scanerr.Registry, logger *slog.Logger) *Manager {
	if recovery == nil {
		recovery = scanerr.NewRegistry()
	}
	return &Manager{
		cfg:      cfg,
		recovery: recovery,
		logger:   defaultLogger(logger),
		breakers: make(map[string]*Breaker),
	}
}

// Breaker returns the breaker for op, creating it on first use.
func (m *Manager) Breaker(op string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[op]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[op]; ok {
		return b
	}
	b = New(Settings{
		Name:             op,
		FailureThreshold: m.cfg.FailureThreshold,
		RecoveryTimeout:  m.cfg.RecoveryTimeout,
		IsFailure:        scanerr.IsRetryable,
		OnStateChange: func(name string, from, to State) {
			m.logger.Warn("circuit breaker state change",
				"operation", name,
				"from", string(from),
				"to", string(to),
			)
			if m.cfg.OnStateChange != nil {
				m.cfg.OnStateChange(name, from, to)
			}
		},
	})
	m.breakers[op] = b
	return b
}

// Execute runs fn through the breaker for op. When fn fails with a
// retryable error the registered recovery strategy re-runs it, each re-run
// again passing through the breaker. Rejections by an open breaker are
// marked permanent so recovery stops early.
func (m *Manager) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := m.Breaker(op)

	guarded := func(ctx context.Context) error {
		err := b.Execute(func() error { return fn(ctx) })
		if IsRejection(err) {
			return scanerr.Permanent(err)
		}
		return err
	}

	err := guarded(ctx)
	if err == nil || !scanerr.IsRetryable(err) {
		return err
	}

	m.logger.Debug("attempting recovery",
		"operation", op,
		"kind", string(scanerr.KindOf(err)),
		"error", err,
	)
	return m.recovery.Recover(ctx, err, guarded)
}

// Snapshot returns the counts of every breaker keyed by operation name.
func (m *Manager) Snapshot() map[string]Counts {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Counts, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Counts()
	}
	return out
}

// Open returns the names of breakers that are currently open, sorted.
func (m *Manager) Open() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name, b := range m.breakers {
		if b.State() == StateOpen {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
