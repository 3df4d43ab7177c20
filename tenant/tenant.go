// Package tenant enforces per-tenant resource quotas.
//
// A Manager owns every tenant's usage counters. Allocate admits a request
// only if concurrent scans, CPU, memory and the sliding one-minute request
// rate all stay within quota; admission and the usage update happen under
// one lock. Denials are recorded as violations and logged so an external
// policy can act on them. A zero quota field means unlimited.
package tenant

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zero-day-ai/probegrid/scanerr"
)

// Isolation is a tenant's resource isolation level.
type Isolation string

const (
	IsolationShared    Isolation = "shared"
	IsolationQuota     Isolation = "quota"
	IsolationDedicated Isolation = "dedicated"
)

// IsValid reports whether i is a known isolation level.
func (i Isolation) IsValid() bool {
	switch i {
	case IsolationShared, IsolationQuota, IsolationDedicated:
		return true
	default:
		return false
	}
}

var (
	ErrUnknownTenant = errors.New("tenant: unknown tenant")
	ErrDuplicate     = errors.New("tenant: already registered")
)

const rateWindow = time.Minute

// Quota bounds a tenant's resource use.
type Quota struct {
	MaxConcurrentScans   int     `yaml:"max_concurrent_scans" json:"max_concurrent_scans"`
	MaxCPUPercent        float64 `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxMemoryMB          int     `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxRequestsPerMinute int     `yaml:"max_requests_per_minute" json:"max_requests_per_minute"`

	// MaxTaskConcurrency caps in-flight probe tasks across all of the
	// tenant's scans. See ReserveTasks.
	MaxTaskConcurrency int `yaml:"max_task_concurrency" json:"max_task_concurrency"`
}

// Tenant is an isolated consumer of scan capacity.
type Tenant struct {
	ID        string    `json:"id"`
	Quota     Quota     `json:"quota"`
	Weight    float64   `json:"weight"`
	Isolation Isolation `json:"isolation"`
	Suspended bool      `json:"suspended"`
}

// Usage is a tenant's current consumption.
type Usage struct {
	ConcurrentScans    int     `json:"concurrent_scans"`
	CPUPercent         float64 `json:"cpu_percent"`
	MemoryMB           int     `json:"memory_mb"`
	RequestsLastMinute int     `json:"requests_last_minute"`
	ActiveTasks        int     `json:"active_tasks"`
}

// Request is an amount of resources to allocate or release.
type Request struct {
	Scans      int     `json:"scans"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   int     `json:"memory_mb"`
}

// Violation is a denied allocation.
type Violation struct {
	TenantID string    `json:"tenant_id"`
	Time     time.Time `json:"time"`
	Reasons  []string  `json:"reasons"`
	Request  Request   `json:"request"`
}

// Options configures a Manager.
type Options struct {
	// DefaultQuota applies to auto-registered tenants and to tenants
	// registered with a zero quota.
	DefaultQuota Quota

	// AutoRegister admits unknown tenant IDs with DefaultQuota.
	AutoRegister bool

	// MaxViolations bounds the retained violation log. Default: 1000
	MaxViolations int

	Now    func() time.Time
	Logger *slog.Logger
}

type state struct {
	Tenant
	usage    Usage
	requests []time.Time
}

// Manager tracks tenants and their usage. It is safe for concurrent use.
type Manager struct {
	defaultQuota  Quota
	autoRegister  bool
	maxViolations int
	now           func() time.Time
	logger        *slog.Logger

	mu         sync.Mutex
	tenants    map[string]*state
	violations []Violation
}

// New creates a manager.
func New(opts Options) *Manager {
	if opts.MaxViolations <= 0 {
		opts.MaxViolations = 1000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		defaultQuota:  opts.DefaultQuota,
		autoRegister:  opts.AutoRegister,
		maxViolations: opts.MaxViolations,
		now:           opts.Now,
		logger:        opts.Logger.With("component", "tenant"),
		tenants:       make(map[string]*state),
	}
}

// Register adds a tenant. Weight defaults to 1, isolation to shared and a
// zero quota to the default quota.
func (m *Manager) Register(t Tenant) error {
	const op = "tenant.Register"
	if t.ID == "" {
		return scanerr.New(op, scanerr.KindValidation, "tenant id is required")
	}
	if t.Isolation == "" {
		t.Isolation = IsolationShared
	}
	if !t.Isolation.IsValid() {
		return scanerr.New(op, scanerr.KindValidation, fmt.Sprintf("unknown isolation level %q", t.Isolation))
	}
	if t.Weight <= 0 {
		t.Weight = 1
	}
	if t.Quota == (Quota{}) {
		t.Quota = m.defaultQuota
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tenants[t.ID]; ok {
		return scanerr.Wrap(op, scanerr.KindValidation, ErrDuplicate).WithDetails(map[string]any{"tenant_id": t.ID})
	}
	m.tenants[t.ID] = &state{Tenant: t}
	m.logger.Info("tenant registered", "tenant_id", t.ID, "isolation", string(t.Isolation), "weight", t.Weight)
	return nil
}

// Get returns a registered tenant.
func (m *Manager) Get(id string) (Tenant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tenants[id]
	if !ok {
		return Tenant{}, false
	}
	return s.Tenant, true
}

// Tenants returns every registered tenant sorted by ID.
func (m *Manager) Tenants() []Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tenant, 0, len(m.tenants))
	for _, s := range m.tenants {
		out = append(out, s.Tenant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Suspend rejects all further allocations for id.
func (m *Manager) Suspend(id string) error {
	return m.setSuspended(id, true)
}

// Resume lifts a suspension.
func (m *Manager) Resume(id string) error {
	return m.setSuspended(id, false)
}

func (m *Manager) setSuspended(id string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tenants[id]
	if !ok {
		return unknown("tenant.Suspend", id)
	}
	s.Suspended = on
	m.logger.Info("tenant suspension changed", "tenant_id", id, "suspended", on)
	return nil
}

// CheckAvailability reports whether req would be admitted for id and, if
// not, why. It does not change usage.
func (m *Manager) CheckAvailability(id string, req Request) (bool, []string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, reasons := m.lookupLocked(id)
	if s == nil {
		return false, reasons
	}
	reasons = m.checkLocked(s, req, now)
	return len(reasons) == 0, reasons
}

// Allocate admits req for id and adds it to usage, or records a violation
// and returns the reasons for denial.
func (m *Manager) Allocate(id string, req Request) (bool, []string) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	s, reasons := m.lookupLocked(id)
	if s != nil {
		reasons = m.checkLocked(s, req, now)
	}
	if len(reasons) > 0 {
		m.violateLocked(id, req, reasons, now)
		return false, reasons
	}

	s.usage.ConcurrentScans += req.Scans
	s.usage.CPUPercent += req.CPUPercent
	s.usage.MemoryMB += req.MemoryMB
	s.requests = append(s.requests, now)
	s.usage.RequestsLastMinute = len(s.requests)
	return true, nil
}

// Release subtracts req from id's usage. Counters never go negative.
func (m *Manager) Release(id string, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tenants[id]
	if !ok {
		return unknown("tenant.Release", id)
	}
	s.usage.ConcurrentScans = max(0, s.usage.ConcurrentScans-req.Scans)
	s.usage.CPUPercent = max(0, s.usage.CPUPercent-req.CPUPercent)
	s.usage.MemoryMB = max(0, s.usage.MemoryMB-req.MemoryMB)
	return nil
}

// Usage returns id's current usage.
func (m *Manager) Usage(id string) (Usage, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tenants[id]
	if !ok {
		return Usage{}, unknown("tenant.Usage", id)
	}
	m.pruneLocked(s, now)
	return s.usage, nil
}

// ReserveTasks grants up to want task slots from id's MaxTaskConcurrency
// budget and returns the grant. The grant shrinks as the tenant's other
// scans fill the budget but is never below one, so an admitted scan always
// progresses. Unlimited tenants get want; unknown tenants get want untracked.
func (m *Manager) ReserveTasks(id string, want int) int {
	want = max(want, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tenants[id]
	if !ok {
		return want
	}
	grant := want
	if limit := s.Quota.MaxTaskConcurrency; limit > 0 {
		grant = max(1, min(want, limit-s.usage.ActiveTasks))
	}
	s.usage.ActiveTasks += grant
	return grant
}

// ReleaseTasks returns n task slots granted by ReserveTasks.
func (m *Manager) ReleaseTasks(id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tenants[id]
	if !ok {
		return unknown("tenant.ReleaseTasks", id)
	}
	s.usage.ActiveTasks = max(0, s.usage.ActiveTasks-n)
	return nil
}

// TaskConcurrency returns id's task budget, or 0 when unlimited or unknown.
func (m *Manager) TaskConcurrency(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.tenants[id]; ok {
		return s.Quota.MaxTaskConcurrency
	}
	if m.autoRegister {
		return m.defaultQuota.MaxTaskConcurrency
	}
	return 0
}

// FairShare returns each active tenant's share of capacity, proportional to
// its weight. Suspended tenants get no share.
func (m *Manager) FairShare() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, s := range m.tenants {
		if !s.Suspended {
			total += s.Weight
		}
	}
	out := make(map[string]float64, len(m.tenants))
	for id, s := range m.tenants {
		if s.Suspended || total == 0 {
			out[id] = 0
			continue
		}
		out[id] = s.Weight / total
	}
	return out
}

// Violations returns the retained violation log, oldest first.
func (m *Manager) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Violation(nil), m.violations...)
}

func (m *Manager) lookupLocked(id string) (*state, []string) {
	if s, ok := m.tenants[id]; ok {
		return s, nil
	}
	if !m.autoRegister || id == "" {
		return nil, []string{fmt.Sprintf("unknown tenant %q", id)}
	}
	s := &state{Tenant: Tenant{ID: id, Quota: m.defaultQuota, Weight: 1, Isolation: IsolationShared}}
	m.tenants[id] = s
	m.logger.Info("tenant auto-registered", "tenant_id", id)
	return s, nil
}

func (m *Manager) checkLocked(s *state, req Request, now time.Time) []string {
	if s.Suspended {
		return []string{"tenant is suspended"}
	}
	m.pruneLocked(s, now)

	q := s.Quota
	var reasons []string
	if q.MaxConcurrentScans > 0 && s.usage.ConcurrentScans+req.Scans > q.MaxConcurrentScans {
		reasons = append(reasons, fmt.Sprintf("concurrent scans %d+%d exceed limit %d",
			s.usage.ConcurrentScans, req.Scans, q.MaxConcurrentScans))
	}
	if q.MaxCPUPercent > 0 && s.usage.CPUPercent+req.CPUPercent > q.MaxCPUPercent {
		reasons = append(reasons, fmt.Sprintf("cpu %.1f%%+%.1f%% exceeds limit %.1f%%",
			s.usage.CPUPercent, req.CPUPercent, q.MaxCPUPercent))
	}
	if q.MaxMemoryMB > 0 && s.usage.MemoryMB+req.MemoryMB > q.MaxMemoryMB {
		reasons = append(reasons, fmt.Sprintf("memory %dMB+%dMB exceeds limit %dMB",
			s.usage.MemoryMB, req.MemoryMB, q.MaxMemoryMB))
	}
	if q.MaxRequestsPerMinute > 0 && len(s.requests)+1 > q.MaxRequestsPerMinute {
		reasons = append(reasons, fmt.Sprintf("rate %d requests in the last minute reaches limit %d",
			len(s.requests), q.MaxRequestsPerMinute))
	}
	return reasons
}

// pruneLocked drops request timestamps that left the one-minute window.
func (m *Manager) pruneLocked(s *state, now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(s.requests) && !s.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.requests = append(s.requests[:0], s.requests[i:]...)
	}
	s.usage.RequestsLastMinute = len(s.requests)
}

func (m *Manager) violateLocked(id string, req Request, reasons []string, now time.Time) {
	v := Violation{TenantID: id, Time: now, Reasons: reasons, Request: req}
	if len(m.violations) >= m.maxViolations {
		m.violations = append(m.violations[:0], m.violations[1:]...)
	}
	m.violations = append(m.violations, v)
	m.logger.Warn("quota violation", "tenant_id", id, "reasons", reasons)
}

func unknown(op, id string) error {
	return scanerr.Wrap(op, scanerr.KindValidation, ErrUnknownTenant).WithDetails(map[string]any{"tenant_id": id})
}
