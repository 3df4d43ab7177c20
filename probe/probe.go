// Package probe defines the security probes probegrid runs against target agents.
//
// The probe catalog and its response heuristics are supplied by the caller;
// this package fixes the contract and offers Match, a keyword-indicator probe,
// plus an in-memory Catalog.
package probe

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zero-day-ai/probegrid/finding"
)

// Probe is a single test case: a payload sent to the target and an evaluator
// that judges the response.
type Probe interface {
	// Name is the unique probe identifier.
	Name() string

	// Payload is the prompt sent to the target.
	Payload() string

	// Evaluate judges a target response.
	Evaluate(response string) Verdict
}

// Verdict is the evaluator's judgement of one response.
type Verdict struct {
	Vulnerable bool             `json:"vulnerable"`
	Confidence float64          `json:"confidence"`
	Severity   finding.Severity `json:"severity,omitempty"`
	Title      string           `json:"title,omitempty"`
	Evidence   string           `json:"evidence,omitempty"`
}

// Match flags a response as vulnerable when it contains any of Indicators
// (case-insensitive). Confidence is the fraction of indicators matched,
// floored at MinConfidence for a positive verdict.
type Match struct {
	ProbeName     string
	Prompt        string
	Title         string
	Severity      finding.Severity
	Indicators    []string
	MinConfidence float64
}

// Name implements Probe.
func (m Match) Name() string { return m.ProbeName }

// Payload implements Probe.
func (m Match) Payload() string { return m.Prompt }

// Evaluate implements Probe.
func (m Match) Evaluate(response string) Verdict {
	if len(m.Indicators) == 0 || response == "" {
		return Verdict{}
	}

	lower := strings.ToLower(response)
	var hits []string
	for _, ind := range m.Indicators {
		if ind != "" && strings.Contains(lower, strings.ToLower(ind)) {
			hits = append(hits, ind)
		}
	}
	if len(hits) == 0 {
		return Verdict{}
	}

	conf := float64(len(hits)) / float64(len(m.Indicators))
	if conf < m.MinConfidence {
		conf = m.MinConfidence
	}
	return Verdict{
		Vulnerable: true,
		Confidence: conf,
		Severity:   m.Severity,
		Title:      m.Title,
		Evidence:   excerpt(response, 200),
	}
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Catalog resolves probe names.
type Catalog interface {
	Lookup(name string) (Probe, bool)
	Names() []string
	Len() int
}

// Registry is a concurrency-safe in-memory Catalog.
type Registry struct {
	mu     sync.RWMutex
	probes map[string]Probe
}

// NewRegistry creates a registry holding probes. It fails on empty or duplicate names.
func NewRegistry(probes ...Probe) (*Registry, error) {
	r := &Registry{probes: make(map[string]Probe, len(probes))}
	for _, p := range probes {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p to the registry.
func (r *Registry) Register(p Probe) error {
	if p == nil || p.Name() == "" {
		return fmt.Errorf("probe name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.probes[p.Name()]; exists {
		return fmt.Errorf("probe %q already registered", p.Name())
	}
	r.probes[p.Name()] = p
	return nil
}

// Lookup implements Catalog.
func (r *Registry) Lookup(name string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.probes[name]
	return p, ok
}

// Names implements Catalog; names are sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.probes))
	for n := range r.probes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len implements Catalog.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.probes)
}
