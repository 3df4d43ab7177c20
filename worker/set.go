package worker

import (
	"errors"
	"sort"
	"sync"
)

// Set is a concurrency-safe collection of workers keyed by ID.
type Set struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewSet creates a set holding workers.
func NewSet(workers ...*Worker) *Set {
	s := &Set{workers: make(map[string]*Worker, len(workers))}
	for _, w := range workers {
		s.workers[w.ID()] = w
	}
	return s
}

// Add stores w, returning false if its ID is taken.
func (s *Set) Add(w *Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[w.ID()]; ok {
		return false
	}
	s.workers[w.ID()] = w
	return true
}

// Remove drops and returns the worker with id.
func (s *Set) Remove(id string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	delete(s.workers, id)
	return w, ok
}

// Get returns the worker with id.
func (s *Set) Get(id string) (*Worker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	return w, ok
}

// Len returns the number of workers.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// All returns the workers sorted by ID.
func (s *Set) All() []*Worker {
	s.mu.RLock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Stats returns every worker's stats sorted by ID.
func (s *Set) Stats() []Stats {
	all := s.All()
	out := make([]Stats, 0, len(all))
	for _, w := range all {
		out = append(out, w.Stats())
	}
	return out
}

// Resize sets the slot cap of every worker.
func (s *Set) Resize(slots int) error {
	var errs []error
	for _, w := range s.All() {
		errs = append(errs, w.Resize(slots))
	}
	return errors.Join(errs...)
}

// Close closes and removes every worker.
func (s *Set) Close() error {
	s.mu.Lock()
	all := s.workers
	s.workers = make(map[string]*Worker)
	s.mu.Unlock()

	var errs []error
	for _, w := range all {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}
