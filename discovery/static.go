package discovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Static is an in-memory Registry, used when no etcd cluster is configured
// and in tests.
type Static struct {
	mu       sync.Mutex
	nodes    map[string]Endpoint
	watchers map[chan []Endpoint]struct{}
	closed   bool
}

var _ Registry = (*Static)(nil)

// NewStatic creates a registry seeded with endpoints.
func NewStatic(endpoints ...Endpoint) *Static {
	s := &Static{
		nodes:    make(map[string]Endpoint, len(endpoints)),
		watchers: make(map[chan []Endpoint]struct{}),
	}
	for _, e := range endpoints {
		s.nodes[e.ID] = e
	}
	return s
}

// Register implements Registry.
func (s *Static) Register(_ context.Context, e Endpoint) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.nodes[e.ID] = e
	s.notifyLocked()
	return nil
}

// Deregister implements Registry.
func (s *Static) Deregister(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.nodes[id]; !ok {
		return nil
	}
	delete(s.nodes, id)
	s.notifyLocked()
	return nil
}

// Discover implements Registry. Nodes are sorted by ID.
func (s *Static) Discover(_ context.Context) ([]Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.snapshotLocked(), nil
}

// Watch implements Registry. A slow reader only sees the latest node set.
func (s *Static) Watch(ctx context.Context) (<-chan []Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ch := make(chan []Endpoint, 1)
	ch <- s.snapshotLocked()
	s.watchers[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close closes every watch channel.
func (s *Static) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	return nil
}

func (s *Static) snapshotLocked() []Endpoint {
	out := make([]Endpoint, 0, len(s.nodes))
	for _, e := range s.nodes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Static) notifyLocked() {
	snap := s.snapshotLocked()
	for ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
