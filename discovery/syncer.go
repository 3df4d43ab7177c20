package discovery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zero-day-ai/probegrid/balancer"
)

// Membership is the subset of *balancer.Balancer a Syncer drives.
type Membership interface {
	AddNode(n balancer.Node) error
	RemoveNode(id string) error
	Nodes() []balancer.NodeStats
}

// Syncer applies registry node sets to a balancer.
type Syncer struct {
	target Membership
	logger *slog.Logger

	// OnAdd and OnRemove, if set, run after a node joins or leaves the
	// balancer. An OnAdd error rolls the node back out.
	OnAdd    func(ctx context.Context, e Endpoint) error
	OnRemove func(id string)

	// Keep, if set, pins nodes the registry does not own. Pinned nodes are
	// never removed and never re-added.
	Keep func(id string) bool
}

// NewSyncer creates a syncer for target.
func NewSyncer(target Membership, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{target: target, logger: logger.With("component", "discovery.syncer")}
}

// Apply adds endpoints the balancer does not know and removes nodes absent
// from endpoints. It returns the number of nodes added and removed.
func (s *Syncer) Apply(ctx context.Context, endpoints []Endpoint) (added, removed int) {
	want := make(map[string]Endpoint, len(endpoints))
	for _, e := range endpoints {
		if e.ID != "" {
			want[e.ID] = e
		}
	}

	have := make(map[string]bool)
	for _, n := range s.target.Nodes() {
		have[n.ID] = true
		if s.pinned(n.ID) {
			continue
		}
		if _, ok := want[n.ID]; ok {
			continue
		}
		if err := s.target.RemoveNode(n.ID); err != nil && !errors.Is(err, balancer.ErrUnknownNode) {
			s.logger.Warn("failed to remove node", "node_id", n.ID, "error", err)
			continue
		}
		if s.OnRemove != nil {
			s.OnRemove(n.ID)
		}
		removed++
	}

	for id, e := range want {
		if have[id] || s.pinned(id) {
			continue
		}
		err := s.target.AddNode(balancer.Node{
			ID:             e.ID,
			Endpoint:       e.Address,
			Weight:         e.Weight,
			MaxConnections: e.MaxConnections,
		})
		if err != nil {
			s.logger.Warn("failed to add node", "node_id", id, "error", err)
			continue
		}
		if s.OnAdd != nil {
			if err := s.OnAdd(ctx, e); err != nil {
				s.logger.Warn("node setup failed, removing", "node_id", id, "error", err)
				_ = s.target.RemoveNode(id)
				continue
			}
		}
		added++
	}

	if added > 0 || removed > 0 {
		s.logger.Info("node membership updated", "added", added, "removed", removed, "total", len(s.target.Nodes()))
	}
	return added, removed
}

func (s *Syncer) pinned(id string) bool {
	return s.Keep != nil && s.Keep(id)
}

// Follow applies every node set emitted by reg until ctx is done or the
// watch channel closes.
func (s *Syncer) Follow(ctx context.Context, reg Registry) error {
	updates, err := reg.Watch(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case nodes, ok := <-updates:
			if !ok {
				return ctx.Err()
			}
			s.Apply(ctx, nodes)
		}
	}
}
