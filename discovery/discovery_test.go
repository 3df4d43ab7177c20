package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zero-day-ai/probegrid/balancer"
)

func newBalancer(t *testing.T) *balancer.Balancer {
	t.Helper()
	b, err := balancer.New(balancer.Options{})
	require.NoError(t, err)
	return b
}

func nodeIDs(b *balancer.Balancer) []string {
	var ids []string
	for _, n := range b.Nodes() {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	reg := NewStatic(Endpoint{ID: "b"}, Endpoint{ID: "a"})

	nodes, err := reg.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].ID)

	require.NoError(t, reg.Register(ctx, Endpoint{ID: "c", Address: "10.0.0.3:7000"}))
	require.NoError(t, reg.Deregister(ctx, "a"))
	require.NoError(t, reg.Deregister(ctx, "missing"))

	nodes, err = reg.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "b", nodes[0].ID)
	assert.Equal(t, "c", nodes[1].ID)
	assert.False(t, nodes[1].StartedAt.IsZero())

	require.NoError(t, reg.Close())
	_, err = reg.Discover(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, reg.Register(ctx, Endpoint{ID: "d"}), ErrClosed)
}

func TestStatic_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reg := NewStatic(Endpoint{ID: "a"})

	ch, err := reg.Watch(ctx)
	require.NoError(t, err)
	assert.Len(t, <-ch, 1)

	require.NoError(t, reg.Register(ctx, Endpoint{ID: "b"}))
	require.NoError(t, reg.Register(ctx, Endpoint{ID: "c"}))
	// Unread updates collapse into the latest set.
	assert.Len(t, <-ch, 3)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSyncer_Apply(t *testing.T) {
	ctx := context.Background()
	b := newBalancer(t)
	s := NewSyncer(b, nil)

	var removedIDs []string
	s.OnRemove = func(id string) { removedIDs = append(removedIDs, id) }

	added, removed := s.Apply(ctx, []Endpoint{
		{ID: "n1", Address: "10.0.0.1:7000", Weight: 2, MaxConnections: 4},
		{ID: "n2", Address: "10.0.0.2:7000"},
		{ID: ""},
	})
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, removed)
	assert.ElementsMatch(t, []string{"n1", "n2"}, nodeIDs(b))

	n1, ok := b.Node("n1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:7000", n1.Endpoint)
	assert.Equal(t, 2.0, n1.Weight)
	assert.Equal(t, 4, n1.MaxConnections)

	added, removed = s.Apply(ctx, []Endpoint{{ID: "n2"}, {ID: "n3"}})
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
	assert.ElementsMatch(t, []string{"n2", "n3"}, nodeIDs(b))
	assert.Equal(t, []string{"n1"}, removedIDs)

	added, removed = s.Apply(ctx, []Endpoint{{ID: "n2"}, {ID: "n3"}})
	assert.Zero(t, added)
	assert.Zero(t, removed)
}

func TestSyncer_KeepPinsLocalNodes(t *testing.T) {
	ctx := context.Background()
	b := newBalancer(t)
	require.NoError(t, b.AddNode(balancer.Node{ID: "local"}))

	s := NewSyncer(b, nil)
	s.Keep = func(id string) bool { return id == "local" }

	added, removed := s.Apply(ctx, []Endpoint{{ID: "remote"}, {ID: "local"}})
	assert.Equal(t, 1, added)
	assert.Zero(t, removed)

	added, removed = s.Apply(ctx, nil)
	assert.Zero(t, added)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"local"}, nodeIDs(b))
}

func TestSyncer_OnAddFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	b := newBalancer(t)
	s := NewSyncer(b, nil)
	s.OnAdd = func(_ context.Context, e Endpoint) error {
		if e.ID == "bad" {
			return errors.New("worker setup failed")
		}
		return nil
	}

	added, _ := s.Apply(ctx, []Endpoint{{ID: "good"}, {ID: "bad"}})
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"good"}, nodeIDs(b))
}

func TestSyncer_Follow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newBalancer(t)
	reg := NewStatic(Endpoint{ID: "n1"})
	s := NewSyncer(b, nil)

	done := make(chan error, 1)
	go func() { done <- s.Follow(ctx, reg) }()

	require.Eventually(t, func() bool { return b.Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Register(ctx, Endpoint{ID: "n2"}))
	require.Eventually(t, func() bool { return b.Len() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, reg.Deregister(ctx, "n1"))
	require.Eventually(t, func() bool {
		_, ok := b.Node("n1")
		return !ok && b.Len() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Follow did not stop")
	}
}

func TestNewEtcdRegistry_Validation(t *testing.T) {
	_, err := NewEtcdRegistry(EtcdConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoints cannot be empty")
}
