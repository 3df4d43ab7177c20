package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	a := newTestWorker(t, Config{ID: "a", Slots: 2})
	b := newTestWorker(t, Config{ID: "b", Slots: 2})

	s := NewSet(b)
	assert.True(t, s.Add(a))
	assert.False(t, s.Add(a), "duplicate id")
	assert.Equal(t, 2, s.Len())

	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID())

	got, ok := s.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	require.NoError(t, s.Resize(6))
	for _, st := range s.Stats() {
		assert.Equal(t, 6, st.Slots.MaxSize)
	}

	removed, ok := s.Remove("a")
	require.True(t, ok)
	assert.Same(t, a, removed)
	_, ok = s.Get("a")
	assert.False(t, ok)

	require.NoError(t, s.Close())
	assert.Zero(t, s.Len())
}
