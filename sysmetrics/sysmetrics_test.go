package sysmetrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHost_Sample(t *testing.T) {
	h := &Host{Interval: 50 * time.Millisecond}
	snap, err := h.Sample(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	assert.LessOrEqual(t, snap.CPUPercent, 100.0)
	assert.Greater(t, snap.MemoryPercent, 0.0)
	assert.False(t, snap.SampledAt.IsZero())
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(40, 60)

	snap, err := s.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40.0, snap.CPUPercent)
	assert.Equal(t, 60.0, snap.MemoryPercent)

	s.Set(90, 10)
	snap, err = s.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90.0, snap.CPUPercent)

	boom := errors.New("proc unavailable")
	s.Fail(boom)
	_, err = s.Sample(ctx)
	assert.ErrorIs(t, err, boom)

	s.Fail(nil)
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Sample(cctx)
	assert.ErrorIs(t, err, context.Canceled)
}
