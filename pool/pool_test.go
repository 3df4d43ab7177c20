package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zero-day-ai/probegrid/scanerr"
)

type conn struct {
	id      int64
	healthy bool
}

type factory struct {
	next      atomic.Int64
	destroyed atomic.Int64
	fail      atomic.Bool
}

func (f *factory) config(min, max int) Config[*conn] {
	return Config[*conn]{
		Name:    "test",
		MinSize: min,
		MaxSize: max,
		Factory: func(context.Context) (*conn, error) {
			if f.fail.Load() {
				return nil, errors.New("dial failed")
			}
			return &conn{id: f.next.Add(1), healthy: true}, nil
		},
		Destroy:     func(*conn) { f.destroyed.Add(1) },
		HealthCheck: func(c *conn) bool { return c.healthy },
	}
}

func newTestPool(t *testing.T, min, max int) (*Pool[*conn], *factory) {
	t.Helper()
	f := &factory{}
	p, err := New(context.Background(), f.config(min, max))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, f
}

func TestNew_Validation(t *testing.T) {
	f := &factory{}
	tests := []struct {
		name string
		cfg  Config[*conn]
	}{
		{"missing factory", Config[*conn]{MaxSize: 1}},
		{"zero max", f.config(0, 0)},
		{"min above max", f.config(3, 2)},
		{"negative min", f.config(-1, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, scanerr.ErrValidation)
		})
	}
}

func TestNew_Prewarms(t *testing.T) {
	p, f := newTestPool(t, 2, 4)
	s := p.Stats()
	assert.Equal(t, 2, s.Idle)
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, int64(2), f.next.Load())
}

func TestNew_PrewarmFailure(t *testing.T) {
	f := &factory{}
	f.fail.Store(true)
	_, err := New(context.Background(), f.config(1, 2))
	require.Error(t, err)
	assert.Equal(t, scanerr.KindSystem, scanerr.KindOf(err))
}

func TestAcquire_ZeroTimeoutWhenExhausted(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 1, 2)

	l1, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	l2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotEqual(t, l1.ID(), l2.ID())

	start := time.Now()
	_, err = p.Acquire(ctx, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, scanerr.ErrResourceExhausted)
	assert.Equal(t, uint64(1), p.Stats().Timeouts)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 0, 1)

	l1, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	got := make(chan *Lease[*conn], 1)
	go func() {
		l, err := p.Acquire(ctx, time.Second)
		if err == nil {
			got <- l
		}
		close(got)
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	p.Release(l1)

	l2, ok := <-got
	require.True(t, ok)
	assert.Same(t, l1.Resource(), l2.Resource())
	assert.NotEqual(t, l1.ID(), l2.ID())
}

func TestAcquire_TimesOut(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 0, 1)
	_, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	_, err = p.Acquire(ctx, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	s := p.Stats()
	assert.Equal(t, 0, s.Waiting)
	assert.Equal(t, 1, s.Active)
}

func TestAcquire_ContextDeadline(t *testing.T) {
	p, _ := newTestPool(t, 0, 1)
	_, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, -1)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAcquire_ContextCanceled(t *testing.T) {
	p, _ := newTestPool(t, 0, 1)
	_, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, -1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquire_FIFOWaiters(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 0, 1)
	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.Acquire(ctx, time.Second)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			p.Release(l)
		}(i)
		want := i + 1
		require.Eventually(t, func() bool { return p.Stats().Waiting == want }, time.Second, time.Millisecond)
	}

	p.Release(held)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestRelease_UnknownAndDuplicate(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 0, 2)

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	p.Release(l)
	p.Release(l)
	p.Release(&Lease[*conn]{id: "forged"})
	p.Release(nil)

	s := p.Stats()
	assert.Equal(t, uint64(2), s.UnknownReleases)
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 1, s.Total)
}

func TestRelease_UnhealthyIsReplaced(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 1, 2)

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	l.Resource().healthy = false
	p.Release(l)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.HealthFailures)
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, int64(1), f.destroyed.Load())

	l2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotSame(t, l.Resource(), l2.Resource())
}

func TestRelease_UnhealthyServesWaiter(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 0, 1)

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		l2, err := p.Acquire(ctx, time.Second)
		if err == nil && l2.Resource().healthy {
			p.Release(l2)
		}
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	l.Resource().healthy = false
	p.Release(l)
	require.NoError(t, <-done)
}

func TestPool_BoundUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	const max = 3
	p, _ := newTestPool(t, 0, max)

	var outstanding, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(ctx, 2*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			n := outstanding.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			outstanding.Add(-1)
			p.Release(l)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(max))
	s := p.Stats()
	assert.LessOrEqual(t, s.Total, max)
	assert.Equal(t, 0, s.Active)
}

func TestResize(t *testing.T) {
	ctx := context.Background()
	p, f := newTestPool(t, 0, 3)

	var leases []*Lease[*conn]
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(ctx, 0)
		require.NoError(t, err)
		leases = append(leases, l)
	}
	for _, l := range leases {
		p.Release(l)
	}
	require.Equal(t, 3, p.Stats().Idle)

	require.NoError(t, p.Resize(1))
	s := p.Stats()
	assert.Equal(t, 1, s.MaxSize)
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, int64(2), f.destroyed.Load())

	require.Error(t, p.Resize(0))
}

func TestResize_GrowServesWaiter(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, 0, 1)
	_, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Resize(2))
	require.NoError(t, <-done)
	assert.Equal(t, 2, p.Stats().Active)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	f := &factory{}
	p, err := New(ctx, f.config(1, 2))
	require.NoError(t, err)

	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, <-done, ErrClosed)

	_, err = p.Acquire(ctx, 0)
	assert.ErrorIs(t, err, ErrClosed)

	p.Release(held)
	assert.Equal(t, int64(1), f.destroyed.Load())
	assert.Equal(t, 1, p.Stats().Total)

	require.NoError(t, p.Close())
}
