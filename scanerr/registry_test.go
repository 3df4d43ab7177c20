package scanerr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(attempts int) BackoffConfig {
	return BackoffConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestRegisterRejectsNonRecoverableKinds(t *testing.T) {
	r := NewRegistry()
	noop := StrategyFunc(func(ctx context.Context, cause error, op Operation) error { return nil })

	require.Error(t, r.Register(KindValidation, noop))
	require.Error(t, r.Register(KindSystem, noop))
	require.Error(t, r.Register(Kind("bogus"), noop))
	require.Error(t, r.Register(KindNetwork, nil))
	require.NoError(t, r.Register(KindAgentFailure, noop))

	_, ok := r.Lookup(KindAgentFailure)
	assert.True(t, ok)
}

func TestDefaultRegistryKinds(t *testing.T) {
	r := DefaultRegistry(BackoffConfig{})
	assert.ElementsMatch(t, []Kind{KindNetwork, KindRateLimit}, r.Kinds())
}

func TestRecoverPassesThroughWithoutStrategy(t *testing.T) {
	r := DefaultRegistry(fastBackoff(3))
	cause := New("submit", KindValidation, "bad request")

	var calls int32
	err := r.Recover(context.Background(), cause, func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	assert.Same(t, cause, err)
	assert.Zero(t, atomic.LoadInt32(&calls), "validation errors are never retried")
	assert.NoError(t, r.Recover(context.Background(), nil, nil))
}

func TestRetryWithBackoffRecovers(t *testing.T) {
	r := DefaultRegistry(fastBackoff(5))
	var calls int32

	err := r.Recover(context.Background(), Wrap("q", KindNetwork, errors.New("reset")), func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Wrap("q", KindNetwork, errors.New("reset"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoffBoundedAttempts(t *testing.T) {
	r := DefaultRegistry(fastBackoff(3))
	var calls int32
	last := Wrap("q", KindRateLimit, errors.New("429"))

	err := r.Recover(context.Background(), New("q", KindRateLimit, "first"), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return last
	})

	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.True(t, errors.Is(err, ErrRateLimit))
}

func TestRetryWithBackoffStopsOnPermanentError(t *testing.T) {
	r := DefaultRegistry(fastBackoff(5))
	var calls int32

	err := r.Recover(context.Background(), Wrap("q", KindNetwork, errors.New("reset")), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return New("q", KindAgentFailure, "garbled")
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, KindAgentFailure, KindOf(err))
}

func TestRetryWithBackoffHonorsCancelledContext(t *testing.T) {
	r := NewRetryWithBackoff(BackoffConfig{MaxAttempts: 3, InitialInterval: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cause := Wrap("q", KindNetwork, errors.New("reset"))
	err := r.Recover(ctx, cause, func(ctx context.Context) error {
		t.Fatal("operation must not run after cancellation")
		return nil
	})
	assert.Same(t, cause, err)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	s := NewRetryWithBackoff(fastBackoff(1))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register(KindNetwork, s)
		}()
		go func() {
			defer wg.Done()
			r.Lookup(KindNetwork)
		}()
	}
	wg.Wait()

	got, ok := r.Lookup(KindNetwork)
	require.True(t, ok)
	assert.Same(t, s, got)
}
