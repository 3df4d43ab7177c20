package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, opts Options[string]) (*Cache[string], *clock) {
	t.Helper()
	clk := newClock()
	opts.Now = clk.Now
	c, err := New(opts)
	require.NoError(t, err)
	return c, clk
}

func TestNew_RejectsUnknownPolicy(t *testing.T) {
	_, err := New(Options[string]{Policy: "random"})
	require.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", PolicyLRU, false},
		{"lru", PolicyLRU, false},
		{"lfu", PolicyLFU, false},
		{"ttl", PolicyTTL, false},
		{"fifo", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Options[string]{})

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	c.Set(ctx, "a", "X", time.Minute)
	v, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "X", v)

	s := c.Stats()
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
	assert.Equal(t, int64(3), s.BytesEstimate) // "X" encodes as `"X"`
}

func TestCache_ExpiryRemovesEntry(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, Options[string]{})

	c.Set(ctx, "a", "X", time.Second)
	c.Set(ctx, "b", "Y", time.Hour)
	require.Equal(t, 2, c.Stats().Size)

	clk.Advance(1200 * time.Millisecond)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	s := c.Stats()
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, uint64(1), s.Expirations)

	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)
}

func TestCache_ExpiryRealClock(t *testing.T) {
	ctx := context.Background()
	c, err := New(Options[string]{})
	require.NoError(t, err)

	c.Set(ctx, "a", "X", 50*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_DefaultTTL(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, Options[string]{DefaultTTL: 10 * time.Second})

	c.Set(ctx, "a", "X", 0)
	clk.Advance(9 * time.Second)
	_, ok := c.Get(ctx, "a")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestCache_EvictionPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("lru evicts least recently accessed", func(t *testing.T) {
		c, clk := newTestCache(t, Options[string]{MaxSize: 2, Policy: PolicyLRU})
		c.Set(ctx, "a", "1", time.Hour)
		clk.Advance(time.Second)
		c.Set(ctx, "b", "2", time.Hour)
		clk.Advance(time.Second)
		_, _ = c.Get(ctx, "a")
		clk.Advance(time.Second)

		c.Set(ctx, "c", "3", time.Hour)

		_, okA := c.Get(ctx, "a")
		_, okB := c.Get(ctx, "b")
		assert.True(t, okA)
		assert.False(t, okB)
		assert.Equal(t, uint64(1), c.Stats().Evictions)
	})

	t.Run("lfu evicts least frequently accessed", func(t *testing.T) {
		c, clk := newTestCache(t, Options[string]{MaxSize: 2, Policy: PolicyLFU})
		c.Set(ctx, "a", "1", time.Hour)
		c.Set(ctx, "b", "2", time.Hour)
		for i := 0; i < 3; i++ {
			_, _ = c.Get(ctx, "b")
		}
		_, _ = c.Get(ctx, "a")
		clk.Advance(time.Second)

		c.Set(ctx, "c", "3", time.Hour)

		assert.Equal(t, 2, c.Len())
		_, okA := c.Get(ctx, "a")
		assert.False(t, okA)
	})

	t.Run("ttl evicts closest to expiry", func(t *testing.T) {
		c, _ := newTestCache(t, Options[string]{MaxSize: 2, Policy: PolicyTTL})
		c.Set(ctx, "long", "1", time.Hour)
		c.Set(ctx, "short", "2", time.Minute)

		c.Set(ctx, "c", "3", 30*time.Minute)

		_, okShort := c.Get(ctx, "short")
		_, okLong := c.Get(ctx, "long")
		assert.False(t, okShort)
		assert.True(t, okLong)
	})

	t.Run("ties go to the oldest entry", func(t *testing.T) {
		c, clk := newTestCache(t, Options[string]{MaxSize: 3, Policy: PolicyLFU})
		c.Set(ctx, "a", "1", time.Hour)
		clk.Advance(time.Second)
		c.Set(ctx, "b", "2", time.Hour)
		clk.Advance(time.Second)
		c.Set(ctx, "c", "3", time.Hour)

		c.Set(ctx, "d", "4", time.Hour)

		_, okA := c.Get(ctx, "a")
		assert.False(t, okA)
	})
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Options[string]{MaxSize: 2})
	c.Set(ctx, "a", "1", time.Hour)
	c.Set(ctx, "b", "2", time.Hour)
	c.Set(ctx, "a", "updated", time.Hour)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
	v, _ := c.Get(ctx, "a")
	assert.Equal(t, "updated", v)
}

func TestCache_DeletePurgeClear(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t, Options[string]{})

	c.Set(ctx, "a", "1", time.Second)
	c.Set(ctx, "b", "2", time.Second)
	c.Set(ctx, "c", "3", time.Hour)

	c.Delete(ctx, "c")
	assert.Equal(t, 2, c.Len())

	clk.Advance(2 * time.Second)
	assert.Equal(t, 2, c.PurgeExpired())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Stats().BytesEstimate)

	c.Set(ctx, "d", "4", time.Hour)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

type memBacking struct {
	mu      sync.Mutex
	items   map[string]Item
	loadErr error
}

func newMemBacking() *memBacking {
	return &memBacking{items: make(map[string]Item)}
}

func (m *memBacking) Load(_ context.Context, key string) (Item, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return Item{}, false, m.loadErr
	}
	it, ok := m.items[key]
	return it, ok, nil
}

func (m *memBacking) Save(_ context.Context, key string, data []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = Item{Data: data, TTL: ttl}
	return nil
}

func (m *memBacking) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func TestCache_WriteThroughBacking(t *testing.T) {
	ctx := context.Background()
	backing := newMemBacking()
	c, _ := newTestCache(t, Options[string]{Backing: backing})

	c.Set(ctx, "a", "X", time.Minute)
	require.Contains(t, backing.items, "a")
	assert.Equal(t, `"X"`, string(backing.items["a"].Data))

	// A fresh cache over the same backing rebuilds from it.
	c2, _ := newTestCache(t, Options[string]{Backing: backing})
	v, ok := c2.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "X", v)
	assert.Equal(t, 1, c2.Len())
	assert.Equal(t, uint64(1), c2.Stats().BackingHits)

	c2.Delete(ctx, "a")
	assert.NotContains(t, backing.items, "a")
}

func TestCache_BackingFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	backing := newMemBacking()
	backing.loadErr = errors.New("connection refused")
	c, _ := newTestCache(t, Options[string]{Backing: backing})

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Options[string]{MaxSize: 50})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%120)
				c.Set(ctx, key, key, time.Minute)
				_, _ = c.Get(ctx, key)
				if i%10 == 0 {
					c.Delete(ctx, key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
	assert.Equal(t, c.Len(), c.Stats().Size)
}

func TestFingerprint(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	cfg := map[string]any{"endpoint": "http://agent", "model": "gpt"}

	base := Fingerprint(cfg, []string{"b", "a"}, time.Hour, now)
	assert.Len(t, base, 64)

	t.Run("probe order is irrelevant", func(t *testing.T) {
		assert.Equal(t, base, Fingerprint(cfg, []string{"a", "b"}, time.Hour, now))
	})

	t.Run("same bucket matches", func(t *testing.T) {
		assert.Equal(t, base, Fingerprint(cfg, []string{"a", "b"}, time.Hour, now.Add(20*time.Minute)))
	})

	t.Run("next bucket differs", func(t *testing.T) {
		assert.NotEqual(t, base, Fingerprint(cfg, []string{"a", "b"}, time.Hour, now.Add(40*time.Minute)))
	})

	t.Run("config changes key", func(t *testing.T) {
		other := map[string]any{"endpoint": "http://agent", "model": "claude"}
		assert.NotEqual(t, base, Fingerprint(other, []string{"a", "b"}, time.Hour, now))
	})

	t.Run("input slice is not reordered", func(t *testing.T) {
		probes := []string{"z", "a"}
		_ = Fingerprint(cfg, probes, time.Hour, now)
		assert.Equal(t, []string{"z", "a"}, probes)
	})
}
