package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Policy selects the eviction victim when the cache is full.
type Policy string

const (
	PolicyLRU Policy = "lru"
	PolicyLFU Policy = "lfu"
	PolicyTTL Policy = "ttl"
)

// IsValid reports whether p is a known policy.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyLRU, PolicyLFU, PolicyTTL:
		return true
	default:
		return false
	}
}

// ParsePolicy parses a policy name. The empty string is PolicyLRU.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return PolicyLRU, nil
	}
	p := Policy(s)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown eviction policy %q", s)
	}
	return p, nil
}

const (
	defaultMaxSize = 1000
	defaultTTL     = time.Hour
)

// Options configures a Cache.
type Options[V any] struct {
	// MaxSize bounds the number of entries. Default: 1000
	MaxSize int

	// DefaultTTL applies when Set is called with ttl <= 0. Default: 1h
	DefaultTTL time.Duration

	// Policy selects eviction victims. Default: PolicyLRU
	Policy Policy

	// SizeOf estimates the memory footprint of a value. Default: length of
	// the encoded value.
	SizeOf func(V) int

	// Backing is an optional write-through store.
	Backing Backing

	// Codec encodes values for Backing and the default SizeOf.
	// Default: JSONCodec
	Codec Codec[V]

	Now    func() time.Time
	Logger *slog.Logger
}

// Stats is a point-in-time view of cache accounting.
type Stats struct {
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Evictions     uint64  `json:"evictions"`
	Expirations   uint64  `json:"expirations"`
	BackingHits   uint64  `json:"backing_hits"`
	BytesEstimate int64   `json:"bytes_estimate"`
	HitRate       float64 `json:"hit_rate"`
	Policy        Policy  `json:"policy"`
}

type entry[V any] struct {
	value        V
	createdAt    time.Time
	expiresAt    time.Time
	lastAccessed time.Time
	accessCount  uint64
	size         int
}

func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Cache is a concurrency-safe TTL cache. The zero value is not usable; call New.
type Cache[V any] struct {
	maxSize    int
	defaultTTL time.Duration
	policy     Policy
	sizeOf     func(V) int
	backing    Backing
	codec      Codec[V]
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry[V]
	bytes   int64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64
	backingHits uint64
}

// New creates a cache. It fails only for an unknown policy.
func New[V any](opts Options[V]) (*Cache[V], error) {
	if opts.Policy == "" {
		opts.Policy = PolicyLRU
	}
	if !opts.Policy.IsValid() {
		return nil, fmt.Errorf("cache: unknown eviction policy %q", opts.Policy)
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaultTTL
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec[V]{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Cache[V]{
		maxSize:    opts.MaxSize,
		defaultTTL: opts.DefaultTTL,
		policy:     opts.Policy,
		sizeOf:     opts.SizeOf,
		backing:    opts.Backing,
		codec:      opts.Codec,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "cache"),
		entries:    make(map[string]*entry[V]),
	}
	if c.sizeOf == nil {
		c.sizeOf = c.encodedSize
	}
	return c, nil
}

// Get returns the value for key. An expired entry is removed and reported
// as a miss. A local miss consults the backing store, and a backing hit is
// re-inserted locally for its remaining TTL.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if !e.expired(now) {
			e.lastAccessed = now
			e.accessCount++
			c.hits++
			v := e.value
			c.mu.Unlock()
			return v, true
		}
		c.removeLocked(key, e)
		c.expirations++
	}
	c.mu.Unlock()

	if v, ok := c.loadBacking(ctx, key, now); ok {
		return v, true
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	var zero V
	return zero, false
}

// Set stores value under key for ttl, or DefaultTTL when ttl <= 0. Inserting
// a new key into a full cache evicts one entry first.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.insert(key, value, ttl, c.now())

	if c.backing == nil {
		return
	}
	data, err := c.codec.Encode(value)
	if err != nil {
		c.logger.Error("failed to encode cache value", "key", key, "error", err)
		return
	}
	if err := c.backing.Save(ctx, key, data, ttl); err != nil {
		c.logger.Error("failed to save cache entry to backing store", "key", key, "error", err)
	}
}

// Delete removes key locally and from the backing store.
func (c *Cache[V]) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
	c.mu.Unlock()

	if c.backing != nil {
		if err := c.backing.Remove(ctx, key); err != nil {
			c.logger.Error("failed to remove cache entry from backing store", "key", key, "error", err)
		}
	}
}

// PurgeExpired removes every expired local entry and returns how many were removed.
func (c *Cache[V]) PurgeExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(k, e)
			c.expirations++
			n++
		}
	}
	return n
}

// Len returns the number of local entries, including expired ones not yet observed.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every local entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.bytes = 0
}

// Stats returns current accounting.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Size:          len(c.entries),
		MaxSize:       c.maxSize,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Expirations:   c.expirations,
		BackingHits:   c.backingHits,
		BytesEstimate: c.bytes,
		Policy:        c.policy,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache[V]) insert(key string, value V, ttl time.Duration, now time.Time) {
	size := c.sizeOf(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.bytes -= int64(old.size)
		old.value = value
		old.createdAt = now
		old.expiresAt = now.Add(ttl)
		old.lastAccessed = now
		old.size = size
		c.bytes += int64(size)
		return
	}

	if len(c.entries) >= c.maxSize {
		if victim, ok := c.victimLocked(); ok {
			c.removeLocked(victim, c.entries[victim])
			c.evictions++
		}
	}

	c.entries[key] = &entry[V]{
		value:        value,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
		lastAccessed: now,
		size:         size,
	}
	c.bytes += int64(size)
}

// victimLocked picks the entry to evict under the configured policy.
func (c *Cache[V]) victimLocked() (string, bool) {
	var (
		victim string
		best   *entry[V]
	)
	for k, e := range c.entries {
		if best == nil || c.evictsBefore(e, best) || (!c.evictsBefore(best, e) && e.createdAt.Before(best.createdAt)) {
			victim, best = k, e
		}
	}
	return victim, best != nil
}

// evictsBefore reports whether a is a strictly better eviction candidate than b.
func (c *Cache[V]) evictsBefore(a, b *entry[V]) bool {
	switch c.policy {
	case PolicyLFU:
		return a.accessCount < b.accessCount
	case PolicyTTL:
		return a.expiresAt.Before(b.expiresAt)
	default:
		return a.lastAccessed.Before(b.lastAccessed)
	}
}

func (c *Cache[V]) removeLocked(key string, e *entry[V]) {
	delete(c.entries, key)
	c.bytes -= int64(e.size)
}

func (c *Cache[V]) loadBacking(ctx context.Context, key string, now time.Time) (V, bool) {
	var zero V
	if c.backing == nil {
		return zero, false
	}

	item, ok, err := c.backing.Load(ctx, key)
	if err != nil {
		c.logger.Warn("backing store lookup failed", "key", key, "error", err)
		return zero, false
	}
	if !ok || item.TTL <= 0 {
		return zero, false
	}

	v, err := c.codec.Decode(item.Data)
	if err != nil {
		c.logger.Warn("failed to decode backing store entry", "key", key, "error", err)
		return zero, false
	}

	c.insert(key, v, item.TTL, now)
	c.mu.Lock()
	c.hits++
	c.backingHits++
	if e, ok := c.entries[key]; ok {
		e.accessCount++
	}
	c.mu.Unlock()
	return v, true
}

func (c *Cache[V]) encodedSize(v V) int {
	data, err := c.codec.Encode(v)
	if err != nil {
		return 0
	}
	return len(data)
}
