// Package store persists rebuildable state in Redis: the scan result cache
// backing and the scaling event history. Losing either only costs warm-up
// time; the engine starts from empty state when Redis is absent.
package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zero-day-ai/probegrid/cache"
	"github.com/zero-day-ai/probegrid/scaler"
)

// Options configures the Redis connection and key layout.
type Options struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379")
	URL string

	// TLS configuration for secure connections
	TLS *tls.Config

	// Prefix namespaces every key. Default: "probegrid"
	Prefix string

	// HistoryLimit bounds the persisted scaling history. Default: 1000
	HistoryLimit int64

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = "redis://localhost:6379"
	}
	if o.Prefix == "" {
		o.Prefix = "probegrid"
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 1000
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 5 * time.Second
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 3 * time.Second
	}
	return o
}

// RedisStore implements cache.Backing and scaler.HistorySink over go-redis.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	historyLimit int64
}

var (
	_ cache.Backing      = (*RedisStore)(nil)
	_ scaler.HistorySink = (*RedisStore)(nil)
)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts Options) (*RedisStore, error) {
	opts = opts.withDefaults()

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:       client,
		prefix:       opts.Prefix,
		historyLimit: opts.HistoryLimit,
	}, nil
}

func (s *RedisStore) cacheKey(key string) string {
	return s.prefix + ":cache:" + key
}

func (s *RedisStore) historyKey() string {
	return s.prefix + ":scaling:history"
}

// Load implements cache.Backing.
func (s *RedisStore) Load(ctx context.Context, key string) (cache.Item, bool, error) {
	k := s.cacheKey(key)

	pipe := s.client.Pipeline()
	get := pipe.Get(ctx, k)
	pttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return cache.Item{}, false, fmt.Errorf("failed to load cache entry %s: %w", key, err)
	}

	data, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return cache.Item{}, false, nil
	}
	if err != nil {
		return cache.Item{}, false, fmt.Errorf("failed to load cache entry %s: %w", key, err)
	}

	ttl, err := pttl.Result()
	if err != nil {
		return cache.Item{}, false, fmt.Errorf("failed to read ttl of cache entry %s: %w", key, err)
	}
	return cache.Item{Data: data, TTL: ttl}, true, nil
}

// Save implements cache.Backing.
func (s *RedisStore) Save(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.cacheKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save cache entry %s: %w", key, err)
	}
	return nil
}

// Remove implements cache.Backing.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to remove cache entry %s: %w", key, err)
	}
	return nil
}

// SaveEvent implements scaler.HistorySink. The history list is kept newest
// first and trimmed to HistoryLimit.
func (s *RedisStore) SaveEvent(ctx context.Context, e scaler.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal scaling event: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.historyKey(), data)
	pipe.LTrim(ctx, s.historyKey(), 0, s.historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save scaling event %s: %w", e.ID, err)
	}
	return nil
}

// LoadHistory returns up to n of the newest persisted events, oldest first.
// Entries that fail to decode are skipped.
func (s *RedisStore) LoadHistory(ctx context.Context, n int64) ([]scaler.Event, error) {
	if n <= 0 {
		n = s.historyLimit
	}
	raw, err := s.client.LRange(ctx, s.historyKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load scaling history: %w", err)
	}

	events := make([]scaler.Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e scaler.Event
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
