package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Item is an encoded value held by a Backing store with its remaining TTL.
type Item struct {
	Data []byte
	TTL  time.Duration
}

// Backing is a shared store behind the local cache, such as Redis.
type Backing interface {
	// Load returns the item for key. A missing key is (Item{}, false, nil).
	Load(ctx context.Context, key string) (Item, bool, error)

	// Save stores data under key for ttl.
	Save(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// Codec converts values to and from bytes for a Backing store.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[V any] struct{}

// Encode implements Codec.
func (JSONCodec[V]) Encode(v V) ([]byte, error) {
	return json.Marshal(v)
}

// Decode implements Codec.
func (JSONCodec[V]) Decode(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}
