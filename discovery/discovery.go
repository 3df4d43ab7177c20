// Package discovery tracks the set of worker nodes available to the engine.
//
// Nodes announce themselves to a Registry under a lease; a Syncer follows
// the registry and keeps a balancer's membership in step with it. Nodes that
// stop renewing their lease drop out of rotation automatically.
package discovery

import (
	"context"
	"time"
)

// Endpoint describes one worker node as stored in the registry.
type Endpoint struct {
	// ID uniquely identifies the node
	ID string `json:"id"`

	// Address is where the node accepts work (e.g., "10.0.0.4:7000")
	Address string `json:"address"`

	// Weight feeds weighted round robin selection
	Weight float64 `json:"weight,omitempty"`

	// MaxConnections caps concurrent tasks routed to the node
	MaxConnections int `json:"max_connections,omitempty"`

	// Slots is the node's execution pool size
	Slots int `json:"slots,omitempty"`

	// Metadata contains additional node-specific information
	Metadata map[string]string `json:"metadata,omitempty"`

	// StartedAt is when the node started
	StartedAt time.Time `json:"started_at"`
}

// Registry announces and discovers worker nodes.
type Registry interface {
	// Register announces the node. Re-registering the same ID replaces it.
	Register(ctx context.Context, e Endpoint) error

	// Deregister removes the node. Unknown IDs are a no-op.
	Deregister(ctx context.Context, id string) error

	// Discover returns every registered node.
	Discover(ctx context.Context) ([]Endpoint, error)

	// Watch emits the full node set on start and after every change. The
	// channel closes when ctx is done or the registry is closed.
	Watch(ctx context.Context) (<-chan []Endpoint, error)

	Close() error
}
