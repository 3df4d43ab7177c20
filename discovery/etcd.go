package discovery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrClosed is returned by a registry after Close.
var ErrClosed = errors.New("discovery registry is closed")

// EtcdConfig configures EtcdRegistry.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`

	// Namespace prefixes every key. Default: "probegrid"
	Namespace string `yaml:"namespace,omitempty"`

	// TTL is the lease lifetime in seconds. Default: 30
	TTL int `yaml:"ttl,omitempty"`

	// DialTimeout bounds the initial connection. Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`

	// TLS secures the client connection. Nil means plaintext.
	TLS *tls.Config `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

// EtcdRegistry implements Registry on etcd leases. Each registered node is
// stored at /<namespace>/nodes/<id> and kept alive every TTL/3.
//
// All methods are safe for concurrent use.
type EtcdRegistry struct {
	client    *clientv3.Client
	namespace string
	ttl       int
	logger    *slog.Logger

	mu         sync.Mutex
	leases     map[string]clientv3.LeaseID
	cancelFns  map[string]context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	closedChan chan struct{}
}

var _ Registry = (*EtcdRegistry)(nil)

// NewEtcdRegistry connects to etcd and verifies the connection.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("discovery endpoints cannot be empty")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "probegrid"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		TLS:         cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if _, err := cli.Get(ctx, "health-check"); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return &EtcdRegistry{
		client:     cli,
		namespace:  cfg.Namespace,
		ttl:        cfg.TTL,
		logger:     cfg.Logger.With("component", "discovery"),
		leases:     make(map[string]clientv3.LeaseID),
		cancelFns:  make(map[string]context.CancelFunc),
		closedChan: make(chan struct{}),
	}, nil
}

func (r *EtcdRegistry) prefix() string {
	return fmt.Sprintf("/%s/nodes/", r.namespace)
}

func (r *EtcdRegistry) key(id string) string {
	return r.prefix() + id
}

// Register implements Registry.
func (r *EtcdRegistry) Register(ctx context.Context, e Endpoint) error {
	if e.ID == "" {
		return fmt.Errorf("endpoint id is required")
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	if cancel, ok := r.cancelFns[e.ID]; ok {
		cancel()
		delete(r.cancelFns, e.ID)
	}

	lease, err := r.client.Grant(ctx, int64(r.ttl))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint: %w", err)
	}
	if _, err := r.client.Put(ctx, r.key(e.ID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register node %s: %w", e.ID, err)
	}
	r.leases[e.ID] = lease.ID

	kaCtx, cancel := context.WithCancel(context.Background())
	r.cancelFns[e.ID] = cancel
	r.wg.Add(1)
	go r.keepalive(kaCtx, lease.ID, e.ID)

	r.logger.Info("node registered", "node_id", e.ID, "address", e.Address)
	return nil
}

// Deregister implements Registry by revoking the node's lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	if cancel, ok := r.cancelFns[id]; ok {
		cancel()
		delete(r.cancelFns, id)
	}
	lease, ok := r.leases[id]
	if !ok {
		return nil
	}
	if _, err := r.client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	delete(r.leases, id)
	return nil
}

// Discover implements Registry.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]Endpoint, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return r.discover(ctx)
}

func (r *EtcdRegistry) discover(ctx context.Context) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, r.prefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover nodes: %w", err)
	}

	out := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var e Endpoint
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			r.logger.Warn("skipping malformed registry entry", "key", string(kv.Key), "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Watch implements Registry.
func (r *EtcdRegistry) Watch(ctx context.Context) (<-chan []Endpoint, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	initial, err := r.discover(ctx)
	if err != nil {
		r.wg.Done()
		return nil, err
	}

	out := make(chan []Endpoint, 1)
	out <- initial
	watchChan := r.client.Watch(ctx, r.prefix(), clientv3.WithPrefix())

	go func() {
		defer r.wg.Done()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.closedChan:
				return
			case resp, ok := <-watchChan:
				if !ok || resp.Err() != nil {
					return
				}
				nodes, err := r.discover(ctx)
				if err != nil {
					r.logger.Warn("failed to refresh node set", "error", err)
					continue
				}
				select {
				case out <- nodes:
				case <-ctx.Done():
					return
				case <-r.closedChan:
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops every keepalive and watch, then closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, cancel := range r.cancelFns {
		cancel()
	}
	r.cancelFns = make(map[string]context.CancelFunc)
	close(r.closedChan)
	r.mu.Unlock()

	r.wg.Wait()
	return r.client.Close()
}

func (r *EtcdRegistry) keepalive(ctx context.Context, lease clientv3.LeaseID, id string) {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Duration(r.ttl) * time.Second / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closedChan:
			return
		case <-ticker.C:
			if _, err := r.client.KeepAliveOnce(ctx, lease); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("lease lost, node will drop out", "node_id", id, "error", err)
				r.mu.Lock()
				if r.leases[id] == lease {
					delete(r.leases, id)
					delete(r.cancelFns, id)
				}
				r.mu.Unlock()
				return
			}
		}
	}
}
