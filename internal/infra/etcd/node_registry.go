package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"

	"reportd/internal/domain"
)

// NodeRegistry keeps this supervisor's entry under NodePrefix alive with a
// lease, so the entry disappears when the process dies.
type NodeRegistry struct {
	client *clientv3.Client
	ttl    int64
	logger *slog.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	key     string
	cancel  context.CancelFunc
}

func NewNodeRegistry(client *clientv3.Client, ttlSeconds int64, logger *slog.Logger) *NodeRegistry {
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}
	return &NodeRegistry{
		client: client,
		ttl:    ttlSeconds,
		logger: logger.With("component", "node-registry"),
	}
}

func (r *NodeRegistry) Register(ctx context.Context, node domain.Node) error {
	value, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}

	leaseResp, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	key := NodePrefix + node.ID
	if _, err := r.client.Put(ctx, key, string(value), clientv3.WithLease(leaseResp.ID)); err != nil {
		return fmt.Errorf("failed to put node registration key: %w", err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := r.client.KeepAlive(kaCtx, leaseResp.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	r.mu.Lock()
	r.leaseID, r.key, r.cancel = leaseResp.ID, key, cancel
	r.mu.Unlock()

	go func() {
		for ka := range keepAliveCh {
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		if kaCtx.Err() == nil {
			r.logger.Warn("keep-alive channel closed, node registration may have expired", "key", key)
		}
	}()

	r.logger.Info("node registered", "key", key, "http_addr", node.HTTPAddr)
	return nil
}

// Deregister revokes the lease, which deletes the entry.
func (r *NodeRegistry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	leaseID, key, cancel := r.leaseID, r.key, r.cancel
	r.leaseID, r.key, r.cancel = 0, "", nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	r.logger.Info("deregistering node", "key", key)
	if _, err := r.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
