package etcd

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"reportd/internal/domain"
)

// NodeDiscovery tracks the registered supervisors.
type NodeDiscovery struct {
	client *clientv3.Client
	logger *slog.Logger
	nodes  map[string]domain.Node // keyed by node ID
	mu     sync.RWMutex
}

func NewNodeDiscovery(client *clientv3.Client, logger *slog.Logger) *NodeDiscovery {
	return &NodeDiscovery{
		client: client,
		logger: logger.With("component", "node-discovery"),
		nodes:  make(map[string]domain.Node),
	}
}

// Watch loads the current nodes and follows registrations until ctx is
// cancelled. It blocks.
func (d *NodeDiscovery) Watch(ctx context.Context) {
	d.logger.Info("starting to watch for nodes")

	rev, err := d.loadInitialNodes(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial node load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	for watchResp := range d.client.Watch(ctx, NodePrefix, opts...) {
		for _, event := range watchResp.Events {
			id := strings.TrimPrefix(string(event.Kv.Key), NodePrefix)

			d.mu.Lock()
			switch event.Type {
			case clientv3.EventTypePut:
				node, ok := d.decode(event.Kv.Value)
				if !ok {
					d.mu.Unlock()
					continue
				}
				if _, known := d.nodes[id]; !known {
					d.logger.Info("new node discovered", "id", id, "http_addr", node.HTTPAddr)
				}
				d.nodes[id] = node
			case clientv3.EventTypeDelete:
				d.logger.Info("node deregistered", "id", id)
				delete(d.nodes, id)
			}
			d.mu.Unlock()
		}
	}
	d.logger.Info("stopped watching for nodes")
}

func (d *NodeDiscovery) loadInitialNodes(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, NodePrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kv := range resp.Kvs {
		if node, ok := d.decode(kv.Value); ok {
			d.nodes[strings.TrimPrefix(string(kv.Key), NodePrefix)] = node
		}
	}
	return resp.Header.Revision, nil
}

func (d *NodeDiscovery) decode(raw []byte) (domain.Node, bool) {
	var node domain.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		d.logger.Warn("skipping malformed node entry", "error", err)
		return node, false
	}
	return node, true
}

// Nodes returns a snapshot ordered by node ID.
func (d *NodeDiscovery) Nodes() []domain.Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	nodes := make([]domain.Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}
