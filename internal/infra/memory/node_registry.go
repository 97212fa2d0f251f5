package memory

import (
	"context"
	"sync"

	"reportd/internal/domain"
)

// NodeRegistry is the membership of a single supervisor instance. It serves
// as both registry and directory.
type NodeRegistry struct {
	mu   sync.RWMutex
	self *domain.Node
}

func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{}
}

func (r *NodeRegistry) Register(ctx context.Context, node domain.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = &node
	return nil
}

func (r *NodeRegistry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = nil
	return nil
}

func (r *NodeRegistry) Nodes() []domain.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.self == nil {
		return []domain.Node{}
	}
	return []domain.Node{*r.self}
}
