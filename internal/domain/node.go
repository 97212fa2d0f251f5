package domain

import (
	"context"
	"time"
)

// Node is a supervisor instance taking part in the cluster.
type Node struct {
	ID       string    `json:"id"`
	HTTPAddr string    `json:"http_addr"`
	GRPCAddr string    `json:"grpc_addr,omitempty"`
	Started  time.Time `json:"started"`
}

// NodeRegistry announces this node for as long as it is alive.
type NodeRegistry interface {
	Register(ctx context.Context, node Node) error
	Deregister(ctx context.Context) error
}

// NodeDirectory lists the nodes currently registered.
type NodeDirectory interface {
	Nodes() []Node
}
