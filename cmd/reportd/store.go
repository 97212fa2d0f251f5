package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/zap"

	"reportd/internal/config"
	"reportd/internal/domain"
	"reportd/internal/infra/etcd"
	"reportd/internal/infra/memory"
	"reportd/internal/infra/sqlite"
)

// store bundles what a store driver provides to the supervisor.
type store struct {
	jobs     domain.JobRepository
	runs     domain.RunRepository
	leader   domain.LeaderElectionManager
	registry domain.NodeRegistry
	nodes    domain.NodeDirectory

	// watch, when set, keeps nodes current until ctx is cancelled.
	watch func(ctx context.Context)
	close func() error
}

func openStore(cfg *config.Config, nodeID string, logger *slog.Logger, zl *zap.Logger) (*store, error) {
	switch cfg.StoreDriver {
	case config.StoreEtcd:
		client, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout, zl)
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)
		discovery := etcd.NewNodeDiscovery(client, logger)
		return &store{
			jobs:     etcd.NewEtcdJobRepository(client, logger),
			runs:     etcd.NewEtcdRunRepository(client, logger),
			leader:   etcd.NewEtcdLeaderElectionManager(client, nodeID, cfg.LeaderElectionTTL, logger),
			registry: etcd.NewNodeRegistry(client, int64(cfg.LeaderElectionTTL.Seconds()), logger),
			nodes:    discovery,
			watch:    discovery.Watch,
			close:    client.Close,
		}, nil

	case config.StoreSQLite:
		db, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		if err := sqlite.Migrate(db, logger); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		nodes := memory.NewNodeRegistry()
		return &store{
			jobs:     sqlite.NewJobRepository(db),
			runs:     sqlite.NewRunRepository(db),
			leader:   memory.NewLocalLeader(),
			registry: nodes,
			nodes:    nodes,
			close:    db.Close,
		}, nil

	case config.StoreMemory:
		logger.Warn("using in-memory store; jobs are lost on restart")
		nodes := memory.NewNodeRegistry()
		return &store{
			jobs:     memory.NewJobRepository(),
			runs:     memory.NewRunRepository(),
			leader:   memory.NewLocalLeader(),
			registry: nodes,
			nodes:    nodes,
			close:    func() error { return nil },
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
