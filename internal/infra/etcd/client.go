package etcd

import (
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Key layout in etcd.
const (
	JobPrefix         = "/reportd/jobs/"
	RunPrefix         = "/reportd/runs/"
	LeaderElectionKey = "/reportd/leader"
	NodePrefix        = "/reportd/nodes/"
)

// NewClient dials the cluster. logger may be nil, in which case the client
// logs nothing.
func NewClient(endpoints []string, timeout time.Duration, logger *zap.Logger) (*clientv3.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}
	return cli, nil
}
