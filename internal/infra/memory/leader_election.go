package memory

import (
	"context"
	"sync"
)

// LocalLeader is a leader election for a single supervisor instance: the
// campaign always succeeds and leadership is held until Resign.
type LocalLeader struct {
	mu     sync.Mutex
	leader bool
	lost   chan struct{}
}

func NewLocalLeader() *LocalLeader {
	return &LocalLeader{}
}

func (l *LocalLeader) Campaign(ctx context.Context) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.leader {
		l.leader = true
		l.lost = make(chan struct{})
	}
	return l.lost, nil
}

func (l *LocalLeader) Resign(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.leader {
		l.leader = false
		close(l.lost)
	}
	return nil
}

func (l *LocalLeader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}
