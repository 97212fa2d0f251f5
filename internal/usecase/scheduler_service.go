package usecase

import (
	"context"
	"log/slog"
	"time"

	"reportd/internal/domain"
	"reportd/internal/metrics"
)

// Supervisor is the control loop run while this node holds leadership.
type Supervisor interface {
	Run(ctx context.Context) error
}

// HealthReporter publishes whether this node currently supervises workers.
type HealthReporter interface {
	SetServing(serving bool)
}

// SchedulerService campaigns for leadership and runs the watchdog for as
// long as it is held. Losing leadership stops the watchdog; the service then
// campaigns again.
type SchedulerService struct {
	leaderManager domain.LeaderElectionManager
	supervisor    Supervisor
	health        HealthReporter
	nodeID        string
	retryDelay    time.Duration
	logger        *slog.Logger
}

func NewSchedulerService(leaderManager domain.LeaderElectionManager, supervisor Supervisor, nodeID string, logger *slog.Logger) *SchedulerService {
	return &SchedulerService{
		leaderManager: leaderManager,
		supervisor:    supervisor,
		nodeID:        nodeID,
		retryDelay:    5 * time.Second,
		logger:        logger.With("component", "scheduler-service", "node_id", nodeID),
	}
}

// SetHealthReporter registers a reporter notified on leadership changes.
func (s *SchedulerService) SetHealthReporter(h HealthReporter) {
	s.health = h
}

// Start blocks until ctx is cancelled.
func (s *SchedulerService) Start(ctx context.Context) error {
	s.logger.Info("scheduler service starting")
	s.setLeader(false)

	for {
		if ctx.Err() != nil {
			s.logger.Info("scheduler service shutting down")
			return ctx.Err()
		}

		s.logger.Info("campaigning for leadership")
		lost, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("leadership campaign failed, retrying", "error", err, "retry_in", s.retryDelay)
			s.wait(ctx)
			continue
		}

		s.logger.Info("became leader, starting watchdog")
		if !s.lead(ctx, lost) {
			s.wait(ctx)
		}
	}
}

// lead runs the supervisor until leadership is lost, the supervisor exits or
// ctx is cancelled. It reports false when the supervisor failed.
func (s *SchedulerService) lead(ctx context.Context, lost <-chan struct{}) bool {
	s.setLeader(true)
	defer s.setLeader(false)

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.supervisor.Run(leaderCtx) }()

	healthy := true
	select {
	case <-lost:
		s.logger.Warn("leadership lost, stopping watchdog")
		cancel()
		<-done
	case err := <-done:
		if ctx.Err() == nil {
			s.logger.Error("watchdog exited unexpectedly, resigning", "error", err)
			healthy = false
		}
	case <-ctx.Done():
		<-done
	}

	resignCtx, resignCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer resignCancel()
	if err := s.leaderManager.Resign(resignCtx); err != nil {
		s.logger.Warn("failed to resign leadership", "error", err)
	}
	return healthy
}

func (s *SchedulerService) setLeader(leader bool) {
	v := 0.0
	if leader {
		v = 1
	}
	metrics.IsLeader.WithLabelValues(s.nodeID).Set(v)
	if s.health != nil {
		s.health.SetServing(leader)
	}
}

func (s *SchedulerService) wait(ctx context.Context) {
	t := time.NewTimer(s.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
