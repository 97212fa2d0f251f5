package domain

import (
	"context"
	"fmt"
	"time"
)

// RunOutcome describes how a single worker run ended.
type RunOutcome string

const (
	RunOutcomeRunning   RunOutcome = "running"
	RunOutcomeComplete  RunOutcome = "complete"
	RunOutcomeFailed    RunOutcome = "failed"
	RunOutcomePaused    RunOutcome = "paused"
	RunOutcomeKilled    RunOutcome = "killed"
	RunOutcomeAbandoned RunOutcome = "abandoned" // process vanished without terminal evidence
	RunOutcomeDrained   RunOutcome = "drained"   // stopped because the job was restarted
)

// RunRecord represents a single worker process spawned for a job.
type RunRecord struct {
	ID        string     `json:"id"`        // Unique ID for this worker run
	JobKey    string     `json:"job_key"`   // Key of the job the worker ran for
	PID       int        `json:"pid"`       // OS process id of the worker
	NodeID    string     `json:"node_id"`   // Supervisor instance that spawned it
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	FromYear  int        `json:"from_year"` // First year the worker was asked to process
	Outcome   RunOutcome `json:"outcome"`
	Detail    string     `json:"detail,omitempty"`
}

// Validate checks if the run record is valid.
func (r *RunRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("run record ID cannot be empty")
	}
	if r.JobKey == "" {
		return fmt.Errorf("run record job key cannot be empty")
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("run record start time cannot be zero")
	}
	if r.Outcome == "" {
		return fmt.Errorf("run record outcome cannot be empty")
	}
	return nil
}

// RunRepository persists the history of worker runs per job.
type RunRepository interface {
	// Save inserts or replaces a run record.
	Save(ctx context.Context, record *RunRecord) error
	// ListByJobKey returns runs for a job, newest first, paginated from page 1.
	ListByJobKey(ctx context.Context, jobKey string, page, pageSize int) ([]*RunRecord, error)
	// Latest returns the most recent run of a job, or nil if there is none.
	Latest(ctx context.Context, jobKey string) (*RunRecord, error)
	// DeleteByJobKey drops the history of a deleted job.
	DeleteByJobKey(ctx context.Context, jobKey string) error
}
