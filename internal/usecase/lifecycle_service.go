package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reportd/internal/domain"
	"reportd/internal/metrics"
	"reportd/internal/progress"
	"reportd/internal/workspace"
)

// maxCASRetries bounds how often a lifecycle operation re-reads a job after
// losing a compare-and-set race.
const maxCASRetries = 8

// Nudger is told that job state changed so the watchdog can act before its
// next scheduled tick.
type Nudger interface {
	Nudge()
}

// SubmitRequest is a new job as requested by a user.
type SubmitRequest struct {
	Name      string
	StartYear int
	EndYear   int
	Region    json.RawMessage
}

// Skipped names a key a bulk operation left alone and why.
type Skipped struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// BulkResult reports the per-key outcome of a bulk operation.
type BulkResult struct {
	Applied  []string  `json:"applied"`
	Deferred []string  `json:"deferred,omitempty"`
	Skipped  []Skipped `json:"skipped"`
}

// DeleteResult tells whether a delete was applied or handed to the watchdog.
type DeleteResult struct {
	Key      string      `json:"key"`
	Deferred bool        `json:"deferred"`
	Job      *domain.Job `json:"job,omitempty"` // the Killed job when deferred
}

// JobStatus is a job's record summary together with its estimated progress.
type JobStatus struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	StatusMsg string `json:"status_msg,omitempty"`
	progress.Progress
}

// LifecycleService applies user-requested state transitions to jobs.
type LifecycleService struct {
	repo      domain.JobRepository
	runs      domain.RunRepository
	ws        *workspace.Workspace
	estimator *progress.Estimator
	nudger    Nudger
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewLifecycleService creates a new LifecycleService instance.
func NewLifecycleService(repo domain.JobRepository, runs domain.RunRepository, ws *workspace.Workspace, estimator *progress.Estimator, logger *slog.Logger) *LifecycleService {
	return &LifecycleService{
		repo:      repo,
		runs:      runs,
		ws:        ws,
		estimator: estimator,
		logger:    logger.With("component", "lifecycle"),
		tracer:    otel.Tracer("reportd-usecase"),
		now:       time.Now,
	}
}

// SetNudger registers the watchdog to notify after mutations.
func (s *LifecycleService) SetNudger(n Nudger) {
	s.nudger = n
}

func (s *LifecycleService) nudge() {
	if s.nudger != nil {
		s.nudger.Nudge()
	}
}

func authorize(caller domain.Caller, perm string) error {
	if !caller.Can(perm) {
		return errors.WithHintf(domain.Unauthorizedf("permission %s required", perm),
			"the token for %s does not grant %s", actor(caller), perm)
	}
	return nil
}

func actor(caller domain.Caller) string {
	for _, s := range []string{caller.User.Email, caller.User.Name, caller.User.Sub} {
		if s != "" {
			return s
		}
	}
	return "unknown"
}

func observe(op string, err error, applied bool) {
	result := "applied"
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		result = "unauthorized"
	case errors.Is(err, domain.ErrValidation):
		result = "invalid"
	case errors.Is(err, domain.ErrJobNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	case !applied:
		result = "noop"
	}
	metrics.LifecycleOpsTotal.WithLabelValues(op, result).Inc()
}

func spanError(span trace.Span, err error, msg string) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
	}
}

// mutate reads the job, lets fn change it and writes it back with
// compare-and-set, re-reading on conflict. fn reports false to leave the
// job unchanged; the stored job is then returned as is.
func (s *LifecycleService) mutate(ctx context.Context, key string, fn func(job *domain.Job) (bool, error)) (*domain.Job, bool, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		job, err := s.repo.Get(ctx, key)
		if err != nil {
			return nil, false, err
		}
		changed, err := fn(job)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return job, false, nil
		}
		job.Updated = s.now().UTC()
		err = s.repo.Update(ctx, job)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return job, true, nil
	}
	return nil, false, errors.Wrapf(domain.ErrConflict, "key %q: gave up after %d attempts", key, maxCASRetries)
}

// Submit validates a new job, prepares its working directory and stores it.
// Callers with write:jobs skip the approval step.
func (s *LifecycleService) Submit(ctx context.Context, caller domain.Caller, req SubmitRequest) (job *domain.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()
	defer func() { observe("submit", err, err == nil) }()

	if err := authorize(caller, domain.PermSubmitJobs); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.Validationf("name is required")
	}
	sanitized := domain.SanitizeName(name)
	if strings.Trim(sanitized, "_") == "" {
		return nil, domain.Validationf("name %q has no usable characters", req.Name)
	}
	if req.StartYear <= 0 || req.EndYear <= 0 {
		return nil, domain.Validationf("start_year and end_year are required")
	}
	if req.StartYear > req.EndYear {
		return nil, domain.Validationf("start_year %d is after end_year %d", req.StartYear, req.EndYear)
	}
	if err := workspace.ValidateRegion(req.Region); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	key := domain.NewJobKey(sanitized, req.StartYear, req.EndYear, now)
	span.SetAttributes(attribute.String("job.key", key))

	baseDir, err := s.ws.Create(key)
	if err != nil {
		spanError(span, err, "failed to create job directory")
		return nil, err
	}
	cleanup := func() {
		if rmErr := s.ws.Remove(baseDir); rmErr != nil {
			s.logger.WarnContext(ctx, "failed to remove directory of rejected job", "job_key", key, "error", rmErr)
		}
	}

	status := domain.StatusWaitingApproval
	if caller.Can(domain.PermWriteJobs) {
		status = domain.StatusPending
	}
	job = &domain.Job{
		Key:       key,
		Name:      sanitized,
		Status:    status,
		StartYear: req.StartYear,
		EndYear:   req.EndYear,
		Submitted: domain.TimePtr(now),
		BaseDir:   baseDir,
		User:      caller.User,
		StatusMsg: fmt.Sprintf("Submitted by %s", actor(caller)),
		Updated:   now,
	}

	if _, err := workspace.WriteRegion(baseDir, sanitized, req.Region); err != nil {
		cleanup()
		return nil, err
	}
	if _, err := workspace.WriteConfig(job); err != nil {
		cleanup()
		return nil, err
	}
	if err := s.repo.Create(ctx, job); err != nil {
		cleanup()
		spanError(span, err, "failed to store job")
		return nil, err
	}

	s.logger.InfoContext(ctx, "job submitted", "job_key", key, "status", status, "user", actor(caller))
	s.nudge()
	return job, nil
}

// Approve moves a job from WaitingApproval to Pending. It is a no-op for
// jobs in any other status.
func (s *LifecycleService) Approve(ctx context.Context, caller domain.Caller, key string) (job *domain.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "service.Approve")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", key))

	var applied bool
	defer func() { observe("approve", err, applied) }()

	if err := authorize(caller, domain.PermWriteJobs); err != nil {
		return nil, err
	}
	job, applied, err = s.approve(ctx, caller, key)
	spanError(span, err, "failed to approve job")
	return job, err
}

func (s *LifecycleService) approve(ctx context.Context, caller domain.Caller, key string) (*domain.Job, bool, error) {
	job, applied, err := s.mutate(ctx, key, func(job *domain.Job) (bool, error) {
		if job.Status != domain.StatusWaitingApproval {
			return false, nil
		}
		job.Status = domain.StatusPending
		job.StatusMsg = fmt.Sprintf("Approved by %s", actor(caller))
		return true, nil
	})
	if applied {
		s.logger.InfoContext(ctx, "job approved", "job_key", key, "user", actor(caller))
		s.nudge()
	}
	return job, applied, err
}

// BulkApprove approves every listed job that is waiting for approval.
func (s *LifecycleService) BulkApprove(ctx context.Context, caller domain.Caller, keys []string) (*BulkResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.BulkApprove")
	defer span.End()
	span.SetAttributes(attribute.Int("keys", len(keys)))

	if err := authorize(caller, domain.PermWriteJobs); err != nil {
		observe("bulk_approve", err, false)
		return nil, err
	}

	res := &BulkResult{Applied: []string{}, Skipped: []Skipped{}}
	for _, key := range uniq(keys) {
		job, applied, err := s.approve(ctx, caller, key)
		switch {
		case err != nil:
			res.Skipped = append(res.Skipped, Skipped{Key: key, Reason: skipReason(err)})
		case applied:
			res.Applied = append(res.Applied, key)
		default:
			res.Skipped = append(res.Skipped, Skipped{Key: key, Reason: fmt.Sprintf("status is %s", job.Status)})
		}
	}
	observe("bulk_approve", nil, len(res.Applied) > 0)
	return res, nil
}

// Pause stops a non-terminal job. The watchdog signals the worker.
func (s *LifecycleService) Pause(ctx context.Context, caller domain.Caller, key string) (job *domain.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "service.Pause")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", key))

	var applied bool
	defer func() { observe("pause", err, applied) }()

	if err := authorize(caller, domain.PermWriteJobs); err != nil {
		return nil, err
	}

	job, applied, err = s.mutate(ctx, key, func(job *domain.Job) (bool, error) {
		if job.Status == domain.StatusPaused || !job.Status.CanTransitionTo(domain.StatusPaused) {
			return false, nil
		}
		p := s.estimator.Estimate(workspace.ProgressInput(job, s.now()))
		job.Status = domain.StatusPaused
		job.PausedYear = domain.IntPtr(p.CurrentYear)
		job.StatusMsg = fmt.Sprintf("Paused by %s at %d", actor(caller), p.CurrentYear)
		return true, nil
	})
	spanError(span, err, "failed to pause job")
	if applied {
		s.logger.InfoContext(ctx, "job paused", "job_key", key, "paused_year", *job.PausedYear)
		s.nudge()
	}
	return job, err
}

// Resume queues a paused job again. The next worker starts after the last
// year it confirmed.
func (s *LifecycleService) Resume(ctx context.Context, caller domain.Caller, key string) (job *domain.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "service.Resume")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", key))

	var applied bool
	defer func() { observe("resume", err, applied) }()

	if err := authorize(caller, domain.PermWriteJobs); err != nil {
		return nil, err
	}

	job, applied, err = s.mutate(ctx, key, func(job *domain.Job) (bool, error) {
		if job.Status != domain.StatusPaused {
			return false, nil
		}
		job.Status = domain.StatusPending
		job.PausedYear = nil
		job.StatusMsg = fmt.Sprintf("Resumed by %s", actor(caller))
		return true, nil
	})
	spanError(span, err, "failed to resume job")
	if applied {
		s.logger.InfoContext(ctx, "job resumed", "job_key", key, "resume_year", job.ResumeYear())
		s.nudge()
	}
	return job, err
}

// Restart queues a job from scratch in any status. Rendered figures are
// purged; intermediate outputs are kept so raw data is not fetched again.
// A worker that may still run stays recorded until the watchdog drained it.
func (s *LifecycleService) Restart(ctx context.Context, caller domain.Caller, key string) (job *domain.Job, err error) {
	ctx, span := s.tracer.Start(ctx, "service.Restart")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", key))

	var applied bool
	defer func() { observe("restart", err, applied) }()

	if err := authorize(caller, domain.PermWriteJobs); err != nil {
		return nil, err
	}

	job, applied, err = s.mutate(ctx, key, func(job *domain.Job) (bool, error) {
		if job.DeletePending {
			return false, nil
		}
		job.Status = domain.StatusPending
		job.Started = nil
		job.Ended = nil
		job.PausedYear = nil
		job.LastGeneratedYear = nil
		job.StatusMsg = fmt.Sprintf("Restarted by %s", actor(caller))
		return true, nil
	})
	spanError(span, err, "failed to restart job")
	if !applied {
		return job, err
	}

	if err := workspace.ClearStatusToken(job.BaseDir); err != nil {
		s.logger.WarnContext(ctx, "failed to clear status token", "job_key", key, "error", err)
	}
	if err := workspace.PurgeFigures(job.BaseDir); err != nil {
		s.logger.WarnContext(ctx, "failed to purge figures", "job_key", key, "error", err)
	}
	s.logger.InfoContext(ctx, "job restarted", "job_key", key, "draining_pid", job.PID)
	s.nudge()
	return job, nil
}

// active reports whether a worker may be running or about to run for the
// job, in which case deletion must go through the watchdog.
func active(job *domain.Job) bool {
	if job.Status == domain.StatusInProgress {
		return true
	}
	return job.HasProcess() && job.Status != domain.StatusComplete && job.Status != domain.StatusFailed
}

// Delete removes a job. Jobs with a worker are marked Killed and removed by
// the watchdog once the worker is gone. Owners may delete their own jobs.
func (s *LifecycleService) Delete(ctx context.Context, caller domain.Caller, key string, deleteFiles bool) (res *DeleteResult, err error) {
	ctx, span := s.tracer.Start(ctx, "service.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", key), attribute.Bool("delete_files", deleteFiles))
	defer func() { observe("delete", err, err == nil) }()

	res, err = s.delete(ctx, caller, key, deleteFiles)
	spanError(span, err, "failed to delete job")
	return res, err
}

func (s *LifecycleService) delete(ctx context.Context, caller domain.Caller, key string, deleteFiles bool) (*DeleteResult, error) {
	if !caller.Can(domain.PermWriteJobs) && caller.User.Sub == "" {
		return nil, domain.Unauthorizedf("permission %s required", domain.PermWriteJobs)
	}
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		job, err := s.repo.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !caller.Can(domain.PermWriteJobs) && !caller.Owns(job) {
			return nil, domain.Unauthorizedf("permission %s or ownership required", domain.PermWriteJobs)
		}

		if active(job) {
			job.Status = domain.StatusKilled
			job.DeletePending = true
			job.DeleteFiles = job.DeleteFiles || deleteFiles
			job.StatusMsg = fmt.Sprintf("Killed by %s", actor(caller))
			job.Updated = s.now().UTC()
			if err := s.repo.Update(ctx, job); err != nil {
				if errors.Is(err, domain.ErrConflict) {
					continue
				}
				return nil, err
			}
			s.logger.InfoContext(ctx, "job kill requested, delete deferred", "job_key", key, "pid", job.PID)
			s.nudge()
			return &DeleteResult{Key: key, Deferred: true, Job: job}, nil
		}

		if err := s.repo.Delete(ctx, key, job.Revision); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return nil, err
		}
		s.cleanupDeleted(ctx, job, deleteFiles)
		return &DeleteResult{Key: key}, nil
	}
	return nil, errors.Wrapf(domain.ErrConflict, "key %q: gave up after %d attempts", key, maxCASRetries)
}

// cleanupDeleted drops what a deleted job leaves behind. Failures are logged.
func (s *LifecycleService) cleanupDeleted(ctx context.Context, job *domain.Job, deleteFiles bool) {
	if err := s.runs.DeleteByJobKey(ctx, job.Key); err != nil {
		s.logger.WarnContext(ctx, "failed to delete run history", "job_key", job.Key, "error", err)
	}
	if deleteFiles {
		if err := s.ws.Remove(job.BaseDir); err != nil {
			s.logger.WarnContext(ctx, "failed to remove job directory", "job_key", job.Key, "base_dir", job.BaseDir, "error", err)
		}
	}
	s.logger.InfoContext(ctx, "job deleted", "job_key", job.Key, "delete_files", deleteFiles)
}

// BulkDelete deletes each listed job the caller may delete.
func (s *LifecycleService) BulkDelete(ctx context.Context, caller domain.Caller, keys []string, deleteFiles bool) (*BulkResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.BulkDelete")
	defer span.End()
	span.SetAttributes(attribute.Int("keys", len(keys)), attribute.Bool("delete_files", deleteFiles))

	res := &BulkResult{Applied: []string{}, Skipped: []Skipped{}}
	for _, key := range uniq(keys) {
		r, err := s.delete(ctx, caller, key, deleteFiles)
		switch {
		case err != nil:
			res.Skipped = append(res.Skipped, Skipped{Key: key, Reason: skipReason(err)})
		case r.Deferred:
			res.Applied = append(res.Applied, key)
			res.Deferred = append(res.Deferred, key)
		default:
			res.Applied = append(res.Applied, key)
		}
	}
	observe("bulk_delete", nil, len(res.Applied) > 0)
	return res, nil
}

// GetJob returns the stored job record.
func (s *LifecycleService) GetJob(ctx context.Context, key string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", key))

	job, err := s.repo.Get(ctx, key)
	spanError(span, err, "failed to get job from repository")
	return job, err
}

// GetStatus estimates the progress of a job from its working directory.
func (s *LifecycleService) GetStatus(ctx context.Context, key string) (*JobStatus, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("job.key", key))

	job, err := s.repo.Get(ctx, key)
	if err != nil {
		spanError(span, err, "failed to get job from repository")
		return nil, err
	}
	p := s.estimator.Estimate(workspace.ProgressInput(job, s.now()))
	span.SetAttributes(attribute.Float64("progress.percent", p.Percent), attribute.String("progress.source", string(p.Source)))
	return &JobStatus{Key: job.Key, Name: job.Name, StatusMsg: job.StatusMsg, Progress: p}, nil
}

// ListJobs lists all jobs, optionally restricted to some statuses.
func (s *LifecycleService) ListJobs(ctx context.Context, caller domain.Caller, statuses []domain.Status) ([]*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListJobs")
	defer span.End()

	if err := authorize(caller, domain.PermReadJobs); err != nil {
		return nil, err
	}
	jobs, err := s.repo.List(ctx, domain.JobFilter{Statuses: statuses})
	spanError(span, err, "failed to list jobs from repository")
	return jobs, err
}

// ListOwnJobs lists the jobs the caller submitted.
func (s *LifecycleService) ListOwnJobs(ctx context.Context, caller domain.Caller) ([]*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListOwnJobs")
	defer span.End()

	if caller.User.Sub == "" {
		return nil, domain.Unauthorizedf("an identified caller is required")
	}
	jobs, err := s.repo.List(ctx, domain.JobFilter{OwnerSub: caller.User.Sub})
	spanError(span, err, "failed to list jobs from repository")
	return jobs, err
}

// ListRuns lists the worker runs of a job, newest first.
func (s *LifecycleService) ListRuns(ctx context.Context, key string, page, pageSize int) ([]*domain.RunRecord, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListRuns")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.key", key),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	if _, err := s.repo.Get(ctx, key); err != nil {
		return nil, err
	}
	records, err := s.runs.ListByJobKey(ctx, key, page, pageSize)
	spanError(span, err, "failed to list job runs from repository")
	return records, err
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return "not found"
	case errors.Is(err, domain.ErrUnauthorized):
		return "not authorized"
	case errors.Is(err, domain.ErrConflict):
		return "concurrent modification"
	default:
		return err.Error()
	}
}

func uniq(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
