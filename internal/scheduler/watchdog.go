package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"reportd/internal/domain"
	"reportd/internal/metrics"
	"reportd/internal/progress"
	"reportd/internal/workspace"
)

// Options tune the watchdog.
type Options struct {
	NodeID string
	// TickInterval is the time between supervision passes.
	TickInterval time.Duration
	// MaxConcurrentWorkers caps live workers. Zero means no cap.
	MaxConcurrentWorkers int
	// SpawnRate and SpawnBurst pace worker starts.
	SpawnRate  float64
	SpawnBurst int
	// ClaimGrace is how long an InProgress job may go without a recorded pid
	// before it is considered abandoned.
	ClaimGrace time.Duration
	// StoreTimeout bounds the listing of jobs at the start of a tick.
	StoreTimeout time.Duration
}

// Archiver copies the results of a completed job somewhere durable.
type Archiver interface {
	Archive(ctx context.Context, job *domain.Job) error
}

// DirWatcher is notified of job directories whose status file is worth
// watching while a worker runs.
type DirWatcher interface {
	Add(dir string) error
	Remove(dir string) error
}

// Watchdog is the control loop that spawns, supervises and recovers workers.
// All coordination goes through compare-and-set writes on the job store, so
// several watchdogs on one store never start two workers for one job.
type Watchdog struct {
	repo    domain.JobRepository
	runs    domain.RunRepository
	procs   domain.ProcessManager
	ws      *workspace.Workspace
	opts    Options
	limiter *rate.Limiter

	archiver Archiver
	watcher  DirWatcher

	nudge    chan struct{}
	tickMu   sync.Mutex
	archives sync.WaitGroup

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewWatchdog creates a watchdog over the given stores and process manager.
func NewWatchdog(repo domain.JobRepository, runs domain.RunRepository, procs domain.ProcessManager, ws *workspace.Workspace, opts Options, logger *slog.Logger) *Watchdog {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 3 * time.Second
	}
	if opts.ClaimGrace <= 0 {
		opts.ClaimGrace = time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	limit := rate.Inf
	if opts.SpawnRate > 0 {
		limit = rate.Limit(opts.SpawnRate)
	}
	burst := opts.SpawnBurst
	if burst < 1 {
		burst = 1
	}
	return &Watchdog{
		repo:    repo,
		runs:    runs,
		procs:   procs,
		ws:      ws,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		nudge:   make(chan struct{}, 1),
		logger:  logger.With("component", "watchdog", "node_id", opts.NodeID),
		tracer:  otel.Tracer("reportd-watchdog"),
		now:     time.Now,
	}
}

// SetArchiver enables archiving of completed jobs.
func (w *Watchdog) SetArchiver(a Archiver) { w.archiver = a }

// SetWatcher enables status file watching for running jobs.
func (w *Watchdog) SetWatcher(d DirWatcher) { w.watcher = d }

// Nudge requests a tick as soon as possible. Nudges coalesce.
func (w *Watchdog) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Tick runs one supervision pass over every job.
func (w *Watchdog) Tick(ctx context.Context) error {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	ctx, span := w.tracer.Start(ctx, "watchdog.Tick")
	defer span.End()
	start := time.Now()
	defer func() { metrics.WatchdogTickDuration.Observe(time.Since(start).Seconds()) }()

	listCtx, cancel := context.WithTimeout(ctx, w.opts.StoreTimeout)
	jobs, err := w.repo.List(listCtx, domain.JobFilter{})
	cancel()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list jobs: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs", len(jobs)))

	var candidates []*domain.Job
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch job.Status {
		case domain.StatusInProgress:
			w.superviseRunning(ctx, job)
		case domain.StatusPaused:
			w.enforcePause(ctx, job)
		case domain.StatusKilled:
			w.enforceKill(ctx, job)
		case domain.StatusPending:
			if job.HasProcess() {
				w.drain(ctx, job)
			} else {
				candidates = append(candidates, job)
			}
		case domain.StatusComplete, domain.StatusFailed:
			if job.HasProcess() {
				w.forgetDeadProcess(ctx, job)
			}
		}
	}

	w.dispatchAll(ctx, candidates)
	w.report(ctx)
	return nil
}

// dispatchAll starts workers for claimable jobs, oldest submission first,
// within the concurrency cap and the spawn rate.
func (w *Watchdog) dispatchAll(ctx context.Context, candidates []*domain.Job) {
	if len(candidates) == 0 {
		return
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Submitted, candidates[j].Submitted
		if a == nil || b == nil {
			return candidates[i].Key < candidates[j].Key
		}
		return a.Before(*b)
	})

	slots := -1
	if w.opts.MaxConcurrentWorkers > 0 {
		busy, err := w.busyWorkers(ctx)
		if err != nil {
			w.logger.WarnContext(ctx, "could not count running workers", "error", err)
			return
		}
		slots = w.opts.MaxConcurrentWorkers - busy
	}

	for _, job := range candidates {
		if slots == 0 {
			return
		}
		if !w.limiter.Allow() {
			w.logger.DebugContext(ctx, "spawn rate reached, deferring dispatch", "job_key", job.Key)
			return
		}
		if w.dispatch(ctx, job) {
			slots--
		}
	}
}

// busyWorkers re-reads the store so that work done earlier in the tick is
// taken into account.
func (w *Watchdog) busyWorkers(ctx context.Context) (int, error) {
	jobs, err := w.repo.List(ctx, domain.JobFilter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if job.Status == domain.StatusInProgress || job.HasProcess() {
			n++
		}
	}
	return n, nil
}

// dispatch claims a Pending job and starts its worker. It reports whether a
// worker was started.
func (w *Watchdog) dispatch(ctx context.Context, job *domain.Job) bool {
	ctx, span := w.tracer.Start(ctx, "watchdog.Dispatch", trace.WithAttributes(attribute.String("job.key", job.Key)))
	defer span.End()
	logger := w.logger.With("job_key", job.Key)

	now := w.now().UTC()
	job.Status = domain.StatusInProgress
	job.ClearProcess()
	if job.Started == nil {
		job.Started = domain.TimePtr(now)
	}
	job.Ended = nil
	job.StatusMsg = "Starting worker"
	job.Updated = now
	if err := w.repo.Update(ctx, job); err != nil {
		if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrJobNotFound) {
			logger.WarnContext(ctx, "failed to claim job", "error", err)
		}
		// Someone else changed the job first; it is no longer ours to start.
		return false
	}

	if err := workspace.ClearStatusToken(job.BaseDir); err != nil {
		w.failSpawn(ctx, job, fmt.Errorf("clear status token: %w", err))
		return false
	}
	configPath, err := workspace.WriteConfig(job)
	if err != nil {
		w.failSpawn(ctx, job, err)
		return false
	}

	handle, err := w.procs.Spawn(ctx, domain.SpawnRequest{
		JobKey:     job.Key,
		ConfigPath: configPath,
		WorkDir:    job.BaseDir,
		LogPath:    workspace.WorkerLogPath(job.BaseDir),
	})
	if err != nil {
		span.RecordError(err)
		w.failSpawn(ctx, job, err)
		return false
	}

	if !w.recordProcess(ctx, job, handle) {
		return false
	}

	run := &domain.RunRecord{
		ID:        uuid.NewString(),
		JobKey:    job.Key,
		PID:       handle.PID(),
		NodeID:    w.opts.NodeID,
		StartTime: now,
		FromYear:  job.ResumeYear(),
		Outcome:   domain.RunOutcomeRunning,
	}
	if err := w.runs.Save(ctx, run); err != nil {
		logger.WarnContext(ctx, "failed to save run record", "error", err)
	}
	if w.watcher != nil {
		if err := w.watcher.Add(job.BaseDir); err != nil {
			logger.DebugContext(ctx, "cannot watch job directory", "error", err)
		}
	}

	metrics.WatchdogActionsTotal.WithLabelValues(metrics.ActionDispatched).Inc()
	logger.InfoContext(ctx, "worker started", "pid", handle.PID(), "resume_year", job.ResumeYear())
	return true
}

// recordProcess stores the pid of a fresh worker. A lifecycle operation may
// have changed the job since the claim; the pid is then recorded under the
// new status so pause or kill enforcement can reach the worker. If the job
// is gone the worker is killed. It reports whether the pid was recorded.
func (w *Watchdog) recordProcess(ctx context.Context, job *domain.Job, handle domain.ProcessHandle) bool {
	for attempt := 0; attempt < 5; attempt++ {
		job.PID = handle.PID()
		job.PIDCreated = handle.CreatedAt()
		job.StatusMsg = fmt.Sprintf("Worker running (pid %d)", handle.PID())
		job.Updated = w.now().UTC()
		err := w.repo.Update(ctx, job)
		if err == nil {
			return true
		}
		if !errors.Is(err, domain.ErrConflict) {
			w.logger.ErrorContext(ctx, "failed to record worker pid", "job_key", job.Key, "pid", handle.PID(), "error", err)
			_ = handle.Kill()
			return false
		}

		fresh, err := w.repo.Get(ctx, job.Key)
		if err != nil {
			w.logger.WarnContext(ctx, "job vanished while its worker started, killing worker", "job_key", job.Key, "pid", handle.PID())
			_ = handle.Kill()
			return false
		}
		if fresh.HasProcess() && fresh.PID != handle.PID() {
			w.logger.ErrorContext(ctx, "job already has another worker, killing the new one", "job_key", job.Key, "pid", handle.PID(), "other_pid", fresh.PID)
			_ = handle.Kill()
			return false
		}
		job = fresh
	}
	_ = handle.Kill()
	return false
}

// failSpawn records a worker that could not be started.
func (w *Watchdog) failSpawn(ctx context.Context, job *domain.Job, cause error) {
	metrics.WatchdogActionsTotal.WithLabelValues(metrics.ActionSpawnFailed).Inc()
	w.logger.ErrorContext(ctx, "failed to start worker", "job_key", job.Key, "error", cause)

	now := w.now().UTC()
	job.Status = domain.StatusFailed
	job.Ended = domain.TimePtr(now)
	job.ClearProcess()
	job.StatusMsg = fmt.Sprintf("Failed to start worker: %v", cause)
	job.Updated = now
	if err := w.repo.Update(ctx, job); err != nil {
		w.logger.WarnContext(ctx, "failed to mark job failed", "job_key", job.Key, "error", err)
	}
}

// superviseRunning reaps finished workers and recovers abandoned jobs.
func (w *Watchdog) superviseRunning(ctx context.Context, job *domain.Job) {
	logger := w.logger.With("job_key", job.Key)

	if !job.HasProcess() {
		if w.now().Sub(job.Updated) < w.opts.ClaimGrace {
			return // a watchdog is between claim and spawn
		}
		w.recover(ctx, job, "no worker recorded")
		return
	}

	handle := w.procs.Attach(job.PID, job.PIDCreated)
	if handle.IsAlive() {
		w.refreshLastGenerated(ctx, job)
		return
	}

	status, detail, ok := w.terminalEvidence(job)
	if !ok {
		w.recover(ctx, job, fmt.Sprintf("worker pid %d is gone", job.PID))
		return
	}

	now := w.now().UTC()
	job.Status = status
	job.Ended = domain.TimePtr(now)
	if job.Started != nil && job.Ended.Before(*job.Started) {
		job.Ended = domain.TimePtr(*job.Started)
	}
	job.ClearProcess()
	job.StatusMsg = detail
	job.Updated = now
	outcome := domain.RunOutcomeFailed
	action := metrics.ActionFailed
	if status == domain.StatusComplete {
		job.LastGeneratedYear = domain.IntPtr(job.EndYear)
		outcome = domain.RunOutcomeComplete
		action = metrics.ActionCompleted
	}
	if err := w.repo.Update(ctx, job); err != nil {
		logger.DebugContext(ctx, "reap deferred to next tick", "error", err)
		return
	}

	metrics.WatchdogActionsTotal.WithLabelValues(action).Inc()
	logger.InfoContext(ctx, "worker finished", "status", status, "detail", detail)
	w.finishRun(ctx, job.Key, outcome, detail)
	w.unwatch(job)
	if status == domain.StatusComplete {
		w.archive(ctx, job)
	}
}

// terminalEvidence decides how a dead worker ended: its own status token
// first, then the exit status observed by this process.
func (w *Watchdog) terminalEvidence(job *domain.Job) (domain.Status, string, bool) {
	if token, ok := workspace.ReadStatusToken(job.BaseDir); ok {
		if status, ok := domain.ParseStatusToken(token); ok {
			return status, fmt.Sprintf("Worker reported %s", token), true
		}
	}
	if exit, ok := w.procs.ExitStatus(job.PID); ok {
		if exit.Success() {
			return domain.StatusComplete, "Worker exited cleanly", true
		}
		if exit.Signaled {
			return domain.StatusFailed, "Worker was terminated by a signal", true
		}
		return domain.StatusFailed, fmt.Sprintf("Worker exited with code %d", exit.Code), true
	}
	return "", "", false
}

// recover requeues an InProgress job whose worker is gone without leaving
// evidence of how it ended.
func (w *Watchdog) recover(ctx context.Context, job *domain.Job, why string) {
	stale := fmt.Errorf("%s: %w", why, domain.ErrStaleProcess)
	w.refreshLastGenerated(ctx, job)

	job.Status = domain.StatusPending
	job.ClearProcess()
	job.StatusMsg = "Requeued: " + why
	job.Updated = w.now().UTC()
	if err := w.repo.Update(ctx, job); err != nil {
		w.logger.DebugContext(ctx, "stale recovery deferred to next tick", "job_key", job.Key, "error", err)
		return
	}
	metrics.WatchdogActionsTotal.WithLabelValues(metrics.ActionRecovered).Inc()
	w.logger.WarnContext(ctx, "recovered abandoned job", "job_key", job.Key, "reason", stale)
	w.finishRun(ctx, job.Key, domain.RunOutcomeAbandoned, why)
	w.unwatch(job)
	w.Nudge()
}

// enforcePause stops the worker of a paused job on every tick until it is
// gone, then forgets the process.
func (w *Watchdog) enforcePause(ctx context.Context, job *domain.Job) {
	if !job.HasProcess() {
		return
	}
	handle := w.procs.Attach(job.PID, job.PIDCreated)
	if handle.IsAlive() {
		if err := handle.Terminate(); err != nil {
			w.logger.WarnContext(ctx, "failed to signal paused worker", "job_key", job.Key, "pid", job.PID, "error", err)
			return
		}
		metrics.WatchdogActionsTotal.WithLabelValues(metrics.ActionTerminated).Inc()
		w.logger.InfoContext(ctx, "asked paused worker to stop", "job_key", job.Key, "pid", job.PID)
		return
	}

	w.refreshLastGeneratedField(job)
	job.ClearProcess()
	job.Updated = w.now().UTC()
	if err := w.repo.Update(ctx, job); err != nil {
		return
	}
	w.finishRun(ctx, job.Key, domain.RunOutcomePaused, "paused")
	w.unwatch(job)
}

// enforceKill kills the worker of a Killed job and then finalizes a delete
// that was deferred until the worker was gone.
func (w *Watchdog) enforceKill(ctx context.Context, job *domain.Job) {
	logger := w.logger.With("job_key", job.Key)
	if job.HasProcess() {
		handle := w.procs.Attach(job.PID, job.PIDCreated)
		if handle.IsAlive() {
			if err := handle.Kill(); err != nil {
				logger.WarnContext(ctx, "failed to kill worker", "pid", job.PID, "error", err)
				return
			}
			metrics.WatchdogActionsTotal.WithLabelValues(metrics.ActionKilled).Inc()
			logger.InfoContext(ctx, "killed worker", "pid", job.PID)
			w.Nudge()
			return
		}
	}

	if job.DeletePending {
		if err := w.repo.Delete(ctx, job.Key, job.Revision); err != nil {
			logger.DebugContext(ctx, "deferred delete postponed", "error", err)
			return
		}
		w.unwatch(job)
		if err := w.runs.DeleteByJobKey(ctx, job.Key); err != nil {
			logger.WarnContext(ctx, "failed to delete run history", "error", err)
		}
		if job.DeleteFiles {
			if err := w.ws.Remove(job.BaseDir); err != nil {
				logger.WarnContext(ctx, "failed to remove job directory", "base_dir", job.BaseDir, "error", err)
			}
		}
		metrics.WatchdogActionsTotal.WithLabelValues(metrics.ActionDeleted).Inc()
		logger.InfoContext(ctx, "deferred delete finalized", "delete_files", job.DeleteFiles)
		return
	}

	if !job.HasProcess() && job.Ended != nil {
		return
	}
	now := w.now().UTC()
	job.ClearProcess()
	if job.Ended == nil {
		job.Ended = domain.TimePtr(now)
	}
	job.Updated = now
	if err := w.repo.Update(ctx, job); err != nil {
		return
	}
	w.finishRun(ctx, job.Key, domain.RunOutcomeKilled, "killed")
	w.unwatch(job)
}

// drain stops the worker left behind by a restart. The job becomes
// claimable once the worker is gone.
func (w *Watchdog) drain(ctx context.Context, job *domain.Job) {
	handle := w.procs.Attach(job.PID, job.PIDCreated)
	if handle.IsAlive() {
		if err := handle.Terminate(); err != nil {
			w.logger.WarnContext(ctx, "failed to signal drained worker", "job_key", job.Key, "pid", job.PID, "error", err)
		}
		return
	}
	job.ClearProcess()
	job.Updated = w.now().UTC()
	if err := w.repo.Update(ctx, job); err != nil {
		return
	}
	metrics.WatchdogActionsTotal.WithLabelValues(metrics.ActionDrained).Inc()
	w.finishRun(ctx, job.Key, domain.RunOutcomeDrained, "restarted")
	w.unwatch(job)
	w.Nudge()
}

func (w *Watchdog) forgetDeadProcess(ctx context.Context, job *domain.Job) {
	if w.procs.Attach(job.PID, job.PIDCreated).IsAlive() {
		return
	}
	job.ClearProcess()
	job.Updated = w.now().UTC()
	_ = w.repo.Update(ctx, job)
}

// refreshLastGenerated persists the last fully written year of a running job.
func (w *Watchdog) refreshLastGenerated(ctx context.Context, job *domain.Job) {
	if !w.refreshLastGeneratedField(job) {
		return
	}
	if err := w.repo.Update(ctx, job); err != nil {
		w.logger.DebugContext(ctx, "last generated year not saved", "job_key", job.Key, "error", err)
	}
}

// refreshLastGeneratedField derives the last completed year from the output
// files: every year before the newest one observed is complete.
func (w *Watchdog) refreshLastGeneratedField(job *domain.Job) bool {
	years := progress.CountYearFiles(workspace.OutputDir(job.BaseDir, job.Name))
	if len(years) < 2 {
		return false
	}
	done := years[len(years)-2].Year
	if done < job.StartYear || done > job.EndYear {
		return false
	}
	if job.LastGeneratedYear != nil && *job.LastGeneratedYear >= done {
		return false
	}
	job.LastGeneratedYear = domain.IntPtr(done)
	return true
}

// finishRun closes the open run record of a job.
func (w *Watchdog) finishRun(ctx context.Context, jobKey string, outcome domain.RunOutcome, detail string) {
	run, err := w.runs.Latest(ctx, jobKey)
	if err != nil {
		w.logger.WarnContext(ctx, "failed to load run record", "job_key", jobKey, "error", err)
		return
	}
	if run == nil || run.Outcome != domain.RunOutcomeRunning {
		return
	}
	end := w.now().UTC()
	run.EndTime = &end
	run.Outcome = outcome
	run.Detail = detail
	if err := w.runs.Save(ctx, run); err != nil {
		w.logger.WarnContext(ctx, "failed to save run record", "job_key", jobKey, "error", err)
	}
}

func (w *Watchdog) unwatch(job *domain.Job) {
	if w.watcher != nil {
		_ = w.watcher.Remove(job.BaseDir)
	}
}

// archive uploads the results of a completed job in the background.
func (w *Watchdog) archive(ctx context.Context, job *domain.Job) {
	if w.archiver == nil {
		return
	}
	job = job.Clone()
	w.archives.Add(1)
	go func() {
		defer w.archives.Done()
		// The upload may outlive the tick but not a shutdown.
		if err := w.archiver.Archive(context.WithoutCancel(ctx), job); err != nil {
			w.logger.WarnContext(ctx, "failed to archive job", "job_key", job.Key, "error", err)
			return
		}
		metrics.WatchdogActionsTotal.WithLabelValues(metrics.ActionArchived).Inc()
	}()
}

// report refreshes the gauges from the store.
func (w *Watchdog) report(ctx context.Context) {
	jobs, err := w.repo.List(ctx, domain.JobFilter{})
	if err != nil {
		return
	}
	counts := make(map[domain.Status]int, len(domain.AllStatuses))
	running := 0
	for _, job := range jobs {
		counts[job.Status]++
		if job.HasProcess() {
			running++
		}
	}
	for _, s := range domain.AllStatuses {
		metrics.JobsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	metrics.RunningWorkers.Set(float64(running))
}
