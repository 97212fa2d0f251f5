package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"reportd/internal/domain"
	"reportd/internal/infra/memory"
	"reportd/internal/workspace"
)

type harness struct {
	t     *testing.T
	repo  domain.JobRepository
	runs  domain.RunRepository
	procs *fakeProcs
	ws    *workspace.Workspace
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	return &harness{
		t:     t,
		repo:  memory.NewJobRepository(),
		runs:  memory.NewRunRepository(),
		procs: newFakeProcs(),
		ws:    ws,
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) watchdog(opts Options) *Watchdog {
	if opts.NodeID == "" {
		opts.NodeID = "node-test"
	}
	w := NewWatchdog(h.repo, h.runs, h.procs, h.ws, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.now = func() time.Time { return h.now }
	return w
}

// submit stores a job in the given status with its directory in place.
func (h *harness) submit(name string, status domain.Status) *domain.Job {
	h.t.Helper()
	key := domain.NewJobKey(name, 2000, 2003, h.now)
	dir, err := h.ws.Create(key)
	require.NoError(h.t, err)
	submitted := h.now
	job := &domain.Job{
		Key:       key,
		Name:      name,
		Status:    status,
		StartYear: 2000,
		EndYear:   2003,
		Submitted: &submitted,
		BaseDir:   dir,
		User:      domain.User{Sub: "u1"},
		Updated:   h.now,
	}
	require.NoError(h.t, h.repo.Create(context.Background(), job))
	h.now = h.now.Add(time.Second)
	return job
}

func (h *harness) get(key string) *domain.Job {
	h.t.Helper()
	job, err := h.repo.Get(context.Background(), key)
	require.NoError(h.t, err)
	return job
}

func (h *harness) set(key string, fn func(*domain.Job)) {
	h.t.Helper()
	job := h.get(key)
	fn(job)
	require.NoError(h.t, h.repo.Update(context.Background(), job))
}

func (h *harness) latestRun(key string) *domain.RunRecord {
	h.t.Helper()
	run, err := h.runs.Latest(context.Background(), key)
	require.NoError(h.t, err)
	require.NotNil(h.t, run)
	return run
}

func tick(t *testing.T, w *Watchdog) {
	t.Helper()
	require.NoError(t, w.Tick(context.Background()))
}

func TestDispatchStartsPendingJob(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	h.set(job.Key, func(j *domain.Job) { j.LastGeneratedYear = domain.IntPtr(2001) })

	tick(t, w)

	got := h.get(job.Key)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.NotZero(t, got.PID)
	assert.NotZero(t, got.PIDCreated)
	require.NotNil(t, got.Started)
	assert.Nil(t, got.Ended)

	require.Len(t, h.procs.spawns, 1)
	req := h.procs.spawns[0]
	assert.Equal(t, job.Key, req.JobKey)
	assert.Equal(t, workspace.ConfigPath(job.BaseDir), req.ConfigPath)
	assert.Equal(t, job.BaseDir, req.WorkDir)

	cfg, err := workspace.ReadConfig(job.BaseDir)
	require.NoError(t, err)
	assert.Equal(t, 2002, cfg.ResumeYear)

	run := h.latestRun(job.Key)
	assert.Equal(t, domain.RunOutcomeRunning, run.Outcome)
	assert.Equal(t, got.PID, run.PID)
	assert.Equal(t, 2002, run.FromYear)
	assert.Equal(t, "node-test", run.NodeID)

	// A second tick leaves the live worker alone.
	tick(t, w)
	assert.Equal(t, 1, h.procs.spawnCount())
}

func TestWaitingApprovalIsNotDispatched(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusWaitingApproval)

	tick(t, w)

	assert.Equal(t, domain.StatusWaitingApproval, h.get(job.Key).Status)
	assert.Zero(t, h.procs.spawnCount())
}

func TestConcurrentWatchdogsStartOneWorkerPerJob(t *testing.T) {
	h := newHarness(t)
	jobs := []*domain.Job{
		h.submit("alpha", domain.StatusPending),
		h.submit("beta", domain.StatusPending),
		h.submit("gamma", domain.StatusPending),
	}
	watchdogs := []*Watchdog{
		h.watchdog(Options{NodeID: "a"}),
		h.watchdog(Options{NodeID: "b"}),
		h.watchdog(Options{NodeID: "c"}),
	}

	var wg sync.WaitGroup
	for _, w := range watchdogs {
		wg.Add(1)
		go func(w *Watchdog) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				assert.NoError(t, w.Tick(context.Background()))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, len(jobs), h.procs.spawnCount())
	for _, job := range jobs {
		got := h.get(job.Key)
		assert.Equal(t, domain.StatusInProgress, got.Status)
		assert.NotZero(t, got.PID)
	}
}

func TestReapUsesStatusToken(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	tick(t, w)
	pid := h.get(job.Key).PID

	require.NoError(t, os.WriteFile(workspace.StatusPath(job.BaseDir), []byte("running\nComplete\n"), 0o644))
	// The worker exited non-zero after writing its token; the token wins.
	h.procs.exit(pid, 1)
	h.now = h.now.Add(time.Hour)
	tick(t, w)

	got := h.get(job.Key)
	assert.Equal(t, domain.StatusComplete, got.Status)
	assert.Zero(t, got.PID)
	assert.Zero(t, got.PIDCreated)
	require.NotNil(t, got.Ended)
	assert.Equal(t, h.now, *got.Ended)
	require.NotNil(t, got.LastGeneratedYear)
	assert.Equal(t, 2003, *got.LastGeneratedYear)

	run := h.latestRun(job.Key)
	assert.Equal(t, domain.RunOutcomeComplete, run.Outcome)
	require.NotNil(t, run.EndTime)
}

func TestReapUsesExitStatus(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	tick(t, w)

	h.procs.exit(h.get(job.Key).PID, 2)
	tick(t, w)

	got := h.get(job.Key)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.StatusMsg, "code 2")
	assert.Zero(t, got.PID)
	assert.Equal(t, domain.RunOutcomeFailed, h.latestRun(job.Key).Outcome)
}

func TestCleanExitWithoutTokenCompletes(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	tick(t, w)

	h.procs.exit(h.get(job.Key).PID, 0)
	tick(t, w)

	assert.Equal(t, domain.StatusComplete, h.get(job.Key).Status)
}

func TestVanishedWorkerIsRequeuedAndRestarted(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	tick(t, w)
	first := h.get(job.Key).PID

	// Years 2000 and 2001 have output; 2000 is therefore complete.
	out := workspace.OutputDir(job.BaseDir, job.Name)
	require.NoError(t, os.MkdirAll(out, 0o755))
	for _, name := range []string{"2000.01.01_ET.tif", "2001.01.01_ET.tif"} {
		require.NoError(t, os.WriteFile(filepath.Join(out, name), nil, 0o644))
	}

	h.procs.vanish(first)
	tick(t, w)

	got := h.get(job.Key)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.PID)
	require.NotNil(t, got.LastGeneratedYear)
	assert.Equal(t, 2000, *got.LastGeneratedYear)
	assert.Equal(t, domain.RunOutcomeAbandoned, h.latestRun(job.Key).Outcome)

	tick(t, w)
	got = h.get(job.Key)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.NotEqual(t, first, got.PID)
	cfg, err := workspace.ReadConfig(job.BaseDir)
	require.NoError(t, err)
	assert.Equal(t, 2001, cfg.ResumeYear)
}

func TestRecycledPidIsTreatedAsDead(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	tick(t, w)
	h.set(job.Key, func(j *domain.Job) { j.PIDCreated++ })

	tick(t, w)

	got := h.get(job.Key)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.PID)
}

func TestClaimWithoutPidIsRecoveredAfterGrace(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{ClaimGrace: time.Minute})
	job := h.submit("field", domain.StatusInProgress)

	tick(t, w)
	assert.Equal(t, domain.StatusInProgress, h.get(job.Key).Status, "within grace the claim is left alone")
	assert.Zero(t, h.procs.spawnCount())

	h.now = h.now.Add(2 * time.Minute)
	tick(t, w)
	assert.Equal(t, domain.StatusPending, h.get(job.Key).Status)
}

func TestPauseStopsWorker(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	tick(t, w)
	pid := h.get(job.Key).PID
	h.set(job.Key, func(j *domain.Job) {
		j.Status = domain.StatusPaused
		j.PausedYear = domain.IntPtr(2001)
	})

	h.procs.ignoreTerm = true
	tick(t, w)
	tick(t, w)
	assert.Equal(t, 2, h.procs.get(pid).terminated, "terminate is repeated while the worker lives")
	assert.Equal(t, pid, h.get(job.Key).PID)

	h.procs.ignoreTerm = false
	tick(t, w)
	tick(t, w)

	got := h.get(job.Key)
	assert.Equal(t, domain.StatusPaused, got.Status)
	assert.Zero(t, got.PID)
	assert.Equal(t, domain.RunOutcomePaused, h.latestRun(job.Key).Outcome)
	assert.Equal(t, 1, h.procs.spawnCount())
}

func TestKillStopsWorkerAndSetsEnded(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	tick(t, w)
	pid := h.get(job.Key).PID
	h.set(job.Key, func(j *domain.Job) { j.Status = domain.StatusKilled })

	tick(t, w)
	assert.Equal(t, 1, h.procs.get(pid).killed)

	tick(t, w)
	got := h.get(job.Key)
	assert.Equal(t, domain.StatusKilled, got.Status)
	assert.Zero(t, got.PID)
	assert.NotNil(t, got.Ended)
	assert.Equal(t, domain.RunOutcomeKilled, h.latestRun(job.Key).Outcome)
}

func TestDeferredDeleteIsFinalizedAfterKill(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	tick(t, w)
	h.set(job.Key, func(j *domain.Job) {
		j.Status = domain.StatusKilled
		j.DeletePending = true
		j.DeleteFiles = true
	})

	tick(t, w)
	_, err := h.repo.Get(context.Background(), job.Key)
	require.NoError(t, err, "the record stays until the worker is gone")

	tick(t, w)
	_, err = h.repo.Get(context.Background(), job.Key)
	assert.True(t, errors.Is(err, domain.ErrJobNotFound))
	assert.NoDirExists(t, job.BaseDir)
	run, err := h.runs.Latest(context.Background(), job.Key)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestRestartDrainsPreviousWorkerFirst(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	job := h.submit("field", domain.StatusPending)
	tick(t, w)
	old := h.get(job.Key).PID
	h.set(job.Key, func(j *domain.Job) { j.Status = domain.StatusPending })

	h.procs.ignoreTerm = true
	tick(t, w)
	assert.Equal(t, 1, h.procs.spawnCount(), "no second worker while the old one lives")
	assert.Equal(t, 1, h.procs.get(old).terminated)

	h.procs.ignoreTerm = false
	tick(t, w)
	assert.Equal(t, 1, h.procs.spawnCount())
	tick(t, w)
	assert.Zero(t, h.get(job.Key).PID)
	assert.Equal(t, domain.RunOutcomeDrained, h.latestRun(job.Key).Outcome)

	tick(t, w)
	assert.Equal(t, 2, h.procs.spawnCount())
	assert.Equal(t, domain.StatusInProgress, h.get(job.Key).Status)
}

func TestConcurrencyCap(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{MaxConcurrentWorkers: 2})
	for i := 0; i < 4; i++ {
		h.submit(fmt.Sprintf("job%d", i), domain.StatusPending)
	}

	tick(t, w)
	tick(t, w)
	assert.Equal(t, 2, h.procs.spawnCount())

	running, err := h.repo.List(context.Background(), domain.JobFilter{Statuses: []domain.Status{domain.StatusInProgress}})
	require.NoError(t, err)
	require.Len(t, running, 2)
	// Oldest submissions go first.
	assert.Equal(t, "job0", running[0].Name)
	assert.Equal(t, "job1", running[1].Name)

	h.procs.exit(running[0].PID, 0)
	tick(t, w)
	tick(t, w)
	assert.Equal(t, 3, h.procs.spawnCount())
}

func TestSpawnRateLimit(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{SpawnRate: 0.001, SpawnBurst: 1})
	h.submit("one", domain.StatusPending)
	h.submit("two", domain.StatusPending)

	tick(t, w)
	tick(t, w)
	assert.Equal(t, 1, h.procs.spawnCount())
}

func TestSpawnFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	h.procs.spawnErr = errors.New("exec: not found")
	job := h.submit("field", domain.StatusPending)

	tick(t, w)

	got := h.get(job.Key)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.StatusMsg, "not found")
	assert.Zero(t, got.PID)
	assert.NotNil(t, got.Ended)
}

// deletingProcs removes the job from the store while its worker starts.
type deletingProcs struct {
	*fakeProcs
	repo domain.JobRepository
}

func (d *deletingProcs) Spawn(ctx context.Context, req domain.SpawnRequest) (domain.ProcessHandle, error) {
	if err := d.repo.Delete(ctx, req.JobKey, 0); err != nil {
		return nil, err
	}
	return d.fakeProcs.Spawn(ctx, req)
}

func TestWorkerOfJobDeletedDuringSpawnIsKilled(t *testing.T) {
	h := newHarness(t)
	procs := &deletingProcs{fakeProcs: h.procs, repo: h.repo}
	w := NewWatchdog(h.repo, h.runs, procs, h.ws, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	job := h.submit("field", domain.StatusPending)

	tick(t, w)

	require.Len(t, h.procs.spawns, 1)
	p := h.procs.get(1001)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.killed)
	_, err := h.repo.Get(context.Background(), job.Key)
	assert.True(t, errors.Is(err, domain.ErrJobNotFound))
}

// pausingProcs pauses the job while its worker starts.
type pausingProcs struct {
	*fakeProcs
	h *harness
}

func (p *pausingProcs) Spawn(ctx context.Context, req domain.SpawnRequest) (domain.ProcessHandle, error) {
	p.h.set(req.JobKey, func(j *domain.Job) { j.Status = domain.StatusPaused })
	return p.fakeProcs.Spawn(ctx, req)
}

func TestPauseDuringSpawnKeepsPidForEnforcement(t *testing.T) {
	h := newHarness(t)
	w := NewWatchdog(h.repo, h.runs, &pausingProcs{fakeProcs: h.procs, h: h}, h.ws, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	job := h.submit("field", domain.StatusPending)

	tick(t, w)

	got := h.get(job.Key)
	assert.Equal(t, domain.StatusPaused, got.Status)
	assert.Equal(t, 1001, got.PID)

	tick(t, w)
	assert.Equal(t, 1, h.procs.get(1001).terminated)
}

type recordingArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *recordingArchiver) Archive(ctx context.Context, job *domain.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, job.Key)
	return nil
}

func (a *recordingArchiver) archived() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

type recordingWatcher struct {
	mu    sync.Mutex
	added map[string]bool
}

func (r *recordingWatcher) Add(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added[dir] = true
	return nil
}

func (r *recordingWatcher) Remove(dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.added, dir)
	return nil
}

func TestCompletedJobIsArchivedAndUnwatched(t *testing.T) {
	h := newHarness(t)
	w := h.watchdog(Options{})
	archiver := &recordingArchiver{}
	watcher := &recordingWatcher{added: map[string]bool{}}
	w.SetArchiver(archiver)
	w.SetWatcher(watcher)
	job := h.submit("field", domain.StatusPending)

	tick(t, w)
	assert.True(t, watcher.added[job.BaseDir])

	h.procs.exit(h.get(job.Key).PID, 0)
	tick(t, w)
	w.archives.Wait()

	assert.Equal(t, []string{job.Key}, archiver.archived())
	assert.Empty(t, watcher.added)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	w := h.watchdog(Options{TickInterval: 20 * time.Millisecond})
	job := h.submit("field", domain.StatusPending)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := h.repo.Get(context.Background(), job.Key)
		return err == nil && j.Status == domain.StatusInProgress
	}, 2*time.Second, 10*time.Millisecond)

	h.procs.exit(h.get(job.Key).PID, 0)
	w.Nudge()
	require.Eventually(t, func() bool {
		j, err := h.repo.Get(context.Background(), job.Key)
		return err == nil && j.Status == domain.StatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}
