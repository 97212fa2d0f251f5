package domain

import "context"

// ProcessHandle is a capability over one OS process. Implementations hide
// the platform-specific signal semantics from the watchdog.
type ProcessHandle interface {
	PID() int
	// CreatedAt is the process creation time in unix milliseconds.
	CreatedAt() int64
	// IsAlive reports whether the process still runs. Zombies count as dead.
	IsAlive() bool
	// Terminate asks the process to stop (SIGTERM on unix).
	Terminate() error
	// Kill stops the process forcefully (SIGKILL on unix).
	Kill() error
}

// SpawnRequest describes a worker process to start for a job.
type SpawnRequest struct {
	JobKey     string
	ConfigPath string
	WorkDir    string
	LogPath    string
}

// ExitInfo is what the supervisor itself observed when a child exited.
type ExitInfo struct {
	Code     int
	Signaled bool
}

// Success reports whether the worker exited cleanly.
func (e ExitInfo) Success() bool {
	return !e.Signaled && e.Code == 0
}

// ProcessManager spawns worker processes and re-attaches to recorded ones.
type ProcessManager interface {
	// Spawn starts a detached worker and returns without waiting for it.
	Spawn(ctx context.Context, req SpawnRequest) (ProcessHandle, error)
	// Attach returns a handle for a recorded pid. created is the recorded
	// creation time (0 when unknown); a recycled pid is reported as dead.
	Attach(pid int, created int64) ProcessHandle
	// ExitStatus returns the exit observed for a child spawned by this
	// manager instance. It reports false for processes it did not spawn or
	// that are still running.
	ExitStatus(pid int) (ExitInfo, bool)
}
