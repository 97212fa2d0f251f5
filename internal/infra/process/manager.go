// Package process spawns report workers as detached OS processes and
// re-attaches to them by pid after a supervisor restart.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"reportd/internal/domain"
)

// Placeholders substituted in the worker command template.
const (
	PlaceholderConfig = "{config}"
	PlaceholderKey    = "{key}"
	PlaceholderDir    = "{dir}"
)

// Manager implements domain.ProcessManager on top of os/exec and gopsutil.
type Manager struct {
	argv   []string
	logger *slog.Logger

	exits sync.Map // pid -> domain.ExitInfo
}

// NewManager parses a worker command template such as
// `python3 -m report.run --config {config}`. If the template does not
// reference {config} the config path is appended as the last argument.
func NewManager(commandTemplate string, logger *slog.Logger) (*Manager, error) {
	argv, err := shellquote.Split(strings.TrimSpace(commandTemplate))
	if err != nil {
		return nil, fmt.Errorf("parse worker command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	if !strings.Contains(commandTemplate, PlaceholderConfig) {
		argv = append(argv, PlaceholderConfig)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{argv: argv, logger: logger}, nil
}

func (m *Manager) expand(req domain.SpawnRequest) []string {
	r := strings.NewReplacer(
		PlaceholderConfig, req.ConfigPath,
		PlaceholderKey, req.JobKey,
		PlaceholderDir, req.WorkDir,
	)
	out := make([]string, len(m.argv))
	for i, a := range m.argv {
		out[i] = r.Replace(a)
	}
	return out
}

// Spawn starts the worker in its own process group. The worker is not bound
// to ctx; it outlives the request that caused it to start.
func (m *Manager) Spawn(ctx context.Context, req domain.SpawnRequest) (domain.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}

	argv := m.expand(req)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"REPORTD_JOB_KEY="+req.JobKey,
		"REPORTD_CONFIG="+req.ConfigPath,
	)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	pid := cmd.Process.Pid

	started := time.Now()
	go m.wait(cmd, logFile, req.JobKey, started)

	m.logger.InfoContext(ctx, "worker spawned", "job_key", req.JobKey, "pid", pid, "argv", argv)
	return m.Attach(pid, 0), nil
}

func (m *Manager) wait(cmd *exec.Cmd, logFile *os.File, jobKey string, started time.Time) {
	err := cmd.Wait()
	_ = logFile.Close()

	info := domain.ExitInfo{Code: cmd.ProcessState.ExitCode()}
	if info.Code < 0 {
		info.Signaled = true
	}
	m.exits.Store(cmd.Process.Pid, info)

	m.logger.Info("worker exited",
		"job_key", jobKey,
		"pid", cmd.Process.Pid,
		"code", info.Code,
		"signaled", info.Signaled,
		"runtime", time.Since(started).Round(time.Millisecond),
		"error", err,
	)
}

// Attach returns a handle for a recorded worker.
func (m *Manager) Attach(pid int, created int64) domain.ProcessHandle {
	return attach(pid, created)
}

// ExitStatus reports the exit of a child spawned by this manager. The entry
// is consumed so a recycled pid cannot see it again.
func (m *Manager) ExitStatus(pid int) (domain.ExitInfo, bool) {
	v, ok := m.exits.LoadAndDelete(pid)
	if !ok {
		return domain.ExitInfo{}, false
	}
	return v.(domain.ExitInfo), true
}
