package process

import (
	"errors"
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"reportd/internal/domain"
)

type handle struct {
	pid     int
	created int64
	proc    *process.Process
}

// gone is a handle for a process that no longer exists.
type gone struct {
	pid     int
	created int64
}

func (g gone) PID() int         { return g.pid }
func (g gone) CreatedAt() int64 { return g.created }
func (g gone) IsAlive() bool    { return false }
func (g gone) Terminate() error { return nil }
func (g gone) Kill() error      { return nil }

func attach(pid int, created int64) domain.ProcessHandle {
	if pid <= 0 {
		return gone{pid: pid, created: created}
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return gone{pid: pid, created: created}
	}
	actual, err := p.CreateTime()
	if err != nil {
		return gone{pid: pid, created: created}
	}
	// Same pid, different process: the recorded worker is gone.
	if created != 0 && actual != created {
		return gone{pid: pid, created: created}
	}
	return &handle{pid: pid, created: actual, proc: p}
}

func (h *handle) PID() int         { return h.pid }
func (h *handle) CreatedAt() int64 { return h.created }

func (h *handle) IsAlive() bool {
	running, err := h.proc.IsRunning()
	if err != nil || !running {
		return false
	}
	status, err := h.proc.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}

func (h *handle) Terminate() error {
	if !h.IsAlive() {
		return nil
	}
	return ignoreGone(h.proc.Terminate())
}

// Kill stops the worker and any helpers it started.
func (h *handle) Kill() error {
	if !h.IsAlive() {
		return nil
	}
	children, err := h.proc.Children()
	if err == nil {
		for _, c := range children {
			_ = c.Kill()
		}
	}
	return ignoreGone(h.proc.Kill())
}

func ignoreGone(err error) error {
	if err == nil || errors.Is(err, process.ErrorProcessNotRunning) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
