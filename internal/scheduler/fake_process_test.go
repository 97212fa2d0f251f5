package scheduler

import (
	"context"
	"errors"
	"sync"

	"reportd/internal/domain"
)

// fakeProcs is an in-memory ProcessManager. Spawned processes stay alive
// until the test exits them or a signal is delivered.
type fakeProcs struct {
	mu       sync.Mutex
	nextPID  int
	procs    map[int]*fakeProc
	spawns   []domain.SpawnRequest
	spawnErr error
	// ignoreTerm keeps processes alive after Terminate.
	ignoreTerm bool
}

type fakeProc struct {
	owner      *fakeProcs
	pid        int
	created    int64
	alive      bool
	exit       *domain.ExitInfo
	terminated int
	killed     int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{nextPID: 1000, procs: make(map[int]*fakeProc)}
}

func (f *fakeProcs) Spawn(ctx context.Context, req domain.SpawnRequest) (domain.ProcessHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.nextPID++
	p := &fakeProc{owner: f, pid: f.nextPID, created: int64(f.nextPID) * 10, alive: true}
	f.procs[p.pid] = p
	f.spawns = append(f.spawns, req)
	return p, nil
}

func (f *fakeProcs) Attach(pid int, created int64) domain.ProcessHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok || (created != 0 && p.created != created) {
		return &fakeProc{owner: f, pid: pid}
	}
	return p
}

func (f *fakeProcs) ExitStatus(pid int) (domain.ExitInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok || p.exit == nil {
		return domain.ExitInfo{}, false
	}
	return *p.exit, true
}

// exit ends a process as if it returned code.
func (f *fakeProcs) exit(pid, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.procs[pid]
	p.alive = false
	p.exit = &domain.ExitInfo{Code: code}
}

// vanish ends a process without leaving an observed exit, as happens after
// a supervisor restart.
func (f *fakeProcs) vanish(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.procs, pid)
}

func (f *fakeProcs) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func (f *fakeProcs) get(pid int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[pid]
}

func (p *fakeProc) PID() int         { return p.pid }
func (p *fakeProc) CreatedAt() int64 { return p.created }

func (p *fakeProc) IsAlive() bool {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	return p.alive
}

func (p *fakeProc) Terminate() error {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	if p.owner.procs[p.pid] != p {
		return errors.New("no such process")
	}
	p.terminated++
	if !p.owner.ignoreTerm {
		p.alive = false
		p.exit = &domain.ExitInfo{Code: -1, Signaled: true}
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()
	if p.owner.procs[p.pid] != p {
		return nil
	}
	p.killed++
	p.alive = false
	p.exit = &domain.ExitInfo{Code: -1, Signaled: true}
	return nil
}
