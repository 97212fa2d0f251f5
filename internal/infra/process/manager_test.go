//go:build unix

package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reportd/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawnRequest(t *testing.T) domain.SpawnRequest {
	dir := t.TempDir()
	return domain.SpawnRequest{
		JobKey:     "field_2000_2001_1",
		ConfigPath: filepath.Join(dir, "config.json"),
		WorkDir:    dir,
		LogPath:    filepath.Join(dir, "worker.log"),
	}
}

func TestNewManagerAppendsConfig(t *testing.T) {
	m, err := NewManager(`python3 -m report.run --verbose`, nil)
	require.NoError(t, err)
	got := m.expand(domain.SpawnRequest{ConfigPath: "/w/k/config.json"})
	assert.Equal(t, []string{"python3", "-m", "report.run", "--verbose", "/w/k/config.json"}, got)

	m, err = NewManager(`run --config={config} --key "{key}"`, nil)
	require.NoError(t, err)
	got = m.expand(domain.SpawnRequest{ConfigPath: "c.json", JobKey: "a b"})
	assert.Equal(t, []string{"run", "--config=c.json", "--key", "a b"}, got)

	_, err = NewManager(`  `, nil)
	assert.Error(t, err)
	_, err = NewManager(`run "unterminated`, nil)
	assert.Error(t, err)
}

func TestSpawnRecordsExit(t *testing.T) {
	m, err := NewManager(`sh -c 'echo "$REPORTD_JOB_KEY"; exit 3' worker {config}`, nil)
	require.NoError(t, err)
	req := spawnRequest(t)

	h, err := m.Spawn(context.Background(), req)
	require.NoError(t, err)
	assert.Positive(t, h.PID())

	var info domain.ExitInfo
	require.Eventually(t, func() bool {
		var ok bool
		info, ok = m.ExitStatus(h.PID())
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3, info.Code)
	assert.False(t, info.Success())

	// consumed
	_, ok := m.ExitStatus(h.PID())
	assert.False(t, ok)

	b, err := os.ReadFile(req.LogPath)
	require.NoError(t, err)
	assert.Equal(t, req.JobKey, strings.TrimSpace(string(b)))
}

func TestTerminateStopsWorker(t *testing.T) {
	m, err := NewManager(`sh -c 'sleep 30' worker {config}`, nil)
	require.NoError(t, err)

	h, err := m.Spawn(context.Background(), spawnRequest(t))
	require.NoError(t, err)
	require.True(t, h.IsAlive())

	attached := m.Attach(h.PID(), h.CreatedAt())
	require.True(t, attached.IsAlive())

	require.NoError(t, attached.Terminate())
	assert.Eventually(t, func() bool { return !h.IsAlive() }, 5*time.Second, 20*time.Millisecond)
	assert.NoError(t, h.Kill())

	info, ok := m.ExitStatus(h.PID())
	if ok {
		assert.True(t, info.Signaled)
	}
}

func TestSpawnHonoursCancelledContext(t *testing.T) {
	m, err := NewManager(`true`, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Spawn(ctx, spawnRequest(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttachDetectsRecycledPID(t *testing.T) {
	m, err := NewManager(`true`, nil)
	require.NoError(t, err)

	self := m.Attach(os.Getpid(), 0)
	require.True(t, self.IsAlive())
	assert.Positive(t, self.CreatedAt())

	assert.True(t, m.Attach(os.Getpid(), self.CreatedAt()).IsAlive())
	assert.False(t, m.Attach(os.Getpid(), self.CreatedAt()-1).IsAlive())
	assert.False(t, m.Attach(0, 0).IsAlive())
	assert.NoError(t, m.Attach(0, 0).Kill())
}
