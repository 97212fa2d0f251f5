package watch

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"reportd/internal/workspace"
)

func newWatcher(t *testing.T, calls *atomic.Int32) *StatusWatcher {
	t.Helper()
	sw, err := NewStatusWatcher(func() { calls.Add(1) }, 20*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	sw.Start()
	return sw
}

func TestStatusWriteTriggersDebouncedCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	sw := newWatcher(t, &calls)
	defer sw.Close()

	dir := t.TempDir()
	require.NoError(t, sw.Add(dir))

	path := filepath.Join(dir, workspace.StatusFile)
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("Complete\n"), 0o644))
	}

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), int32(2), "bursts are coalesced")
	require.NoError(t, sw.Close())
}

func TestOtherFilesAreIgnored(t *testing.T) {
	var calls atomic.Int32
	sw := newWatcher(t, &calls)
	defer sw.Close()

	dir := t.TempDir()
	require.NoError(t, sw.Add(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, workspace.LogFile), []byte("date: 2001-01-01\n"), 0o644))

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestRemoveUnknownDirectory(t *testing.T) {
	var calls atomic.Int32
	sw := newWatcher(t, &calls)
	defer sw.Close()

	dir := t.TempDir()
	assert.NoError(t, sw.Remove(dir))
	require.NoError(t, sw.Add(dir))
	assert.NoError(t, sw.Remove(dir))
	assert.NoError(t, sw.Remove(dir))
}
