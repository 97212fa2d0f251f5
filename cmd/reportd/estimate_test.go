package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportd/internal/domain"
	"reportd/internal/progress"
	"reportd/internal/workspace"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	rootCmd.SetContext(context.Background())
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestEstimateCommand(t *testing.T) {
	base := t.TempDir()
	out := workspace.OutputDir(base, "erie")
	require.NoError(t, os.MkdirAll(out, 0o755))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(out, fmt.Sprintf("2001.%02d.nc", i)), nil, 0o644))
	}

	stdout, err := runRoot(t, "estimate",
		"--dir", base, "--name", "erie", "--start", "2001", "--end", "2004",
		"--status", string(domain.StatusComplete), "--started", "2024-01-01T00:00:00Z")
	require.NoError(t, err)

	var p progress.Progress
	require.NoError(t, json.Unmarshal([]byte(stdout), &p))
	assert.Equal(t, domain.StatusComplete, p.Status)
	assert.Equal(t, 1.0, p.Percent)
	assert.Equal(t, 4, p.TotalYears)
	assert.Equal(t, 3, p.FileCount)
	assert.Equal(t, progress.SourceFinal, p.Source)
}

func TestEstimateCommandRejectsBadInput(t *testing.T) {
	base := t.TempDir()

	_, err := runRoot(t, "estimate", "--dir", base, "--name", "erie", "--start", "2004", "--end", "2001",
		"--status", string(domain.StatusInProgress), "--started", "")
	assert.ErrorContains(t, err, "before --start")

	_, err = runRoot(t, "estimate", "--dir", base, "--name", "erie", "--start", "2001", "--end", "2004",
		"--status", "Sleeping", "--started", "")
	assert.ErrorContains(t, err, "unknown status")

	_, err = runRoot(t, "estimate", "--dir", base, "--name", "erie", "--start", "2001", "--end", "2004",
		"--status", string(domain.StatusInProgress), "--started", "yesterday")
	assert.ErrorContains(t, err, "parse --started")
}
