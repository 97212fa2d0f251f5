package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextAttrsAreAdded(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil))).With("component", "test")

	ctx := ContextAttrs(context.Background(), slog.String("job_key", "k1"))
	ctx = ContextAttrs(ctx, slog.String("request_id", "r1"))
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "k1", rec["job_key"])
	assert.Equal(t, "r1", rec["request_id"])
	assert.Equal(t, "test", rec["component"])
}

func TestContextAttrsDoNotAlias(t *testing.T) {
	base := ContextAttrs(context.Background(), slog.String("a", "1"))
	left := ContextAttrs(base, slog.String("b", "2"))
	right := ContextAttrs(base, slog.String("c", "3"))

	assert.Len(t, left.Value(slogKey), 2)
	assert.Equal(t, "c", right.Value(slogKey).([]slog.Attr)[1].Key)
	assert.Equal(t, "b", left.Value(slogKey).([]slog.Attr)[1].Key)
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reportd.log")
	logger, zl := New(Options{Level: "debug", File: path, MaxSizeMB: 1})
	logger.Debug("written to file", "n", 1)
	_ = zl.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "written to file")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", parseLevel("DEBUG").String())
	assert.Equal(t, "info", parseLevel("").String())
	assert.Equal(t, "error", parseLevel("error").String())
}
