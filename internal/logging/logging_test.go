package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_JSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "warn", Format: "json", Service: "api"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "run_id", "r1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "r1", rec["run_id"])
	assert.Equal(t, "api", rec["service"])
}

func TestNew_TextDefault(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Config{}, &buf)
	require.NoError(t, err)
	logger.Info("hello", "node", "router")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "node=router")
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNew_FileCopy(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger, closer, err := New(Config{LogDir: dir, Service: "worker"}, &buf)
	require.NoError(t, err)
	logger.With("component", "engine").Info("node finished")
	require.NoError(t, closer.Close())

	matches, err := filepath.Glob(filepath.Join(dir, "worker_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"engine"`)
	assert.Contains(t, buf.String(), "component=engine")
}

func TestNew_QuietWithoutFileDiscards(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Config{Quiet: true}, &buf)
	require.NoError(t, err)
	logger.Error("nothing")
	assert.Empty(t, buf.String())
}
