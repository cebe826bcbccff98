package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerTagsServiceAndEnv(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{ServiceName: "relay", Environment: "test"}, &buf)
	logger.Info("hello", "identity", "alice")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "relay", rec["service"])
	require.Equal(t, "test", rec["env"])
	require.Equal(t, "alice", rec["identity"])
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn"}, &buf)
	logger.Info("dropped")
	require.Zero(t, buf.Len())
	logger.Warn("kept")
	require.Contains(t, buf.String(), "kept")
}

func TestLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	var buf bytes.Buffer
	logger := newLogger(Config{ServiceName: "relay", File: path}, &buf)
	logger.Info("to both")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "to both")
	require.Contains(t, buf.String(), "to both")
}
