package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(log.New(&buf, "", 0), "executor", false).WithTurn("t-1")

	logger.Warn("action failed", map[string]interface{}{"index": 2, "kind": "write"})

	line := strings.TrimSpace(buf.String())
	assert.Equal(t, "WARN [executor] [turn:t-1] action failed | index=2 kind=write", line)
}

func TestStructuredLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(log.New(&buf, "", 0), "session", true).WithWorkspace("demo")

	logger.Info("turn started", map[string]interface{}{"seq": 1})

	var entry LogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "session", entry.Component)
	assert.Equal(t, "demo", entry.Workspace)
	assert.Equal(t, "turn started", entry.Message)
	assert.EqualValues(t, 1, entry.Fields["seq"])
}

func TestStructuredLoggerDebugGate(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(log.New(&buf, "", 0), "", false).WithDebug(false)
	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	logger.WithDebug(true).Debug("shown")
	assert.Contains(t, buf.String(), "DEBUG shown")
}

func TestOpenRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "patchwork.log")
	logger, closer, err := Open(FileOptions{Path: path})
	require.NoError(t, err)
	defer closer.Close()

	logger.Println("hello")
	assert.FileExists(t, path)
}
