package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, sync, err := New(Options{Level: "info", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Info("batch started", "batch_id", "b-1", "total", 3)
	logger.Debug("hidden")
	require.NoError(t, sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "batch started", rec["msg"])
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, "b-1", rec["batch_id"])
	assert.EqualValues(t, 3, rec["total"])
}

func TestConsoleOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, sync, err := New(Options{Level: "DEBUG", Output: &buf})
	require.NoError(t, err)

	logger.Debug("probe", "webp", false)
	require.NoError(t, sync())

	out := buf.String()
	assert.Contains(t, out, "DEBUG")
	assert.Contains(t, out, "probe")
	assert.Contains(t, out, "webp")
}

func TestWarnLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Options{Level: "warn", Format: "json", Output: &buf})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestInvalidOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() {
		Discard().Error("nothing", "k", "v")
	})
}
