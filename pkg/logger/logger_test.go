package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.log")

	log, err := New(Config{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("queue ready")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"queue ready"`)
	assert.Contains(t, string(data), `"timestamp"`)
}

func TestNew_LevelFiltersAndFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	log, err := New(Config{Level: "verbose", Format: "json", OutputPath: path})
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("shown")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestNewMultiLogger_RequiresDir(t *testing.T) {
	_, err := NewMultiLogger(MultiLoggerConfig{})
	assert.Error(t, err)
}

func TestMultiLogger_CategoryFiles(t *testing.T) {
	dir := t.TempDir()
	ml, err := NewMultiLogger(MultiLoggerConfig{Level: "info", LogsDir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, ml.GetLogsDir())

	ml.Error().Info("below error level")
	ml.LogAppError("boom")
	require.NoError(t, ml.Close())

	reader := NewLogReader(dir)
	for _, category := range Categories() {
		assert.FileExists(t, reader.GetTodayLogPath(category))
	}

	entries, err := reader.ReadTodayLogs(CategoryError, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Message)

	// closed loggers are no-ops
	ml.LogQueueEvent("after_close")
}
