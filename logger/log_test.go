package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLogger_Levels(t *testing.T) {
	var buf bytes.Buffer

	SetupLogger(&buf, false)
	Logger.Debug("hidden debug line")
	Logger.Info("visible info line")
	assert.NotContains(t, buf.String(), "hidden debug line")
	assert.Contains(t, buf.String(), "visible info line")

	buf.Reset()
	SetupLogger(&buf, true)
	Logger.Debug("verbose debug line")
	assert.Contains(t, buf.String(), "verbose debug line")
}

func TestWithRun(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&buf, false)

	WithRun("run-123", true).Info("phase")
	assert.Contains(t, buf.String(), "run_id=run-123")
	assert.Contains(t, buf.String(), "mode=chaos")

	buf.Reset()
	WithRun("run-456", false).Info("phase")
	assert.Contains(t, buf.String(), "mode=baseline")
}

func TestSetupLogWriter(t *testing.T) {
	t.Run("empty path writes to stderr", func(t *testing.T) {
		w, f, err := SetupLogWriter("")
		require.NoError(t, err)
		assert.Nil(t, f)
		assert.Equal(t, os.Stderr, w)
	})

	t.Run("creates nested log directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "logs", "harness.log")
		w, f, err := SetupLogWriter(path)
		require.NoError(t, err)
		require.NotNil(t, f)
		defer f.Close()

		_, err = w.Write([]byte("line\n"))
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "line\n", string(data))
	})
}
