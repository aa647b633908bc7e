package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Stop the agentgate daemon")
		assert.Contains(t, out, "timeout")
	})

	t.Run("not running clears a stale PID file", func(t *testing.T) {
		cfgPath, dataDir := writeConfig(t, nil)
		pidFile := filepath.Join(dataDir, "agentgate.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("999999999"), 0o644))

		out, err := execute(t, "stop", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "not running")

		_, err = os.Stat(pidFile)
		assert.True(t, os.IsNotExist(err))
	})
}
