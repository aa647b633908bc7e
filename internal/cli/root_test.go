package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file rooted in a temp data directory.
func writeConfig(t *testing.T, extra map[string]interface{}) (path, dataDir string) {
	t.Helper()
	dataDir = t.TempDir()

	content := map[string]interface{}{
		"data_dir": dataDir,
		"gateway":  map[string]interface{}{"host": "127.0.0.1", "port": 1},
		"pipeline": map[string]interface{}{"dir": filepath.Join(dataDir, "pipelines")},
	}
	for k, v := range extra {
		content[k] = v
	}
	data, err := json.Marshal(content)
	require.NoError(t, err)

	path = filepath.Join(dataDir, "agentgate.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, dataDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	// Flag values survive between executions of the shared root command.
	resetFlag(cmd, "help")
	resetFlag(cmd, "version")
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func resetFlag(cmd *cobra.Command, name string) {
	if f := cmd.Flags().Lookup(name); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, c := range cmd.Commands() {
		resetFlag(c, name)
	}
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "agentgate version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "agentgate")
		assert.Contains(t, out, "conversation")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range GetRootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"serve", "status", "stop", "submit", "pipelines"} {
			assert.True(t, names[want], "missing %s command", want)
		}
	})
}

func TestGetVersion(t *testing.T) {
	assert.True(t, strings.HasPrefix(GetVersion(), "0."))
}

func TestServeRefusesWhenRunning(t *testing.T) {
	cfgPath, dataDir := writeConfig(t, nil)
	// This test process is alive, so its PID marks the daemon as running.
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "agentgate.pid"), []byte(strconvPID()), 0o644))

	_, err := execute(t, "serve", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
