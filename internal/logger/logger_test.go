package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output", func(t *testing.T) {
		l, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		assert.NoError(t, l.Close())
	})

	t.Run("file output with service fields", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "agentgate.log")

		l, err := New(Config{Level: "debug", File: logFile, Service: "agentgate", Version: "1.2.3"})
		require.NoError(t, err)

		gw := l.Component("gateway")
		gw.Debug().Str("conversation_id", "c1").Msg("turn started")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"service":"agentgate"`)
		assert.Contains(t, string(content), `"version":"1.2.3"`)
		assert.Contains(t, string(content), `"component":"gateway"`)
		assert.Contains(t, string(content), "turn started")
	})

	t.Run("redaction applies to file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "agentgate.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)

		zl := l.GetZerolog()
		zl.Info().Str("api_key", "sk-ant-REDACTED").Msg("configured")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(content), "sk-ant-REDACTED")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "chatty"})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})

	t.Run("installs the global logger", func(t *testing.T) {
		l, err := New(Config{Level: "warn"})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, zerolog.WarnLevel, log.Logger.GetLevel())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, "agentgate", cfg.Service)
}
