package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		wantErr  bool
	}{
		{"valid anthropic key", "sk-ant-test123", "anthropic", false},
		{"invalid anthropic key", "invalid-key", "anthropic", true},
		{"valid openai key", "sk-test123", "openai", false},
		{"invalid openai key", "invalid-key", "openai", true},
		{"empty key", "", "anthropic", true},
		{"echo needs nothing", "", "echo", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule("s", ""))
	assert.NoError(t, v.ValidateSchedule("s", "@every 1m"))
	assert.NoError(t, v.ValidateSchedule("s", "*/5 * * * *"))
	assert.Error(t, v.ValidateSchedule("s", "every minute"))
}

func TestValidateBaseURL(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateBaseURL("u", "http://localhost:8000"))
	assert.NoError(t, v.ValidateBaseURL("u", "https://adk.internal"))
	assert.Error(t, v.ValidateBaseURL("u", "ftp://host"))
	assert.Error(t, v.ValidateBaseURL("u", "http://"))
}

func TestValidateRanges(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0.7))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))
	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateConfig_PipelineAndTools(t *testing.T) {
	v := NewValidator()

	cfg := validConfig()
	cfg.Pipeline.MaxToolRounds = 0
	cfg.Pipeline.ParallelIsolation = "sometimes"
	cfg.Tools.HTTPEndpoint = "tools.local"
	cfg.Session.SweepSchedule = "bogus"
	cfg.Session.TombstoneTTLMs = -1

	assert.Len(t, v.ValidateConfig(cfg), 5)
}
