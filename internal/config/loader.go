package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDir     = ".agentgate"
	configName = "agentgate.json"
	envPrefix  = "AGENTGATE"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, overlays AGENTGATE_* environment variables
// and fills path defaults under the data directory. A missing file yields
// the defaults.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := fillPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindDefaults registers every key with viper so AutomaticEnv can see
// nested fields such as AGENTGATE_GATEWAY_PORT.
func bindDefaults(v *viper.Viper, cfg *Config) {
	keys := map[string]interface{}{
		"gateway.host":                cfg.Gateway.Host,
		"gateway.port":                cfg.Gateway.Port,
		"gateway.turn_timeout_ms":     cfg.Gateway.TurnTimeoutMs,
		"gateway.requests_per_minute": cfg.Gateway.RequestsPerMinute,
		"gateway.max_concurrent":      cfg.Gateway.MaxConcurrent,
		"gateway.tick_interval_ms":    cfg.Gateway.TickIntervalMs,
		"backend.kind":                cfg.Backend.Kind,
		"backend.base_url":            cfg.Backend.BaseURL,
		"backend.call_timeout_ms":     cfg.Backend.CallTimeoutMs,
		"backend.concurrent_turns":    cfg.Backend.ConcurrentTurns,
		"backend.provider":            cfg.Backend.Provider,
		"backend.model":               cfg.Backend.Model,
		"backend.api_key":             cfg.Backend.APIKey,
		"backend.max_tokens":          cfg.Backend.MaxTokens,
		"backend.temperature":         cfg.Backend.Temperature,
		"backend.system_prompt":       cfg.Backend.SystemPrompt,
		"backend.session_ttl_ms":      cfg.Backend.SessionTTLMs,
		"session.store":               cfg.Session.Store,
		"session.sqlite_path":         cfg.Session.SQLitePath,
		"session.idle_ttl_ms":         cfg.Session.IdleTTLMs,
		"session.sweep_schedule":      cfg.Session.SweepSchedule,
		"session.tombstone_ttl_ms":    cfg.Session.TombstoneTTLMs,
		"pipeline.dir":                cfg.Pipeline.Dir,
		"pipeline.watch":              cfg.Pipeline.Watch,
		"pipeline.max_tool_rounds":    cfg.Pipeline.MaxToolRounds,
		"pipeline.parallel_isolation": cfg.Pipeline.ParallelIsolation,
		"tools.gate_timeout_ms":       cfg.Tools.GateTimeoutMs,
		"tools.call_timeout_ms":       cfg.Tools.CallTimeoutMs,
		"tools.http_endpoint":         cfg.Tools.HTTPEndpoint,
		"tools.plugin_dir":            cfg.Tools.PluginDir,
		"transcript.dir":              cfg.Transcript.Dir,
		"transcript.retention_days":   cfg.Transcript.RetentionDays,
		"transcript.max_entries":      cfg.Transcript.MaxEntries,
		"transcript.retention_sweep":  cfg.Transcript.RetentionSweep,
		"tracing.enabled":             cfg.Tracing.Enabled,
		"tracing.sample_ratio":        cfg.Tracing.SampleRatio,
		"logging.level":               cfg.Logging.Level,
		"logging.file":                cfg.Logging.File,
		"logging.max_size":            cfg.Logging.MaxSize,
		"logging.max_age":             cfg.Logging.MaxAge,
		"logging.compress":            cfg.Logging.Compress,
		"logging.redaction":           cfg.Logging.Redaction,
		"data_dir":                    cfg.DataDir,
	}
	for k, val := range keys {
		v.SetDefault(k, val)
	}
}

func fillPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDir)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "agentgate.log")
	}
	if cfg.Pipeline.Dir == "" {
		cfg.Pipeline.Dir = filepath.Join(cfg.DataDir, "pipelines")
	}
	if cfg.Tools.PluginDir == "" {
		cfg.Tools.PluginDir = filepath.Join(cfg.DataDir, "plugins")
	}
	if cfg.Transcript.Dir == "" {
		cfg.Transcript.Dir = filepath.Join(cfg.DataDir, "transcripts")
	}
	if cfg.Session.Store == "sqlite" && cfg.Session.SQLitePath == "" {
		cfg.Session.SQLitePath = filepath.Join(cfg.DataDir, "sessions.db")
	}
	return nil
}

// Save writes the configuration as JSON, creating the directory if needed.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.Set("gateway", cfg.Gateway)
	v.Set("backend", cfg.Backend)
	v.Set("session", cfg.Session)
	v.Set("pipeline", cfg.Pipeline)
	v.Set("tools", cfg.Tools)
	v.Set("transcript", cfg.Transcript)
	v.Set("tracing", cfg.Tracing)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDir, configName), nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
