package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Config represents the main agentgate configuration
type Config struct {
	Gateway    GatewayConfig    `json:"gateway" mapstructure:"gateway"`
	Backend    BackendConfig    `json:"backend" mapstructure:"backend"`
	Session    SessionConfig    `json:"session" mapstructure:"session"`
	Pipeline   PipelineConfig   `json:"pipeline" mapstructure:"pipeline"`
	Tools      ToolsConfig      `json:"tools" mapstructure:"tools"`
	Transcript TranscriptConfig `json:"transcript" mapstructure:"transcript"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	TurnTimeoutMs     int    `json:"turn_timeout_ms" mapstructure:"turn_timeout_ms"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	TickIntervalMs    int    `json:"tick_interval_ms" mapstructure:"tick_interval_ms"`
}

// BackendConfig selects and configures the agent backend.
type BackendConfig struct {
	Kind            string  `json:"kind" mapstructure:"kind"` // adk, local
	BaseURL         string  `json:"base_url" mapstructure:"base_url"`
	CallTimeoutMs   int     `json:"call_timeout_ms" mapstructure:"call_timeout_ms"`
	ConcurrentTurns bool    `json:"concurrent_turns" mapstructure:"concurrent_turns"`
	Provider        string  `json:"provider" mapstructure:"provider"` // echo, anthropic, openai
	Model           string  `json:"model" mapstructure:"model"`
	APIKey          string  `json:"api_key" mapstructure:"api_key"`
	MaxTokens       int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature     float64 `json:"temperature" mapstructure:"temperature"`
	SystemPrompt    string  `json:"system_prompt" mapstructure:"system_prompt"`
	SessionTTLMs    int     `json:"session_ttl_ms" mapstructure:"session_ttl_ms"`
}

// SessionConfig holds session store configuration
type SessionConfig struct {
	Store         string `json:"store" mapstructure:"store"` // memory, sqlite
	SQLitePath    string `json:"sqlite_path" mapstructure:"sqlite_path"`
	IdleTTLMs     int    `json:"idle_ttl_ms" mapstructure:"idle_ttl_ms"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	// TombstoneTTLMs is how long retired conversation identities keep redirecting
	TombstoneTTLMs int `json:"tombstone_ttl_ms" mapstructure:"tombstone_ttl_ms"`
}

// PipelineConfig holds pipeline definition loading and runtime settings
type PipelineConfig struct {
	Dir               string `json:"dir" mapstructure:"dir"`
	Watch             bool   `json:"watch" mapstructure:"watch"`
	MaxToolRounds     int    `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	ParallelIsolation string `json:"parallel_isolation" mapstructure:"parallel_isolation"` // auto, shared, isolated
}

// ToolsConfig holds tool execution configuration
type ToolsConfig struct {
	GateTimeoutMs int    `json:"gate_timeout_ms" mapstructure:"gate_timeout_ms"`
	CallTimeoutMs int    `json:"call_timeout_ms" mapstructure:"call_timeout_ms"`
	HTTPEndpoint  string `json:"http_endpoint" mapstructure:"http_endpoint"`
	PluginDir     string `json:"plugin_dir" mapstructure:"plugin_dir"`
}

// TranscriptConfig holds transcript storage and retention
type TranscriptConfig struct {
	Dir            string `json:"dir" mapstructure:"dir"`
	RetentionDays  int    `json:"retention_days" mapstructure:"retention_days"`
	MaxEntries     int    `json:"max_entries" mapstructure:"max_entries"`
	RetentionSweep string `json:"retention_sweep" mapstructure:"retention_sweep"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MinBackendCallTimeout is the floor for backend.call_timeout_ms.
const MinBackendCallTimeout = 10 * time.Second

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			TurnTimeoutMs:     600000,
			RequestsPerMinute: 120,
			MaxConcurrent:     8,
			TickIntervalMs:    30000,
		},
		Backend: BackendConfig{
			Kind:          "local",
			BaseURL:       "http://127.0.0.1:8000",
			CallTimeoutMs: 120000,
			Provider:      "echo",
			MaxTokens:     4096,
			Temperature:   0.7,
			SessionTTLMs:  3600000,
		},
		Session: SessionConfig{
			Store:         "memory",
			IdleTTLMs:      3600000,
			SweepSchedule:  "@every 1m",
			TombstoneTTLMs: 86400000,
		},
		Pipeline: PipelineConfig{
			Watch:             true,
			MaxToolRounds:     8,
			ParallelIsolation: "auto",
		},
		Tools: ToolsConfig{
			GateTimeoutMs: 30000,
			CallTimeoutMs: 60000,
		},
		Transcript: TranscriptConfig{
			RetentionDays:  30,
			RetentionSweep: "@daily",
		},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	clone := *c
	if clone.Backend.APIKey != "" {
		clone.Backend.APIKey = "***"
	}
	data, _ := json.MarshalIndent(&clone, "", "  ")
	return string(data)
}

// Validate checks the configuration and reports every problem it finds.
func (c *Config) Validate() error {
	problems := NewValidator().ValidateConfig(c)
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(problems...))
}

// Duration helpers convert the millisecond fields the file format uses.

func (g GatewayConfig) TurnTimeout() time.Duration  { return ms(g.TurnTimeoutMs) }
func (g GatewayConfig) TickInterval() time.Duration { return ms(g.TickIntervalMs) }
func (b BackendConfig) CallTimeout() time.Duration  { return ms(b.CallTimeoutMs) }
func (b BackendConfig) SessionTTL() time.Duration   { return ms(b.SessionTTLMs) }
func (s SessionConfig) IdleTTL() time.Duration      { return ms(s.IdleTTLMs) }
func (s SessionConfig) TombstoneTTL() time.Duration { return ms(s.TombstoneTTLMs) }
func (t ToolsConfig) GateTimeout() time.Duration    { return ms(t.GateTimeoutMs) }
func (t ToolsConfig) CallTimeout() time.Duration    { return ms(t.CallTimeoutMs) }

// RetentionMaxAge returns zero when age-based retention is off.
func (t TranscriptConfig) RetentionMaxAge() time.Duration {
	return time.Duration(t.RetentionDays) * 24 * time.Hour
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
