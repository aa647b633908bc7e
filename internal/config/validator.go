package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct {
	schedules cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		schedules: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func oneOf(field, value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", field, value, strings.Join(valid, ", "))
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	switch provider {
	case "anthropic":
		if key == "" {
			return fmt.Errorf("%s API key cannot be empty", provider)
		}
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if key == "" {
			return fmt.Errorf("%s API key cannot be empty", provider)
		}
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateBaseURL requires an absolute http(s) URL.
func (v *Validator) ValidateBaseURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: missing host in %q", field, raw)
	}
	return nil
}

// ValidateSchedule checks a cron spec or descriptor such as "@every 1m".
func (v *Validator) ValidateSchedule(field, spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := v.schedules.Parse(spec); err != nil {
		return fmt.Errorf("%s: invalid schedule %q: %w", field, spec, err)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

func nonNegative(field string, value int) error {
	if value < 0 {
		return fmt.Errorf("%s must be >= 0, got %d", field, value)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// Gateway
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add(fmt.Errorf("gateway.port out of range: %d", cfg.Gateway.Port))
	}
	add(nonNegative("gateway.turn_timeout_ms", cfg.Gateway.TurnTimeoutMs))
	add(nonNegative("gateway.requests_per_minute", cfg.Gateway.RequestsPerMinute))
	add(nonNegative("gateway.max_concurrent", cfg.Gateway.MaxConcurrent))
	add(nonNegative("gateway.tick_interval_ms", cfg.Gateway.TickIntervalMs))

	// Backend
	add(oneOf("backend.kind", cfg.Backend.Kind, "adk", "local"))
	if cfg.Backend.CallTimeout() < MinBackendCallTimeout {
		add(fmt.Errorf("backend.call_timeout_ms must be at least %d, got %d", MinBackendCallTimeout.Milliseconds(), cfg.Backend.CallTimeoutMs))
	}
	switch cfg.Backend.Kind {
	case "adk":
		add(v.ValidateBaseURL("backend.base_url", cfg.Backend.BaseURL))
	case "local":
		if err := oneOf("backend.provider", cfg.Backend.Provider, "echo", "anthropic", "openai"); err != nil {
			add(err)
		} else if err := v.ValidateAPIKey(cfg.Backend.APIKey, cfg.Backend.Provider); err != nil {
			add(fmt.Errorf("backend.api_key: %w", err))
		}
		add(v.ValidateTemperature(cfg.Backend.Temperature))
		add(v.ValidateMaxTokens(cfg.Backend.MaxTokens))
		add(nonNegative("backend.session_ttl_ms", cfg.Backend.SessionTTLMs))
	}

	// Session
	add(oneOf("session.store", cfg.Session.Store, "memory", "sqlite"))
	add(nonNegative("session.idle_ttl_ms", cfg.Session.IdleTTLMs))
	add(nonNegative("session.tombstone_ttl_ms", cfg.Session.TombstoneTTLMs))
	add(v.ValidateSchedule("session.sweep_schedule", cfg.Session.SweepSchedule))

	// Pipeline
	if cfg.Pipeline.Dir == "" {
		add(fmt.Errorf("pipeline.dir is required"))
	}
	if cfg.Pipeline.MaxToolRounds <= 0 {
		add(fmt.Errorf("pipeline.max_tool_rounds must be positive, got %d", cfg.Pipeline.MaxToolRounds))
	}
	if cfg.Pipeline.ParallelIsolation != "" {
		add(oneOf("pipeline.parallel_isolation", cfg.Pipeline.ParallelIsolation, "auto", "shared", "isolated"))
	}

	// Tools
	add(nonNegative("tools.gate_timeout_ms", cfg.Tools.GateTimeoutMs))
	add(nonNegative("tools.call_timeout_ms", cfg.Tools.CallTimeoutMs))
	if cfg.Tools.HTTPEndpoint != "" {
		add(v.ValidateBaseURL("tools.http_endpoint", cfg.Tools.HTTPEndpoint))
	}

	// Transcript
	add(nonNegative("transcript.retention_days", cfg.Transcript.RetentionDays))
	add(nonNegative("transcript.max_entries", cfg.Transcript.MaxEntries))
	add(v.ValidateSchedule("transcript.retention_sweep", cfg.Transcript.RetentionSweep))

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		add(fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %f", cfg.Tracing.SampleRatio))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}
