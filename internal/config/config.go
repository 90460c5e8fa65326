package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stewardmcp/steward/pkg/breaker"
	"github.com/stewardmcp/steward/pkg/gate"
	"github.com/stewardmcp/steward/pkg/mcp"
	"github.com/stewardmcp/steward/pkg/retry"
)

// Config represents the main Steward configuration
type Config struct {
	// Servers maps a server id to its transport definition
	Servers map[string]mcp.Definition `json:"servers" mapstructure:"servers"`

	// Retry policy for transient tool-call failures
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Breaker thresholds for the error isolator
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`

	// Gate classification overrides
	Gate GateConfig `json:"gate" mapstructure:"gate"`

	// Cleanup schedule for old status data
	Cleanup CleanupConfig `json:"cleanup" mapstructure:"cleanup"`

	// Events stream server (serve mode)
	Events EventsConfig `json:"events" mapstructure:"events"`

	// Agent behavior for the chat loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// AI provider credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RetryConfig holds retry policy settings. Delays are milliseconds.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMS int     `json:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMS  int     `json:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier  float64 `json:"multiplier" mapstructure:"multiplier"`
	Jitter      float64 `json:"jitter" mapstructure:"jitter"`
}

// Policy converts the file form into a retry policy.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(c.MaxDelayMS) * time.Millisecond,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
	}
}

// BreakerConfig holds circuit breaker and quarantine thresholds.
type BreakerConfig struct {
	FailureThreshold    int `json:"failure_threshold" mapstructure:"failure_threshold"`
	WindowSize          int `json:"window_size" mapstructure:"window_size"`
	WindowThreshold     int `json:"window_threshold" mapstructure:"window_threshold"`
	CooldownSeconds     int `json:"cooldown_seconds" mapstructure:"cooldown_seconds"`
	CooldownMaxSeconds  int `json:"cooldown_max_seconds" mapstructure:"cooldown_max_seconds"`
	QuarantineThreshold int `json:"quarantine_threshold" mapstructure:"quarantine_threshold"`
}

// IsolatorConfig converts the file form into isolator thresholds.
func (c BreakerConfig) IsolatorConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:    c.FailureThreshold,
		WindowSize:          c.WindowSize,
		WindowThreshold:     c.WindowThreshold,
		Cooldown:            time.Duration(c.CooldownSeconds) * time.Second,
		CooldownMax:         time.Duration(c.CooldownMaxSeconds) * time.Second,
		QuarantineThreshold: c.QuarantineThreshold,
	}
}

// GateConfig pins tool names to concurrency categories, overriding the
// built-in token classification.
type GateConfig struct {
	Overrides map[string]string `json:"overrides" mapstructure:"overrides"`
}

// CleanupConfig schedules the status data sweep.
type CleanupConfig struct {
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
	Schedule      string `json:"schedule" mapstructure:"schedule"` // cron, five fields
}

// EventsConfig holds the serve-mode HTTP server settings.
type EventsConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// AgentConfig configures the chat agent loop.
type AgentConfig struct {
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTurns     int     `json:"max_turns" mapstructure:"max_turns"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
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

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Servers: map[string]mcp.Definition{},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMS: 500,
			MaxDelayMS:  10000,
			Multiplier:  2.0,
			Jitter:      0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			WindowSize:          10,
			WindowThreshold:     5,
			CooldownSeconds:     30,
			CooldownMaxSeconds:  600,
			QuarantineThreshold: 20,
		},
		Gate: GateConfig{
			Overrides: map[string]string{},
		},
		Cleanup: CleanupConfig{
			RetentionDays: 7,
			Schedule:      "0 3 * * *",
		},
		Events: EventsConfig{
			Host: "127.0.0.1",
			Port: 8466,
		},
		Agent: AgentConfig{
			Model:       "claude-sonnet-4-20250514",
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxTurns:    20,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Every server definition must resolve to a concrete transport config.
	for id, def := range c.Servers {
		if _, err := mcp.FromDefinition(id, def); err != nil {
			return fmt.Errorf("server %s: %w", id, err)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.QuarantineThreshold < c.Breaker.FailureThreshold {
		return fmt.Errorf("breaker.quarantine_threshold (%d) must not be lower than breaker.failure_threshold (%d)",
			c.Breaker.QuarantineThreshold, c.Breaker.FailureThreshold)
	}

	for name, category := range c.Gate.Overrides {
		if name == "" {
			return fmt.Errorf("gate.overrides: tool name cannot be empty")
		}
		if !gate.IsValidCategory(category) {
			return fmt.Errorf("gate.overrides.%s: invalid category %s (must be: read, write, execute)", name, category)
		}
	}

	if c.Cleanup.RetentionDays < 1 {
		return fmt.Errorf("cleanup.retention_days must be at least 1, got %d", c.Cleanup.RetentionDays)
	}

	// AI profiles are optional: the supervision core and the servers CLI
	// work without model credentials. Chat refuses at runtime instead.
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	return nil
}
