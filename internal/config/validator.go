package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

var serverIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateServerID validates a server identifier. Ids end up in file paths,
// metric labels, and tool names, so the charset is deliberately narrow.
func (v *Validator) ValidateServerID(id string) error {
	if id == "" {
		return fmt.Errorf("server id cannot be empty")
	}
	if len(id) > 64 {
		return fmt.Errorf("server id too long (max 64 characters)")
	}
	if !serverIDPattern.MatchString(id) {
		return fmt.Errorf("invalid server id %q (lowercase letters, digits, - and _ only)", id)
	}
	return nil
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	switch level {
	case "", "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid log level %s (must be: debug, info, warn, error)", level)
}

// ValidateSchedule validates a five-field cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return fmt.Errorf("cleanup schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateConfig performs deep validation beyond Config.Validate, collecting
// every problem instead of stopping at the first one.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for id := range cfg.Servers {
		if err := v.ValidateServerID(id); err != nil {
			errors = append(errors, err)
		}
	}

	for _, profile := range cfg.AI.Profiles {
		if profile.APIKey != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %s: %w", profile.ID, err))
			}
		}
	}

	if err := v.ValidateSchedule(cfg.Cleanup.Schedule); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
