package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateLanes validates the lane scheduler configuration
func (v *Validator) ValidateLanes(cfg LanesConfig) []error {
	var errors []error

	if cfg.MaxQueueSize <= 0 {
		errors = append(errors, fmt.Errorf("lanes.max_queue_size must be > 0, got %d", cfg.MaxQueueSize))
	}
	if cfg.TaskTimeout <= 0 {
		errors = append(errors, fmt.Errorf("lanes.task_timeout must be > 0, got %s", cfg.TaskTimeout))
	}
	if cfg.IdleTimeout <= 0 {
		errors = append(errors, fmt.Errorf("lanes.idle_timeout must be > 0, got %s", cfg.IdleTimeout))
	}
	if cfg.CleanupInterval <= 0 {
		errors = append(errors, fmt.Errorf("lanes.cleanup_interval must be > 0, got %s", cfg.CleanupInterval))
	}
	if cfg.EventBuffer < 0 {
		errors = append(errors, fmt.Errorf("lanes.event_buffer must be >= 0, got %d", cfg.EventBuffer))
	}

	return errors
}

// ValidateSandbox validates sandbox defaults against the per-plugin bounds
func (v *Validator) ValidateSandbox(cfg SandboxConfig) []error {
	var errors []error

	if cfg.DefaultTimeout < time.Second || cfg.DefaultTimeout > 5*time.Minute {
		errors = append(errors, fmt.Errorf("sandbox.default_timeout must be in [1s, 5m], got %s", cfg.DefaultTimeout))
	}
	if cfg.DefaultMemoryLimitMB < 32 || cfg.DefaultMemoryLimitMB > 512 {
		errors = append(errors, fmt.Errorf("sandbox.default_memory_limit_mb must be in [32, 512], got %d", cfg.DefaultMemoryLimitMB))
	}
	if cfg.ReadyTimeout <= 0 {
		errors = append(errors, fmt.Errorf("sandbox.ready_timeout must be > 0, got %s", cfg.ReadyTimeout))
	}
	if cfg.DeactivateGrace <= 0 {
		errors = append(errors, fmt.Errorf("sandbox.deactivate_grace must be > 0, got %s", cfg.DeactivateGrace))
	}

	return errors
}

// ValidateConfig performs comprehensive validation and returns every
// violation found, not just the first.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	errors = append(errors, v.ValidateLanes(cfg.Lanes)...)
	errors = append(errors, v.ValidateSandbox(cfg.Sandbox)...)

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
