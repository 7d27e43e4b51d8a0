package config

import (
	"time"
)

// LanesConfig configures the session lane scheduler.
type LanesConfig struct {
	MaxQueueSize    int           `json:"max_queue_size"`
	TaskTimeout     time.Duration `json:"task_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	EventBuffer     int           `json:"event_buffer"`
}

// SandboxConfig configures plugin sandbox defaults. Per-plugin values
// still go through the sandbox package's own validation.
type SandboxConfig struct {
	DefaultTimeout       time.Duration `json:"default_timeout"`
	DefaultMemoryLimitMB int           `json:"default_memory_limit_mb"`
	ReadyTimeout         time.Duration `json:"ready_timeout"`
	DeactivateGrace      time.Duration `json:"deactivate_grace"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level     string `json:"level"`
	File      string `json:"file"`
	Console   bool   `json:"console"`
	Pretty    bool   `json:"pretty"`
	Redaction bool   `json:"redaction"`
}

// Config is the top-level configuration for the execution substrate.
type Config struct {
	Lanes   LanesConfig   `json:"lanes"`
	Sandbox SandboxConfig `json:"sandbox"`
	Logging LoggingConfig `json:"logging"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Lanes: LanesConfig{
			MaxQueueSize:    100,
			TaskTimeout:     10 * time.Minute,
			IdleTimeout:     5 * time.Minute,
			CleanupInterval: time.Minute,
			EventBuffer:     256,
		},
		Sandbox: SandboxConfig{
			DefaultTimeout:       30 * time.Second,
			DefaultMemoryLimitMB: 128,
			ReadyTimeout:         10 * time.Second,
			DeactivateGrace:      5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}
