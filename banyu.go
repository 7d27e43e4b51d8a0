// Package banyu is an execution concurrency and isolation substrate for
// agent runtimes: per-session serialized task lanes on one side, sandboxed
// plugin workers on the other.
//
// A Runtime is an explicitly owned instance: construct it at the top of
// the process, pass it by reference, and shut it down when done. Nothing
// in this module installs itself behind a package-level singleton.
package banyu

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/wiratama/banyu/internal/config"
	"github.com/wiratama/banyu/internal/logger"
	"github.com/wiratama/banyu/internal/observability"
	"github.com/wiratama/banyu/internal/tracing"
	"github.com/wiratama/banyu/pkg/lanes"
	"github.com/wiratama/banyu/pkg/plugin"
)

// Config re-exports the substrate configuration.
type Config = config.Config

// DefaultConfig returns the default substrate configuration.
func DefaultConfig() Config {
	return config.Default()
}

// Runtime bundles the lane scheduler and the plugin supervisor behind one
// lifecycle.
type Runtime struct {
	cfg        Config
	log        *logger.Logger
	scheduler  *lanes.Scheduler
	supervisor *plugin.Supervisor
}

// RuntimeOptions carries the few knobs that are not part of Config.
type RuntimeOptions struct {
	// ServiceName names the OpenTelemetry tracer provider.
	ServiceName string

	// PluginDataRoot is where per-plugin data directories live.
	PluginDataRoot string
}

// NewRuntime validates cfg, installs logging and tracing, and starts the
// scheduler and supervisor.
func NewRuntime(cfg Config, opts RuntimeOptions) (*Runtime, error) {
	if errs := config.NewValidator().ValidateConfig(&cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, err
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "banyu"
	}
	if err := tracing.InitOpenTelemetry(serviceName); err != nil {
		_ = lg.Close()
		return nil, err
	}

	scheduler := lanes.NewScheduler(lanes.OptionsFromConfig(cfg.Lanes))

	supervisor, err := plugin.NewSupervisor(plugin.SupervisorConfig{
		DataRoot: opts.PluginDataRoot,
	})
	if err != nil {
		_ = scheduler.Shutdown(context.Background())
		_ = lg.Close()
		return nil, err
	}

	return &Runtime{
		cfg:        cfg,
		log:        lg,
		scheduler:  scheduler,
		supervisor: supervisor,
	}, nil
}

// Scheduler returns the lane scheduler.
func (r *Runtime) Scheduler() *lanes.Scheduler {
	return r.scheduler
}

// Plugins returns the plugin supervisor.
func (r *Runtime) Plugins() *plugin.Supervisor {
	return r.supervisor
}

// MetricsHandler exposes the substrate's Prometheus metrics.
func (r *Runtime) MetricsHandler() http.Handler {
	return observability.MetricsHandler()
}

// Shutdown stops plugins, drains the lanes, and flushes tracing and logs.
// The first error encountered is returned after everything has been
// attempted.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := r.supervisor.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := r.scheduler.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.log.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
