package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/wiratama/banyu/pkg/sandbox"
)

// ManifestFileName is the manifest expected in every plugin directory.
const ManifestFileName = "plugin.json"

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// DataRoot is where per-plugin data directories are allocated.
	DataRoot string

	// StabilityThreshold debounces binary-change events before a restart.
	StabilityThreshold time.Duration

	Registry *Registry
}

type instance struct {
	manifest   *Manifest
	dir        string
	runner     *sandbox.Runner
	done       chan struct{}
	retireOnce sync.Once
}

// Supervisor owns one sandbox runner per loaded plugin: it loads and
// validates manifests, starts and stops workers, folds their registration
// events into the registry, and restarts a plugin when its worker binary
// changes on disk.
type Supervisor struct {
	loader   *ManifestLoader
	registry *Registry
	dataRoot string

	mu        sync.Mutex
	instances map[string]*instance

	watcher            *fsnotify.Watcher
	stabilityThreshold time.Duration
	debounceMu         sync.Mutex
	debounceTimers     map[string]*time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

// NewSupervisor creates a supervisor and starts its file watcher loop.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.StabilityThreshold == 0 {
		cfg.StabilityThreshold = 500 * time.Millisecond
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	s := &Supervisor{
		loader:             NewManifestLoader(log.Logger),
		registry:           registry,
		dataRoot:           cfg.DataRoot,
		instances:          make(map[string]*instance),
		watcher:            watcher,
		stabilityThreshold: cfg.StabilityThreshold,
		debounceTimers:     make(map[string]*time.Timer),
		done:               make(chan struct{}),
	}
	go s.watchLoop()
	return s, nil
}

// Registry returns the tool/command registry the supervisor feeds.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Load starts the plugin installed in dir and returns its id. The worker
// is spawned, initialized, and activated before Load returns.
func (s *Supervisor) Load(ctx context.Context, dir string) (string, error) {
	manifest, err := s.loader.Load(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, loaded := s.instances[manifest.ID]; loaded {
		s.mu.Unlock()
		return "", fmt.Errorf("plugin %q is already loaded", manifest.ID)
	}
	s.mu.Unlock()

	inst, err := s.startInstance(ctx, manifest, dir)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.instances[manifest.ID] = inst
	s.mu.Unlock()

	if err := s.watcher.Add(dir); err != nil {
		log.Warn().Str("plugin_id", manifest.ID).Err(err).Msg("Plugin directory not watched")
	}

	log.Info().
		Str("plugin_id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Plugin loaded")
	return manifest.ID, nil
}

func (s *Supervisor) startInstance(ctx context.Context, manifest *Manifest, dir string) (*instance, error) {
	dataDir := ""
	if s.dataRoot != "" {
		dataDir = filepath.Join(s.dataRoot, manifest.ID)
	}

	runner, err := sandbox.NewRunner(manifest.SandboxConfig(dir, dataDir))
	if err != nil {
		return nil, err
	}
	if err := runner.Start(ctx); err != nil {
		return nil, err
	}
	if err := runner.Activate(ctx); err != nil {
		runner.Terminate()
		return nil, fmt.Errorf("plugin %q activate: %w", manifest.ID, err)
	}

	inst := &instance{
		manifest: manifest,
		dir:      dir,
		runner:   runner,
		done:     make(chan struct{}),
	}
	go s.pumpEvents(inst)
	return inst, nil
}

// pumpEvents folds one runner's events into the registry until the
// instance is retired.
func (s *Supervisor) pumpEvents(inst *instance) {
	for {
		select {
		case ev := <-inst.runner.Events():
			if err := s.registry.Apply(ev); err != nil {
				log.Warn().
					Str("plugin_id", inst.manifest.ID).
					Err(err).
					Msg("Registration rejected")
			}
		case <-inst.done:
			return
		case <-s.done:
			return
		}
	}
}

// Unload deactivates and terminates a plugin and clears its registrations.
func (s *Supervisor) Unload(ctx context.Context, pluginID string) error {
	s.mu.Lock()
	inst, loaded := s.instances[pluginID]
	if loaded {
		delete(s.instances, pluginID)
	}
	s.mu.Unlock()
	if !loaded {
		return fmt.Errorf("plugin %q is not loaded", pluginID)
	}

	s.retire(ctx, inst)
	_ = s.watcher.Remove(inst.dir)

	log.Info().Str("plugin_id", pluginID).Msg("Plugin unloaded")
	return nil
}

func (s *Supervisor) retire(ctx context.Context, inst *instance) {
	inst.retireOnce.Do(func() {
		inst.runner.Deactivate(ctx)
		inst.runner.Terminate()
		close(inst.done)
		s.registry.RemovePlugin(inst.manifest.ID)
	})
}

// Call routes a method invocation to a loaded plugin's worker.
func (s *Supervisor) Call(ctx context.Context, pluginID, method string, args ...json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	inst, loaded := s.instances[pluginID]
	s.mu.Unlock()
	if !loaded {
		return nil, fmt.Errorf("plugin %q is not loaded", pluginID)
	}
	return inst.runner.Call(ctx, method, args...)
}

// IsRunning reports whether a plugin is loaded with a live worker.
func (s *Supervisor) IsRunning(pluginID string) bool {
	s.mu.Lock()
	inst, loaded := s.instances[pluginID]
	s.mu.Unlock()
	return loaded && inst.runner.IsRunning()
}

// watchLoop debounces file events under plugin directories and restarts
// the owning plugin when its worker binary changes.
func (s *Supervisor) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if inst := s.instanceForPath(ev.Name); inst != nil {
				s.scheduleRestart(inst.manifest.ID)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Plugin watcher error")
		}
	}
}

func (s *Supervisor) instanceForPath(path string) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if path == filepath.Join(inst.dir, inst.manifest.Worker) {
			return inst
		}
	}
	return nil
}

// scheduleRestart waits out the stability threshold so a half-written
// binary is never spawned, then restarts the plugin.
func (s *Supervisor) scheduleRestart(pluginID string) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()

	if timer, pending := s.debounceTimers[pluginID]; pending {
		timer.Stop()
	}
	s.debounceTimers[pluginID] = time.AfterFunc(s.stabilityThreshold, func() {
		s.debounceMu.Lock()
		delete(s.debounceTimers, pluginID)
		s.debounceMu.Unlock()

		if err := s.restart(pluginID); err != nil {
			log.Error().Str("plugin_id", pluginID).Err(err).Msg("Plugin restart failed")
		}
	})
}

func (s *Supervisor) restart(pluginID string) error {
	s.mu.Lock()
	inst, loaded := s.instances[pluginID]
	s.mu.Unlock()
	if !loaded {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Info().Str("plugin_id", pluginID).Msg("Worker binary changed, restarting plugin")
	s.retire(ctx, inst)

	// The manifest may have changed alongside the binary.
	manifest, err := s.loader.Load(filepath.Join(inst.dir, ManifestFileName))
	if err != nil {
		s.mu.Lock()
		delete(s.instances, pluginID)
		s.mu.Unlock()
		return err
	}

	fresh, err := s.startInstance(ctx, manifest, inst.dir)
	if err != nil {
		s.mu.Lock()
		delete(s.instances, pluginID)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.instances[pluginID] = fresh
	s.mu.Unlock()
	return nil
}

// Shutdown unloads every plugin and stops the watcher.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	s.debounceMu.Lock()
	for _, timer := range s.debounceTimers {
		timer.Stop()
	}
	s.debounceTimers = make(map[string]*time.Timer)
	s.debounceMu.Unlock()

	s.mu.Lock()
	instances := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.instances = make(map[string]*instance)
	s.mu.Unlock()

	for _, inst := range instances {
		s.retire(ctx, inst)
	}

	return s.watcher.Close()
}
