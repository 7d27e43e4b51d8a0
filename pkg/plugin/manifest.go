package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/wiratama/banyu/pkg/sandbox"
)

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Manifest describes one installed plugin: identity, the worker binary to
// spawn, and the sandbox grants it requests.
type Manifest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Version     string               `json:"version"`
	Description string               `json:"description,omitempty"`
	Worker      string               `json:"worker"`
	Permissions *sandbox.Permissions `json:"permissions,omitempty"`
	Config      json.RawMessage      `json:"config,omitempty"`

	// Optional overrides of the sandbox defaults, still subject to the
	// sandbox bounds.
	TimeoutMs     int `json:"timeoutMs,omitempty"`
	MemoryLimitMB int `json:"memoryLimitMb,omitempty"`
}

// SandboxConfig renders the manifest into a runner configuration. dir is
// the plugin's install directory; Worker is resolved relative to it.
func (m *Manifest) SandboxConfig(dir, dataDir string) sandbox.Config {
	return sandbox.Config{
		PluginPath:    filepath.Join(dir, m.Worker),
		PluginID:      m.ID,
		DataDir:       dataDir,
		Config:        m.Config,
		Permissions:   m.Permissions,
		Timeout:       time.Duration(m.TimeoutMs) * time.Millisecond,
		MemoryLimitMB: m.MemoryLimitMB,
	}
}

// ManifestLoader loads and validates plugin manifests.
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(logger zerolog.Logger) *ManifestLoader {
	return &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(manifestSchema),
	}
}

// Load reads and validates the manifest at path.
func (m *ManifestLoader) Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if err := m.validateSchema(data); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	m.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Loaded manifest")

	return &manifest, nil
}

func (m *ManifestLoader) validateSchema(data []byte) error {
	result, err := gojsonschema.Validate(m.schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, desc := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += desc.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}
	return nil
}

// validateManifest covers what the JSON schema cannot express.
func validateManifest(manifest *Manifest) error {
	if !semverRe.MatchString(manifest.Version) {
		return fmt.Errorf("invalid version format: %s (must be semver: X.Y.Z)", manifest.Version)
	}
	if manifest.Worker == "" {
		return fmt.Errorf("worker entry point cannot be empty")
	}
	if filepath.IsAbs(manifest.Worker) {
		return fmt.Errorf("worker entry point must be relative to the plugin directory")
	}
	// The sandbox re-validates id format, bounds, and traversal at spawn
	// time; a quick pre-check here surfaces errors at load instead.
	cfg := sandbox.Config{
		PluginPath:    manifest.Worker,
		PluginID:      manifest.ID,
		Permissions:   manifest.Permissions,
		Timeout:       time.Duration(manifest.TimeoutMs) * time.Millisecond,
		MemoryLimitMB: manifest.MemoryLimitMB,
	}
	return cfg.Validate()
}
