package sandbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

const (
	minTimeout = time.Second
	maxTimeout = 5 * time.Minute

	minMemoryMB = 32
	maxMemoryMB = 512

	// Fixed ceilings handed to every worker regardless of configuration.
	codeRegionMB = 32
	stackSizeMB  = 4
)

var pluginIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Permissions is the declarative grant handed to a plugin at init. The
// worker enforces it; the host only consults Env to decide whether any
// host environment reaches the worker at all.
type Permissions struct {
	Env         bool     `json:"env"`
	FileSystem  bool     `json:"fileSystem"`
	Network     bool     `json:"network"`
	Tools       []string `json:"tools,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	Description string   `json:"description,omitempty"`
}

const permissionsSchema = `{
	"type": "object",
	"properties": {
		"env": {"type": "boolean"},
		"fileSystem": {"type": "boolean"},
		"network": {"type": "boolean"},
		"tools": {"type": "array", "items": {"type": "string"}},
		"commands": {"type": "array", "items": {"type": "string"}},
		"description": {"type": "string"}
	},
	"additionalProperties": false
}`

// Config describes one plugin runner. Validate is a Start precondition:
// any violation prevents the worker from ever being spawned.
type Config struct {
	PluginPath    string
	PluginID      string
	DataDir       string
	Config        json.RawMessage
	Permissions   *Permissions
	Timeout       time.Duration
	MemoryLimitMB int

	// ReadyTimeout bounds the bootstrap handshake; DeactivateGrace bounds
	// the best-effort deactivate before shutdown.
	ReadyTimeout    time.Duration
	DeactivateGrace time.Duration

	// EventBuffer sizes the runner's bounded event channel.
	EventBuffer int
}

// youngGenMB is the young-generation ceiling derived from the heap limit.
func (c Config) youngGenMB() int {
	if derived := c.MemoryLimitMB / 4; derived < 32 {
		return derived
	}
	return 32
}

// Validate checks the whole configuration and reports every violation
// found, not just the first.
func (c Config) Validate() error {
	var violations []string

	if c.PluginID == "" {
		violations = append(violations, "plugin id is required")
	} else if !pluginIDRe.MatchString(c.PluginID) {
		violations = append(violations, fmt.Sprintf("plugin id %q must match %s", c.PluginID, pluginIDRe.String()))
	}

	if c.PluginPath == "" {
		violations = append(violations, "plugin path is required")
	} else if hasTraversal(c.PluginPath) {
		violations = append(violations, fmt.Sprintf("plugin path %q must not contain traversal segments", c.PluginPath))
	}

	if c.DataDir != "" && hasTraversal(c.DataDir) {
		violations = append(violations, fmt.Sprintf("data dir %q must not contain traversal segments", c.DataDir))
	}

	if c.Timeout != 0 && (c.Timeout < minTimeout || c.Timeout > maxTimeout) {
		violations = append(violations, fmt.Sprintf("timeout %s outside [%s, %s]", c.Timeout, minTimeout, maxTimeout))
	}

	if c.MemoryLimitMB != 0 && (c.MemoryLimitMB < minMemoryMB || c.MemoryLimitMB > maxMemoryMB) {
		violations = append(violations, fmt.Sprintf("memory limit %dMB outside [%d, %d]", c.MemoryLimitMB, minMemoryMB, maxMemoryMB))
	}

	if c.Permissions != nil {
		violations = append(violations, validatePermissions(c.Permissions)...)
	}

	if len(violations) > 0 {
		return &ConfigError{Violations: violations}
	}
	return nil
}

func validatePermissions(p *Permissions) []string {
	data, err := json.Marshal(p)
	if err != nil {
		return []string{fmt.Sprintf("permissions not serializable: %v", err)}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(permissionsSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return []string{fmt.Sprintf("permissions validation failed: %v", err)}
	}

	var violations []string
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Sprintf("permissions: %s", desc))
	}
	return violations
}

func hasTraversal(path string) bool {
	for _, seg := range strings.Split(strings.ReplaceAll(path, "\\", "/"), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// withDefaults fills unset tunables from the package defaults.
func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = 128
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.DeactivateGrace == 0 {
		c.DeactivateGrace = 5 * time.Second
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
	return c
}
