package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wiratama/banyu/pkg/sandbox"
)

// Tool is one namespaced tool a plugin has registered.
type Tool struct {
	Name        string
	PluginID    string
	Description string
	Schema      json.RawMessage
}

// Command is one namespaced command a plugin has registered.
type Command struct {
	Name        string
	PluginID    string
	Description string
}

// Registry tracks the tools and commands live plugins have registered.
// Names arrive already namespaced; the sandbox enforces the prefix before
// a registration event ever reaches here.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	commands map[string]Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		commands: make(map[string]Command),
	}
}

// Apply folds one runner event into the registry. Non-registration events
// are ignored; duplicate names are rejected.
func (r *Registry) Apply(ev sandbox.Event) error {
	switch ev.Type {
	case sandbox.EventToolRegistered:
		return r.addTool(Tool{
			Name:        ev.Name,
			PluginID:    ev.PluginID,
			Description: ev.Description,
			Schema:      ev.Schema,
		})
	case sandbox.EventCommandRegistered:
		return r.addCommand(Command{
			Name:        ev.Name,
			PluginID:    ev.PluginID,
			Description: ev.Description,
		})
	case sandbox.EventWorkerExited, sandbox.EventWorkerTerminated:
		r.RemovePlugin(ev.PluginID)
	}
	return nil
}

func (r *Registry) addTool(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, taken := r.tools[tool.Name]; taken {
		return fmt.Errorf("tool %q already registered by plugin %q", tool.Name, existing.PluginID)
	}
	r.tools[tool.Name] = tool
	return nil
}

func (r *Registry) addCommand(cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, taken := r.commands[cmd.Name]; taken {
		return fmt.Errorf("command %q already registered by plugin %q", cmd.Name, existing.PluginID)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// GetTool looks up one tool by its namespaced name.
func (r *Registry) GetTool(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// GetCommand looks up one command by its namespaced name.
func (r *Registry) GetCommand(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Tools returns every registered tool, sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Commands returns every registered command, sorted by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	commands := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		commands = append(commands, cmd)
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return commands
}

// RemovePlugin drops everything a plugin registered. Called when its
// worker dies so stale names cannot shadow a future registration.
func (r *Registry) RemovePlugin(pluginID string) {
	prefix := pluginID + ":"

	r.mu.Lock()
	removed := 0
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
			removed++
		}
	}
	for name := range r.commands {
		if strings.HasPrefix(name, prefix) {
			delete(r.commands, name)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		log.Debug().
			Str("plugin_id", pluginID).
			Int("removed", removed).
			Msg("Plugin registrations removed")
	}
}
