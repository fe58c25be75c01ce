package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/codecrew-ai/codecrew/pkg/model"
)

// Handler executes a tool with already-validated arguments and returns its
// textual result. Handlers must honour ctx cancellation.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool couples a model-facing definition with its permission level and
// implementation.
type Tool struct {
	// Definition is what participants see in their tool list.
	Definition model.ToolDefinition

	// Level is the permission level the tool registered with. Configured
	// overrides may replace it at check time.
	Level Level

	// Source identifies where the tool came from ("builtin" or the MCP
	// server name). Informational only.
	Source string

	// Handler runs the tool.
	Handler Handler
}

// Registry holds all tools available to participants, keyed by name.
// Registration order is preserved for the definitions list.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Names must be unique across all sources.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return fmt.Errorf("tools: register: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: register %q: handler is required", t.Definition.Name)
	}
	if !t.Level.IsValid() {
		return fmt.Errorf("tools: register %q: level %q is invalid", t.Definition.Name, t.Level)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Definition.Name]; ok {
		return fmt.Errorf("tools: register %q: already registered", t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
	r.order = append(r.order, t.Definition.Name)
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns all tool definitions in registration order, for
// inclusion in model requests.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
