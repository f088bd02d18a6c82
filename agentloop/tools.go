package agentloop

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/martinemde/engineer/unifiedllm"
)

// Handler runs a tool with validated arguments and returns its textual output.
type Handler func(ctx context.Context, args Arguments) (string, error)

// ToolSpec is the model-facing description of a tool.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"schema"`
	// SideEffectFree tools may run concurrently with each other.
	SideEffectFree bool `json:"side_effect_free,omitempty"`
}

// Definition converts s to the unifiedllm tool definition.
func (s ToolSpec) Definition() unifiedllm.ToolDefinition {
	return unifiedllm.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Schema.JSONSchema(),
	}
}

// Tool pairs a spec with its handler.
type Tool struct {
	Spec    ToolSpec
	Handler Handler
}

// ToolRegistry maps tool names to tools. Registration is expected to finish
// before a loop starts; lookups are safe for concurrent use.
type ToolRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool. Names are unique.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool.Spec.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", tool.Spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Spec.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, tool.Spec.Name)
	}
	r.tools[tool.Spec.Name] = tool
	return nil
}

// MustRegister is Register for static tool sets; it panics on error.
func (r *ToolRegistry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return tool, nil
}

// List returns all specs sorted by name.
func (r *ToolRegistry) List() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	specs := r.List()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns a copy of the registry.
func (r *ToolRegistry) Clone() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for name, tool := range r.tools {
		clone.tools[name] = tool
	}
	return clone
}

// Definitions converts every spec to a unifiedllm tool definition.
func Definitions(specs []ToolSpec) []unifiedllm.ToolDefinition {
	defs := make([]unifiedllm.ToolDefinition, len(specs))
	for i, s := range specs {
		defs[i] = s.Definition()
	}
	return defs
}
