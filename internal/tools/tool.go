package tools

import (
	"context"
	"encoding/json"
)

// Class separates tools that only read external state from tools that are
// allowed to mutate it. Only write-class tools may cause external side
// effects; read-class tools must be safe to repeat.
type Class string

const (
	ClassRead  Class = "read"
	ClassWrite Class = "write"
)

// Tool is an external capability mediated by the Gateway: metrics and log
// queries, dashboard lookups, and the ticket write path.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage // JSON Schema
	Class() Class
	Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// ToolDef is the format for tool definitions expected by the AI API, derived
// from the Tool interface.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Registry holds available tools keyed by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry, keyed by its Name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name, returns the tool and a boolean indicating if it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// ToolDefs returns the definitions of all registered tools of the given
// class, in Claude API format. The session loop offers only read-class tools
// to the model; the write path belongs to the reporter.
func (r *Registry) ToolDefs(class Class) []ToolDef {
	out := make([]ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		if t.Class() != class {
			continue
		}
		out = append(out, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return out
}
