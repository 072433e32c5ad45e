// Package tools provides the tool registry and execution framework.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Handler executes a tool. Arguments arrive as the decoded name→value
// payload the model produced; the returned string is what gets
// recorded in conversation memory as the tool result.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// Confirm marks the tool as requiring explicit human approval
	// before execution. The engine routes these through the
	// confirmation exchange.
	Confirm bool `json:"-"`

	// CachesAs, when non-empty, marks the tool as a list-style call
	// whose result is an id→name mapping the engine should retain in
	// the session lookup cache under this key.
	CachesAs string `json:"-"`
}

// Registry holds the tools available to one session. Registries are
// cheap to build and are never shared across sessions.
type Registry struct {
	tools map[string]*Tool
	order []string // registration order, for stable schema output
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Registering a name twice replaces the earlier
// definition.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the named tool, or nil if not registered.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schemas returns the tool definitions in the wire format providers
// expect (OpenAI-style function declarations).
func (r *Registry) Schemas() []map[string]any {
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// Execute runs the named tool with the given arguments. A missing tool
// returns ErrToolUnavailable; tool panics are recovered and returned
// as errors so one misbehaving handler cannot take down the engine.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string, err error) {
	t := r.tools[name]
	if t == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, rec)
		}
	}()

	return t.Handler(ctx, args)
}

// StringArg extracts a string argument, returning "" when absent or of
// the wrong type.
func StringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// SortedKeys returns the argument keys in lexical order, for
// deterministic rendering of humanized prompts.
func SortedKeys(args map[string]any) []string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
