// Package tool defines the Tool Port: the contract a callable tool must
// satisfy to be dispatched by the turn loop, and a registry that validates
// calls against each tool's advertised schema before invoking it.
//
// Grounded on internal/agent/provider_types.go's Tool interface and
// internal/agent/tool_registry.go's name/size guards, generalized with
// JSON Schema validation at the registry boundary.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentcore/agentcore/pkg/agentcore"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MaxNameLength bounds a tool's advertised name.
	MaxNameLength = 256

	// MaxParamsSize bounds the serialized size of a tool call's input, in bytes.
	MaxParamsSize = 10 << 20
)

// Result is what a Tool.Execute call returns: zero or more content blocks and
// an error flag. A tool that fails should still return a Result describing
// the failure (IsError=true) rather than a Go error when the failure is part
// of normal tool operation (e.g. "file not found"); a Go error return is
// reserved for conditions the dispatcher itself should treat as abnormal
// (panics are recovered into one by the dispatcher, not by the tool).
type Result struct {
	Content []agentcore.ContentBlock
	IsError bool
}

// Tool is the contract every callable tool implements. Execute must be safe
// to call concurrently: the dispatcher may invoke the same Tool from multiple
// goroutines for different calls.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Registry holds the tools available to a run and validates calls against
// their schemas before dispatch.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry, compiling its schema eagerly so a
// malformed schema fails at registration time rather than at first call.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool: name must not be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("tool: name %q exceeds max length %d", name, MaxNameLength)
	}

	compiled, err := compileSchema(name, t.Schema())
	if err != nil {
		return fmt.Errorf("tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = t
	r.schemas[name] = compiled
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Validate checks a tool call's raw params against the tool's schema and the
// size/name guards, without executing it.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	if len(params) > MaxParamsSize {
		return fmt.Errorf("tool %q: params of %d bytes exceed max size %d", name, len(params), MaxParamsSize)
	}

	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if schema == nil {
		return nil
	}

	var v any
	if len(params) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(params, &v); err != nil {
		return fmt.Errorf("tool %q: params is not valid JSON: %w", name, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: tool %q: %v", ErrInvalidInput, name, err)
	}
	return nil
}

// Execute validates then runs a tool call. Tool panics are not recovered
// here; the dispatcher is responsible for panic safety across concurrent
// calls (see internal/dispatch).
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*Result, error) {
	if err := r.Validate(name, params); err != nil {
		return nil, err
	}
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t.Execute(ctx, params)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	resource := "tool://" + name + "/schema.json"
	if err := c.AddResource(resource, rawJSONReader(raw)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return c.Compile(resource)
}
