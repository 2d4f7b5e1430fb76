// Package tools implements the permission-gated tool registry that the
// workflow's decision step dispatches into.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tablerelay/tablerelay/internal/llm"
)

// Category groups tools by the backend they talk to.
type Category string

const (
	CategoryGrid    Category = "grid"
	CategoryChat    Category = "chat"
	CategorySystem  Category = "system"
	CategoryUtility Category = "utility"
)

// ParamSpec describes one tool parameter. Validation is presence-only:
// a required parameter must appear in the arguments, types are not checked.
type ParamSpec struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Executor runs the tool against its backend.
type Executor func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Definition describes a tool available to the agent.
type Definition struct {
	Name                string
	Category            Category
	Description         string
	Parameters          map[string]ParamSpec
	RequiredPermissions []string
	Execute             Executor
}

// Result is the outcome of a tool invocation. Executor failures are carried
// in Error with Success false; Invoke itself only fails for registry-level
// problems (unknown tool, permissions, missing parameters).
type Result struct {
	Value   interface{}   `json:"value,omitempty"`
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Registry maps tool names to definitions and dispatches calls.
// Safe for concurrent use; shared read-mostly across all sessions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register adds a tool, overwriting any existing tool with the same name.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Available returns all tools whose required permissions are a subset of the
// given permission set. Tools with no required permissions are always included.
// Results are sorted by name for stable prompt construction.
func (r *Registry) Available(permissions []string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Definition
	for _, def := range r.tools {
		if len(missingPermissions(def, permissions)) == 0 {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas returns function-calling schemas for all tools available under
// the given permission set.
func (r *Registry) Schemas(permissions []string) []llm.ToolDefinition {
	available := r.Available(permissions)
	schemas := make([]llm.ToolDefinition, 0, len(available))
	for _, def := range available {
		schemas = append(schemas, def.Schema())
	}
	return schemas
}

// Schema converts the definition into an LLM function-calling schema.
func (d Definition) Schema() llm.ToolDefinition {
	properties := make(map[string]interface{}, len(d.Parameters))
	var required []string
	for name, spec := range d.Parameters {
		properties[name] = map[string]interface{}{
			"type":        spec.Type,
			"description": spec.Description,
		}
		if spec.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	return llm.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
	}
}

// Invoke runs a tool by name. The checked failure modes are a typed error:
// ErrToolNotFound, *PermissionError listing the missing permissions, or
// *ParameterError listing the missing required parameters. Executor errors
// and panics are captured into a failed Result and never propagate.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]interface{}, permissions []string) (Result, error) {
	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("tool %q: %w", name, ErrToolNotFound)
	}

	if missing := missingPermissions(def, permissions); len(missing) > 0 {
		return Result{}, &PermissionError{Tool: name, Missing: missing}
	}

	if missing := missingParameters(def, params); len(missing) > 0 {
		return Result{}, &ParameterError{Tool: name, Missing: missing}
	}

	start := time.Now()
	value, err := runExecutor(ctx, def.Execute, params)
	elapsed := time.Since(start)

	if err != nil {
		return Result{Success: false, Error: err.Error(), Elapsed: elapsed}, nil
	}
	return Result{Value: value, Success: true, Elapsed: elapsed}, nil
}

// runExecutor invokes the executor, converting panics to errors so a
// misbehaving backend cannot take down a session goroutine.
func runExecutor(ctx context.Context, exec Executor, params map[string]interface{}) (value interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return exec(ctx, params)
}

func missingPermissions(def Definition, permissions []string) []string {
	var missing []string
	for _, need := range def.RequiredPermissions {
		found := false
		for _, have := range permissions {
			if have == need {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, need)
		}
	}
	return missing
}

func missingParameters(def Definition, params map[string]interface{}) []string {
	var missing []string
	for name, spec := range def.Parameters {
		if !spec.Required {
			continue
		}
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
