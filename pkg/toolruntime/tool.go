package toolruntime

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Safety declares whether a tool's side effects allow it to run
// alongside other calls in the same turn.
type Safety string

const (
	// SafetySafe tools are read-only or idempotent and may run in
	// parallel with anything.
	SafetySafe Safety = "safe"
	// SafetyUnsafe tools mutate shared state. The dispatcher runs at
	// most one at a time per turn.
	SafetyUnsafe Safety = "unsafe"
)

// Parameter defines one tool parameter.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Tool defines a tool's metadata and handler.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Safety      Safety      `json:"safety"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// Registry holds tool definitions and their compiled parameter schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger.With().Str("component", "tool_registry").Logger(),
	}
}

// Register validates the definition, compiles its parameter schema, and
// adds the tool to the registry.
func (r *Registry) Register(tool Tool) error {
	if err := validateTool(tool); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileSchema(tool)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	r.tools[tool.Name] = &tool
	r.schemas[tool.Name] = schema

	r.logger.Info().Str("tool", tool.Name).Str("safety", string(tool.Safety)).Msg("tool registered")
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool and its schema by name.
func (r *Registry) Get(name string) (*Tool, *gojsonschema.Schema) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name], r.schemas[name]
}

// List returns all registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Specs returns name, description, and input schema for every tool, in
// the shape model providers advertise to the model.
func (r *Registry) Specs() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]map[string]interface{}, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, map[string]interface{}{
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": schemaMap(*tool),
		})
	}
	return specs
}

func validateTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if tool.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if tool.Safety != SafetySafe && tool.Safety != SafetyUnsafe {
		return fmt.Errorf("tool safety must be safe or unsafe, got %q", tool.Safety)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range tool.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}
	return nil
}

func schemaMap(tool Tool) map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range tool.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func compileSchema(tool Tool) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap(tool)))
}

func validateParams(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := []string{}
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}
