package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/datagen24/dshield-mcp-sub001/internal/jsonrpc"
)

// SchemaRegistry compiles each tool's declared input schema once and
// validates call_tool arguments against it.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	raw     map[string]json.RawMessage
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		schemas: make(map[string]*jsonschema.Schema),
		raw:     make(map[string]json.RawMessage),
	}
}

// Register compiles and stores a tool's input schema.
func (r *SchemaRegistry) Register(toolName string, schema json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("parse schema for tool %s: %w", toolName, err)
	}

	compiler := jsonschema.NewCompiler()
	resource := toolName + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema resource for tool %s: %w", toolName, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", toolName, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[toolName] = compiled
	r.raw[toolName] = schema
	return nil
}

// Schema returns the raw schema document for list_tools.
func (r *SchemaRegistry) Schema(toolName string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.raw[toolName]
	return raw, ok
}

// ValidateArguments checks call_tool arguments against the tool's
// schema. Returns -32602 on mismatch.
func (r *SchemaRegistry) ValidateArguments(toolName string, args json.RawMessage) *jsonrpc.Error {
	r.mu.RLock()
	compiled, ok := r.schemas[toolName]
	r.mu.RUnlock()
	if !ok {
		return jsonrpc.NewError(jsonrpc.CodeMethodNotFound, fmt.Sprintf("unknown tool: %s", toolName))
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "arguments are not valid JSON")
	}
	if err := compiled.Validate(value); err != nil {
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams,
			fmt.Sprintf("arguments do not match tool schema: %v", err))
	}
	return nil
}
