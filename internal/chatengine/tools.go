package chatengine

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaycore/relayd/internal/mcp"
)

// toolSchemas converts the active tool catalog into the chat API's tool
// declaration shape: {name, description, input_schema}.
func (e *Engine) toolSchemas() []json.RawMessage {
	defs := e.tools.GetToolDefinitions()
	schemas := make([]json.RawMessage, 0, len(defs))
	for _, def := range defs {
		inputSchema := def.InputSchema
		if len(inputSchema) == 0 {
			inputSchema = json.RawMessage(`{"type":"object"}`)
		}
		entry := struct {
			Name        string          `json:"name"`
			Description string          `json:"description,omitempty"`
			InputSchema json.RawMessage `json:"input_schema"`
		}{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: inputSchema,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		schemas = append(schemas, data)
	}
	return schemas
}

// findToolDefinition looks up one tool's catalog entry by name.
func (e *Engine) findToolDefinition(name string) (mcp.ToolDefinition, bool) {
	for _, def := range e.tools.GetToolDefinitions() {
		if def.Name == name {
			return def, true
		}
	}
	return mcp.ToolDefinition{}, false
}

// validateToolArguments checks args against name's inputSchema, short-
// circuiting a wasted round trip to the child process when the model
// hallucinated arguments that don't match the tool's declared shape.
// A tool with no catalog entry or no declared schema is not validated
// here; CallTool itself reports an unknown tool.
func validateToolArguments(def mcp.ToolDefinition, args map[string]any) error {
	if len(def.InputSchema) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(def.Name+"#input", string(def.InputSchema))
	if err != nil {
		// An uncompilable schema from a misbehaving MCP server shouldn't
		// block every call to the tool it was attached to.
		return nil
	}
	payload := map[string]any(args)
	if payload == nil {
		payload = map[string]any{}
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("arguments do not match input schema: %w", err)
	}
	return nil
}
