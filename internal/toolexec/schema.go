package toolexec

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// argumentSchemas holds the fixed JSON-schema text for each ToolSpec's
// Arguments map, per spec.md §4.2 ("Each has a fixed argument schema").
// Property names match what Engine.invoke reads out of a PlanStep's
// Arguments for that tool.
var argumentSchemas = map[ToolSpec]string{
	ToolExecuteBash: `{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1},
			"working_dir": {"type": "string"},
			"timeout_seconds": {"type": "integer", "minimum": 1},
			"read_only": {"type": "boolean"}
		},
		"required": ["command"]
	}`,
	ToolExecutePythonScript: `{
		"type": "object",
		"properties": {
			"script_path": {"type": "string", "minLength": 1},
			"args": {"type": "array", "items": {"type": "string"}},
			"timeout_seconds": {"type": "integer", "minimum": 1},
			"read_only": {"type": "boolean"}
		},
		"required": ["script_path"]
	}`,
	ToolReadFile: `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1}
		},
		"required": ["path"]
	}`,
	ToolWriteFile: `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"content": {"type": "string"},
			"overwrite": {"type": "boolean"}
		},
		"required": ["path", "content"]
	}`,
	ToolEditFile: `{
		"type": "object",
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"old_text": {"type": "string", "minLength": 1},
			"new_text": {"type": "string"}
		},
		"required": ["path", "old_text", "new_text"]
	}`,
	ToolListFiles: `{
		"type": "object",
		"properties": {
			"directory": {"type": "string", "minLength": 1},
			"pattern": {"type": "string"}
		},
		"required": ["directory"]
	}`,
}

var (
	schemaCacheMu sync.Mutex
	schemaCache   = map[ToolSpec]*jsonschema.Schema{}
)

// compiledSchema compiles and caches tool's fixed schema, grounded on
// pkg/pluginsdk/validation.go's compileSchema cache-by-key pattern.
func compiledSchema(tool ToolSpec) (*jsonschema.Schema, error) {
	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()

	if s, ok := schemaCache[tool]; ok {
		return s, nil
	}
	raw, ok := argumentSchemas[tool]
	if !ok {
		return nil, fmt.Errorf("no argument schema registered for tool %q", tool)
	}
	compiled, err := jsonschema.CompileString(string(tool)+".schema.json", raw)
	if err != nil {
		return nil, err
	}
	schemaCache[tool] = compiled
	return compiled, nil
}

// ValidateArguments checks args against tool's fixed JSON schema, per
// spec.md §4.2. Grounded on pkg/pluginsdk/validation.go's ValidateConfig:
// marshal then unmarshal through encoding/json so a Go-native
// map[string]any (which may hold literal ints, for example) normalizes to
// the float64/bool/string/nil shape jsonschema's type checks expect.
func ValidateArguments(tool ToolSpec, args map[string]any) error {
	schema, err := compiledSchema(tool)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}
