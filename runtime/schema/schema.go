// Package schema validates a host-provided render context against a JSON
// Schema before the render starts, so scripts fail fast with a clear message
// instead of poisoning half a render on malformed input.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator wraps a compiled context schema.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile parses and compiles a JSON Schema document.
func Compile(schemaJSON []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("context.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("parsing context schema: %w", err)
	}

	compiled, err := compiler.Compile("context.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compiling context schema: %w", err)
	}
	return &Validator{schema: compiled}, nil
}

// ValidateContext checks the render context against the schema. The context
// is round-tripped through JSON so Go-native numbers validate the way the
// schema's author expects.
func (v *Validator) ValidateContext(context map[string]any) error {
	raw, err := json.Marshal(context)
	if err != nil {
		return fmt.Errorf("context is not JSON-representable: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}

	if err := v.schema.Validate(decoded); err != nil {
		return fmt.Errorf("render context rejected by schema: %w", err)
	}
	return nil
}
