package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// SchemaFor reflects a parameter schema from a Go struct. Field names follow
// the json tags; `jsonschema:"..."` tags add descriptions and constraints.
func SchemaFor[T any]() json.RawMessage {
	r := &invopop.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	schema := r.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		return emptyObjectSchema
	}
	// Providers reject the meta-schema keywords on tool parameters.
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return emptyObjectSchema
	}
	delete(obj, "$schema")
	delete(obj, "$id")
	out, err := json.Marshal(obj)
	if err != nil {
		return emptyObjectSchema
	}
	return out
}

// schemaCache holds compiled parameter schemas keyed by their source text.
type schemaCache struct {
	compiled sync.Map
}

func (c *schemaCache) compile(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := c.compiled.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	c.compiled.Store(key, compiled)
	return compiled, nil
}

// validate checks input against the tool's parameter schema. Tools without
// a schema accept any JSON object.
func (c *schemaCache) validate(def string, schema, input json.RawMessage) error {
	var decoded any
	if len(input) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		return fmt.Errorf("input must be a JSON object")
	}
	if len(schema) == 0 {
		return nil
	}

	compiled, err := c.compile(def, schema)
	if err != nil {
		return fmt.Errorf("compile parameter schema: %w", err)
	}
	return compiled.Validate(decoded)
}
