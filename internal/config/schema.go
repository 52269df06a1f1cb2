package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

const schemaID = "https://github.com/haasonsaas/codeloop/codeloop.schema.json"

// durationPattern matches Go duration strings such as "90s" or "1h30m".
const durationPattern = `^-?([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema of the configuration file, as printed
// by `codeloop config schema` for editor completion.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:              "yaml",
			ExpandedStruct:            true,
			AllowAdditionalProperties: false,
			Mapper:                    mapType,
		}
		schema := r.Reflect(&Config{})
		schema.ID = schemaID
		schema.Title = "codeloop configuration"
		if v, ok := schema.Properties.Get("version"); ok {
			v.Const = CurrentVersion
		}
		// $include is resolved before decoding and never reaches Config.
		schema.Properties.Set(includeKey, &jsonschema.Schema{
			OneOf: []*jsonschema.Schema{
				{Type: "string"},
				{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
			},
			Description: "Files merged beneath this one, relative to it",
		})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// mapType describes durations as the strings YAML accepts for them.
func mapType(t reflect.Type) *jsonschema.Schema {
	if t == reflect.TypeOf(time.Duration(0)) {
		return &jsonschema.Schema{Type: "string", Pattern: durationPattern}
	}
	return nil
}
