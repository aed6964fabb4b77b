package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of Config, as printed by the schema command
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "exportbridge config file"
	schema.Description = "Configuration of an export bridge node"
	return json.MarshalIndent(schema, "", "  ")
}
