package main

import (
	"encoding/json"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/modelrelay/relay/pkg/config"
)

// SchemaCmd generates a JSON Schema for the gateway configuration. Output is
// written to stdout so it can be redirected into docs or tooling.
type SchemaCmd struct {
	Compact bool `short:"C" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://modelrelay.dev/schemas/config.json"
	schema.Title = "Relay Configuration Schema"
	schema.Description = "Configuration schema for the relay LLM gateway"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(schema)
}
