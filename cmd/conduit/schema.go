package main

import (
	"os"

	"github.com/kadirpekel/conduit/pkg/config"
)

// SchemaCmd prints the configuration JSON Schema. Editors use it for
// completion and validation of conduit.yaml.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run() error {
	if c.Compact {
		return writeCompact(os.Stdout, config.Schema())
	}
	return printJSON(os.Stdout, config.Schema())
}
