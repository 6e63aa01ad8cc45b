// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command conduit answers natural-language questions from on-prem data
// sources.
//
// Usage:
//
//	conduit serve --config conduit.yaml --watch
//	conduit ask --config conduit.yaml "show orders from last week"
//	conduit explain "compare shipments in Shiprocket with payments in PayU"
//	conduit mcp --config conduit.yaml
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/conduit"
	"github.com/kadirpekel/conduit/pkg/config"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP API."`
	Ask      AskCmd      `cmd:"" help:"Answer a question from the configured sources."`
	Explain  ExplainCmd  `cmd:"" help:"Show how a question would be answered without querying anything."`
	Sources  SourcesCmd  `cmd:"" help:"List configured sources and their circuit state."`
	Index    IndexCmd    `cmd:"" help:"Introspect every source into the schema index."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON Schema."`
	MCP      MCPCmd      `cmd:"" name:"mcp" help:"Serve MCP tools over stdio."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config          string   `short:"c" help:"Config file path, or key for remote providers." env:"CONDUIT_CONFIG" default:"conduit.yaml"`
	ConfigProvider  string   `name:"config-provider" help:"Config provider (file, consul, etcd, zookeeper)." env:"CONDUIT_CONFIG_PROVIDER" default:"file"`
	ConfigEndpoints []string `name:"config-endpoints" help:"Key/value store endpoints." sep:"," placeholder:"HOST:PORT"`
	ConfigToken     string   `name:"config-token" help:"Key/value store token." env:"CONDUIT_CONFIG_TOKEN"`

	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)."`

	logOverridden bool
	cleanups      []func()
}

// VersionCmd shows version information.
type VersionCmd struct {
	JSON bool `help:"Print as JSON."`
}

func (c *VersionCmd) Run() error {
	info := conduit.GetVersion()
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Println(info.String())
	return nil
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("conduit"),
		kong.Description("Conduit - natural-language access to on-prem data"),
		kong.UsageOnError(),
	)

	if err := cli.initLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	err := ctx.Run(&cli)
	cli.close()
	ctx.FatalIfErrorf(err)
}

func (c *CLI) close() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}
