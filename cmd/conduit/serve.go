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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/conduit"
	"github.com/kadirpekel/conduit/pkg/auth"
	"github.com/kadirpekel/conduit/pkg/mcpserver"
	"github.com/kadirpekel/conduit/pkg/server"
)

// ServeCmd starts the HTTP API.
type ServeCmd struct {
	Address string `short:"a" help:"Listen address (overrides server.address)." placeholder:"HOST:PORT"`
	Watch   bool   `help:"Apply source changes when the configuration changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, loader, err := cli.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer loader.Close()
	defer rt.Close()

	cfg := rt.Config()
	serverCfg := cfg.Server
	if c.Address != "" {
		serverCfg.Address = c.Address
	}

	rt.Start(ctx)
	if c.Watch {
		watch(ctx, loader, rt)
	}

	opts := []server.Option{server.WithObservability(rt.Observability(), cfg.Observability.Metrics)}
	if rt.Index() != nil {
		opts = append(opts, server.WithReindex(func(ctx context.Context) error {
			_, err := rt.Reindex(ctx)
			return err
		}))
	}
	authn, err := auth.New(ctx, serverCfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to configure authentication: %w", err)
	}
	if authn != nil {
		opts = append(opts, server.WithAuthenticator(authn))
	}
	srv := server.New(serverCfg, rt.Orchestrator(), opts...)

	greenColor := "\033[38;2;16;185;129m"
	resetColor := "\033[0m"
	if !isTerminal(os.Stdout) {
		greenColor, resetColor = "", ""
	}
	fmt.Printf("\n%sConduit %s ready%s\n", greenColor, conduit.GetVersion().Version, resetColor)
	fmt.Printf("   Query:    POST http://%s/v1/query\n", displayAddr(serverCfg.Address))
	fmt.Printf("   Sources:  http://%s/v1/sources\n", displayAddr(serverCfg.Address))
	fmt.Printf("   Health:   http://%s/healthz\n", displayAddr(serverCfg.Address))
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:  http://%s%s\n", displayAddr(serverCfg.Address), cfg.Observability.Metrics.Endpoint)
	}
	fmt.Printf("   Sources registered: %d\n\n", rt.Registry().Len())

	return srv.Start(ctx)
}

// MCPCmd serves the MCP tools over stdin and stdout.
type MCPCmd struct {
	Watch bool `help:"Apply source changes when the configuration changes."`
}

func (c *MCPCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, loader, err := cli.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer loader.Close()
	defer rt.Close()

	rt.Start(ctx)
	if c.Watch {
		watch(ctx, loader, rt)
	}

	srv := mcpserver.New(rt.Orchestrator(),
		mcpserver.WithVersion(conduit.GetVersion().Version),
		mcpserver.WithRequestTimeout(rt.Config().Server.RequestTimeout),
	)
	return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
