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

// Package mcpserver exposes the orchestrator as Model Context Protocol
// tools so assistants can query on-prem data over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
)

const (
	ToolQueryData   = "query_data"
	ToolListSources = "list_sources"
	ToolExplainPlan = "explain_plan"

	defaultTimeout = 60 * time.Second
)

// Service is the part of the orchestrator the tools call.
type Service interface {
	Run(ctx context.Context, question string, opts ...orchestrator.RunOption) *orchestrator.Run
	Explain(ctx context.Context, question string, opts ...orchestrator.RunOption) (*orchestrator.Plan, error)
	Sources(ctx context.Context, probe bool) []orchestrator.SourceStatus
}

type Option func(*Server)

func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithRequestTimeout bounds each tool call. Zero keeps the default.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

type Server struct {
	service Service
	version string
	timeout time.Duration
	mcp     *server.MCPServer
}

func New(service Service, opts ...Option) *Server {
	s := &Server{service: service, version: "dev", timeout: defaultTimeout}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = server.NewMCPServer("conduit", s.version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.mcp.AddTool(mcp.NewTool(ToolQueryData,
		mcp.WithDescription("Answer a natural-language question from the registered data sources. "+
			"Returns merged records, per-source errors and whether the answer is partial."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question, e.g. \"show orders from last week\"")),
		mcp.WithString("context", mcp.Description("Optional conversation context")),
	), s.queryData)
	s.mcp.AddTool(mcp.NewTool(ToolListSources,
		mcp.WithDescription("List registered data sources with their capabilities and circuit state."),
		mcp.WithBoolean("probe", mcp.Description("Health-check every source")),
	), s.listSources)
	s.mcp.AddTool(mcp.NewTool(ToolExplainPlan,
		mcp.WithDescription("Show which sources and steps would answer a question without querying anything."),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question to plan")),
	), s.explainPlan)
	return s
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio speaks MCP over in/out until ctx is done or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(io.Discard, "", 0))

	slog.Info("MCP server listening on stdio", "version", s.version)
	err := stdio.Listen(ctx, in, out)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp stdio: %w", err)
	}
	return nil
}

func (s *Server) queryData(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question is required"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var opts []orchestrator.RunOption
	if hint := req.GetString("context", ""); hint != "" {
		opts = append(opts, orchestrator.WithContextHint(hint))
	}

	run := s.service.Run(ctx, question, opts...)
	res, err := run.Wait()
	if err != nil {
		return failure(err, res), nil
	}
	return jsonResult(res)
}

func (s *Server) listSources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return jsonResult(map[string]any{"sources": s.service.Sources(ctx, req.GetBool("probe", false))})
}

func (s *Server) explainPlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	question, err := req.RequireString("question")
	if err != nil || strings.TrimSpace(question) == "" {
		return mcp.NewToolResultError("question is required"), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	plan, err := s.service.Explain(ctx, question)
	if err != nil {
		return failure(err, plan), nil
	}
	return jsonResult(plan)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// failure reports err as a tool error. Any partial body is appended so
// the caller still sees what was planned or fetched.
func failure(err error, partial any) *mcp.CallToolResult {
	var b strings.Builder
	b.WriteString(err.Error())

	var noSource *graph.NoSourceFoundError
	if errors.As(err, &noSource) && len(noSource.Unresolved) > 0 {
		fmt.Fprintf(&b, "\nunknown sources: %s", strings.Join(noSource.Unresolved, ", "))
	}
	if partial != nil {
		if data, mErr := json.MarshalIndent(partial, "", "  "); mErr == nil && string(data) != "null" {
			b.WriteString("\n")
			b.Write(data)
		}
	}
	return mcp.NewToolResultError(b.String())
}
