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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/stream"
)

// AskCmd answers one question and prints the merged records.
type AskCmd struct {
	Question []string      `arg:"" help:"The question." placeholder:"QUESTION"`
	Context  string        `help:"Conversation context passed to the classifier."`
	Stream   bool          `short:"s" help:"Print progress events to stderr as they happen."`
	Output   string        `short:"o" help:"Output format: table, json." default:"table" enum:"table,json"`
	Timeout  time.Duration `help:"Request deadline." default:"60s"`
}

func (c *AskCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	rt, loader, err := cli.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer loader.Close()
	defer rt.Close()
	if idx := rt.Index(); idx != nil && idx.Count() == 0 {
		slog.Debug("Schema index is empty, run 'conduit index' to enable schema hints")
	}

	var opts []orchestrator.RunOption
	if c.Context != "" {
		opts = append(opts, orchestrator.WithContextHint(c.Context))
	}

	run := rt.Orchestrator().Run(ctx, strings.Join(c.Question, " "), opts...)
	if c.Stream {
		for ev := range run.Events() {
			if ev.Type != stream.TypeFinal {
				printEvent(os.Stderr, ev)
			}
		}
	}
	res, err := run.Wait()

	if c.Output == "json" {
		if encErr := printJSON(os.Stdout, res); encErr != nil {
			return encErr
		}
	} else if res != nil {
		printResult(os.Stdout, res)
	}
	return explainError(err)
}

// ExplainCmd prints the plan for a question.
type ExplainCmd struct {
	Question []string `arg:"" help:"The question." placeholder:"QUESTION"`
	Context  string   `help:"Conversation context passed to the classifier."`
	Output   string   `short:"o" help:"Output format: tree, json." default:"tree" enum:"tree,json"`
}

func (c *ExplainCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, loader, err := cli.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer loader.Close()
	defer rt.Close()

	var opts []orchestrator.RunOption
	if c.Context != "" {
		opts = append(opts, orchestrator.WithContextHint(c.Context))
	}
	plan, err := rt.Orchestrator().Explain(ctx, strings.Join(c.Question, " "), opts...)
	if plan != nil {
		if c.Output == "json" {
			if encErr := printJSON(os.Stdout, plan); encErr != nil {
				return encErr
			}
		} else {
			printPlan(os.Stdout, plan)
		}
	}
	return explainError(err)
}

// SourcesCmd lists the configured sources.
type SourcesCmd struct {
	Probe  bool   `short:"p" help:"Health-check every source."`
	Output string `short:"o" help:"Output format: table, json." default:"table" enum:"table,json"`
}

func (c *SourcesCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, loader, err := cli.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer loader.Close()
	defer rt.Close()

	sources := rt.Orchestrator().Sources(ctx, c.Probe)
	if c.Output == "json" {
		return printJSON(os.Stdout, sources)
	}
	printSources(os.Stdout, sources)
	return nil
}

// IndexCmd introspects every source into the schema index.
type IndexCmd struct {
	Output string `short:"o" help:"Output format: table, json." default:"table" enum:"table,json"`
}

func (c *IndexCmd) Run(cli *CLI) error {
	ctx := context.Background()
	rt, loader, err := cli.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer loader.Close()
	defer rt.Close()

	report, err := rt.Reindex(ctx)
	if c.Output == "json" {
		if encErr := printJSON(os.Stdout, report); encErr != nil {
			return encErr
		}
	} else {
		printReport(os.Stdout, report)
	}
	if err != nil {
		return err
	}
	if path := rt.Config().Index.PersistPath; path == "" {
		fmt.Fprintln(os.Stderr, "note: index.persist_path is not set, the index is discarded on exit")
	}
	return nil
}

// explainError turns orchestrator errors into short CLI messages.
func explainError(err error) error {
	if err == nil {
		return nil
	}
	var noSource *graph.NoSourceFoundError
	if errors.As(err, &noSource) {
		if len(noSource.Unresolved) > 0 {
			return fmt.Errorf("no configured source matches %s", strings.Join(noSource.Unresolved, ", "))
		}
		return errors.New("no configured source can answer this question")
	}
	return err
}
