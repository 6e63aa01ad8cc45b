package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/conduit/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Path string `arg:"" optional:"" name:"config" help:"Configuration file path (defaults to --config)." placeholder:"PATH"`

	Format      string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

// ValidationError is one problem found in a configuration.
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type validationOutput struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	path := c.Path
	if path == "" {
		path = cli.Config
	}

	cfg, err := c.validate(path, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if c.PrintConfig {
		return c.printExpanded(os.Stdout, path, cfg)
	}
	c.printSuccess(os.Stdout, path, cfg)
	return nil
}

// validate loads path and reports every problem found.
func (c *ValidateCmd) validate(path string, stdout, stderr io.Writer) (*config.Config, error) {
	cfg, loader, err := config.LoadConfigFile(context.Background(), path)
	if err != nil {
		return nil, c.printFailure(stdout, stderr, path, err)
	}
	_ = loader.Close()
	return cfg, nil
}

func (c *ValidateCmd) printFailure(stdout, stderr io.Writer, file string, err error) error {
	problems := splitErrors(err)
	switch c.Format {
	case "json":
		out := validationOutput{File: file}
		for _, p := range problems {
			out.Errors = append(out.Errors, ValidationError{Type: "validation", Message: p})
		}
		_ = printJSON(stdout, out)
	case "verbose":
		fmt.Fprintf(stderr, "Configuration Validation Failed\n")
		fmt.Fprintf(stderr, "===============================\n\n")
		fmt.Fprintf(stderr, "File:    %s\n", file)
		for _, p := range problems {
			fmt.Fprintf(stderr, "  - %s\n", p)
		}
	default:
		for _, p := range problems {
			fmt.Fprintf(stderr, "%s: %s\n", file, p)
		}
	}
	return errors.New("invalid configuration")
}

func (c *ValidateCmd) printSuccess(w io.Writer, file string, cfg *config.Config) {
	switch c.Format {
	case "json":
		_ = printJSON(w, validationOutput{Valid: true, File: file})
	case "verbose":
		fmt.Fprintf(w, "Configuration Validation Successful\n")
		fmt.Fprintf(w, "===================================\n\n")
		fmt.Fprintf(w, "File:    %s\n", file)
		fmt.Fprintf(w, "Sources: %d\n", len(cfg.Sources))
		for _, s := range cfg.Sources {
			fmt.Fprintf(w, "  - %s (%s)\n", s.ID, s.Type)
		}
	default:
		fmt.Fprintf(w, "%s: valid (%d sources)\n", file, len(cfg.Sources))
	}
}

func (c *ValidateCmd) printExpanded(w io.Writer, file string, cfg *config.Config) error {
	if c.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	fmt.Fprintf(w, "# Expanded configuration from: %s\n", file)
	fmt.Fprintf(w, "# (defaults applied, env vars resolved)\n\n")
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config as YAML: %w", err)
	}
	return enc.Close()
}

// splitErrors flattens joined errors into one message per line.
func splitErrors(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
