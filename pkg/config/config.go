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

// Package config loads the conduit configuration: server and logging
// settings, the classifier, orchestrator and index tuning, and the list of
// data sources.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/auth"
	"github.com/kadirpekel/conduit/pkg/classifier"
	"github.com/kadirpekel/conduit/pkg/observability"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/ratelimit"
	"github.com/kadirpekel/conduit/pkg/schemaindex"
	"github.com/kadirpekel/conduit/pkg/stream"
)

// Config is the root configuration.
type Config struct {
	Version string `yaml:"version,omitempty"`

	Logger        LoggerConfig         `yaml:"logger,omitempty"`
	Server        ServerConfig         `yaml:"server,omitempty"`
	Observability observability.Config `yaml:"observability,omitempty"`
	Classifier    classifier.Config    `yaml:"classifier,omitempty"`
	Orchestrator  orchestrator.Config  `yaml:"orchestrator,omitempty"`
	Index         IndexConfig          `yaml:"index,omitempty"`
	Stream        StreamConfig         `yaml:"stream,omitempty"`

	Sources []SourceConfig `yaml:"sources" jsonschema:"required"`
}

// LoggerConfig configures pkg/logger.
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
	Format string `yaml:"format,omitempty" jsonschema:"enum=simple,enum=verbose,enum=json,default=simple"`

	// File redirects logs away from stderr.
	File string `yaml:"file,omitempty"`
}

// SetDefaults fills unset fields.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate checks the configuration.
func (c *LoggerConfig) Validate() error {
	switch c.Format {
	case "simple", "verbose", "json":
		return nil
	default:
		return fmt.Errorf("logger: unknown format %q (valid: simple, verbose, json)", c.Format)
	}
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address string `yaml:"address,omitempty" jsonschema:"default=:8080"`

	ReadTimeout time.Duration `yaml:"read_timeout,omitempty" jsonschema:"default=15s"`

	// RequestTimeout bounds one question, streamed or not.
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" jsonschema:"default=60s"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty" jsonschema:"default=10s"`

	// Auth guards the /v1 routes. Unset means open.
	Auth auth.Config `yaml:"auth,omitempty"`

	// RateLimit sets per-caller quotas on the /v1 routes.
	RateLimit ratelimit.Config `yaml:"rate_limit,omitempty"`

	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// SetDefaults fills unset fields.
func (c *ServerConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	c.Auth.SetDefaults()
}

// IndexConfig configures the schema index and its refresh loop.
type IndexConfig struct {
	Disabled bool `yaml:"disabled,omitempty"`

	// RefreshInterval is how often sources are re-introspected.
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" jsonschema:"default=10m"`

	schemaindex.Config `yaml:",inline"`
}

// SetDefaults fills unset fields.
func (c *IndexConfig) SetDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 10 * time.Minute
	}
	c.Config.SetDefaults()
}

// StreamConfig configures event fan-out beyond the caller's own stream.
type StreamConfig struct {
	NATS *stream.NATSConfig `yaml:"nats,omitempty"`
}

// SourceConfig declares one data source.
type SourceConfig struct {
	ID string `yaml:"id" jsonschema:"required"`

	// Type is the adapter scheme, for example postgres, mongodb, shiprocket
	// or plugin.
	Type string `yaml:"type" jsonschema:"required"`

	Capabilities []string `yaml:"capabilities,omitempty"`
	Aliases      []string `yaml:"aliases,omitempty"`
	Entities     []string `yaml:"entities,omitempty"`

	// Concurrency overrides the scheduler's per-scheme limit.
	Concurrency int `yaml:"concurrency,omitempty" jsonschema:"minimum=0"`

	// Timeout overrides the fetch timeout.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// Connection is handed to the adapter unchanged.
	Connection map[string]any `yaml:"connection,omitempty"`
}

var knownCapabilities = []adapter.Capability{
	adapter.CapabilityRelational,
	adapter.CapabilityDocument,
	adapter.CapabilityVector,
	adapter.CapabilitySpreadsheet,
	adapter.CapabilityPayments,
	adapter.CapabilityLogistics,
	adapter.CapabilityTimeRange,
	adapter.CapabilitySimilarity,
}

// Validate checks the source declaration.
func (s *SourceConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(s.ID, " \t/") {
		return fmt.Errorf("source %q: id must not contain spaces or slashes", s.ID)
	}
	if s.Type == "" {
		return fmt.Errorf("source %q: type is required", s.ID)
	}
	for _, c := range s.Capabilities {
		if !slices.Contains(knownCapabilities, adapter.Capability(strings.ToLower(c))) {
			return fmt.Errorf("source %q: unknown capability %q", s.ID, c)
		}
	}
	if s.Concurrency < 0 {
		return fmt.Errorf("source %q: concurrency must not be negative", s.ID)
	}
	return nil
}

// Descriptor converts the declaration into an adapter descriptor.
func (s *SourceConfig) Descriptor() adapter.Descriptor {
	caps := make([]adapter.Capability, 0, len(s.Capabilities))
	for _, c := range s.Capabilities {
		caps = append(caps, adapter.Capability(strings.ToLower(c)))
	}
	return adapter.Descriptor{
		ID:           s.ID,
		Scheme:       strings.ToLower(s.Type),
		Capabilities: caps,
		Aliases:      s.Aliases,
		Entities:     s.Entities,
		Concurrency:  s.Concurrency,
		Timeout:      s.Timeout,
		Connection:   s.Connection,
	}.Clone()
}

// SetDefaults applies default values to every block.
func (c *Config) SetDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}
	c.Logger.SetDefaults()
	c.Server.SetDefaults()
	c.Observability.SetDefaults()
	c.Classifier.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Index.SetDefaults()
	if c.Stream.NATS != nil {
		c.Stream.NATS.SetDefaults()
	}
}

// Validate checks every block and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := c.Server.RateLimit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := c.Observability.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("observability: %w", err))
	}
	if err := c.Classifier.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := c.Index.Embedder.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("index: %w", err))
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sources[%d]: %w", i, err))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
	}
	return errors.Join(errs...)
}

// Descriptors returns the source descriptors in declaration order.
func (c *Config) Descriptors() []adapter.Descriptor {
	out := make([]adapter.Descriptor, 0, len(c.Sources))
	for i := range c.Sources {
		out = append(out, c.Sources[i].Descriptor())
	}
	return out
}

// Source returns the declaration with the given id.
func (c *Config) Source(id string) (*SourceConfig, bool) {
	for i := range c.Sources {
		if c.Sources[i].ID == id {
			return &c.Sources[i], true
		}
	}
	return nil, false
}
