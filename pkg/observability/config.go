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

package observability

import (
	"fmt"
	"time"
)

const (
	DefaultServiceName  = "conduit"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultSamplingRate = 1.0
	DefaultMetricsPath  = "/metrics"
	DefaultNamespace    = "conduit"
)

// Config configures tracing and metrics.
type Config struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter is "otlp" (gRPC) or "stdout".
	Exporter string `yaml:"exporter,omitempty" jsonschema:"enum=otlp,enum=stdout,default=otlp"`

	Endpoint string `yaml:"endpoint,omitempty" jsonschema:"default=localhost:4317"`

	// Insecure disables TLS towards the collector. Default: true.
	Insecure *bool `yaml:"insecure,omitempty"`

	Headers map[string]string `yaml:"headers,omitempty"`

	// SamplingRate is the fraction of root requests traced.
	SamplingRate float64 `yaml:"sampling_rate,omitempty" jsonschema:"minimum=0,maximum=1,default=1"`

	ServiceName    string `yaml:"service_name,omitempty" jsonschema:"default=conduit"`
	ServiceVersion string `yaml:"service_version,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty" jsonschema:"default=10s"`

	// DebugSpans is how many finished request spans stay inspectable over
	// the API. Zero disables the in-memory exporter.
	DebugSpans int `yaml:"debug_spans,omitempty" jsonschema:"minimum=0,default=2000"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the HTTP path metrics are served on.
	Endpoint string `yaml:"endpoint,omitempty" jsonschema:"default=/metrics"`

	Namespace string `yaml:"namespace,omitempty" jsonschema:"default=conduit"`

	ConstLabels map[string]string `yaml:"const_labels,omitempty"`

	// Runtime adds the Go runtime and process collectors.
	Runtime *bool `yaml:"runtime,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// SetDefaults applies default values.
func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = DefaultSamplingRate
	}
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultOTLPEndpoint
	}
	if c.Insecure == nil {
		insecure := true
		c.Insecure = &insecure
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.DebugSpans == 0 {
		c.DebugSpans = 2000
	}
}

// Validate checks the configuration.
func (c *TracingConfig) Validate() error {
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	if c.DebugSpans < 0 {
		return fmt.Errorf("debug_spans must not be negative")
	}
	switch c.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("invalid exporter %q (valid: otlp, stdout)", c.Exporter)
	}
	if c.Enabled && c.Exporter == "otlp" && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when tracing is enabled")
	}
	return nil
}

// IsInsecure reports whether the exporter skips TLS.
func (c *TracingConfig) IsInsecure() bool {
	if c.Insecure == nil {
		return true
	}
	return *c.Insecure
}

// SetDefaults applies default values.
func (c *MetricsConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultMetricsPath
	}
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Runtime == nil {
		on := true
		c.Runtime = &on
	}
}

// Validate checks the configuration.
func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when metrics are enabled")
	}
	if c.Endpoint != "" && c.Endpoint[0] != '/' {
		return fmt.Errorf("endpoint must start with '/', got %q", c.Endpoint)
	}
	return nil
}
