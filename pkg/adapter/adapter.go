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

// Package adapter defines the uniform contract every backend implements and
// the registry that maps source identifiers to adapter instances.
//
// An adapter translates a Query Intent into a backend-specific query,
// executes it and normalizes the result into Records. Connection pools and
// credential caches are private to the adapter instance.
package adapter

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Capability names a kind of question a source can answer.
type Capability string

const (
	CapabilityRelational  Capability = "relational"
	CapabilityDocument    Capability = "document"
	CapabilityVector      Capability = "vector"
	CapabilitySpreadsheet Capability = "spreadsheet"
	CapabilityPayments    Capability = "payments"
	CapabilityLogistics   Capability = "logistics"
	CapabilityTimeRange   Capability = "time_range"
	CapabilitySimilarity  Capability = "similarity"
)

const (
	// DefaultResultCap bounds Execute when the intent does not ask for more.
	DefaultResultCap = 500

	// MaxResultCap is the ceiling even for explicit "all" requests.
	MaxResultCap = 10000
)

// Descriptor identifies a registered source. It is immutable once the
// registry owns it; callers always receive copies.
type Descriptor struct {
	ID           string         `json:"id"`
	Scheme       string         `json:"scheme"`
	Capabilities []Capability   `json:"capabilities,omitempty"`
	Aliases      []string       `json:"aliases,omitempty"`
	Entities     []string       `json:"entities,omitempty"`
	Concurrency  int            `json:"concurrency,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
	Connection   map[string]any `json:"-"`
}

// Has reports whether the source declares capability c.
func (d Descriptor) Has(c Capability) bool {
	return slices.Contains(d.Capabilities, c)
}

// Names returns the id and aliases, lower-cased.
func (d Descriptor) Names() []string {
	names := make([]string, 0, len(d.Aliases)+1)
	names = append(names, strings.ToLower(d.ID))
	for _, a := range d.Aliases {
		names = append(names, strings.ToLower(a))
	}
	return names
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Capabilities = slices.Clone(d.Capabilities)
	out.Aliases = slices.Clone(d.Aliases)
	out.Entities = slices.Clone(d.Entities)
	out.Connection = cloneMap(d.Connection)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}

// BackendQuery is the adapter-defined query representation. The
// orchestrator never inspects it.
type BackendQuery interface {
	QueryKind() string
}

// SchemaChunk describes one queryable entity of a source.
type SchemaChunk struct {
	ID       string            `json:"id"`
	SourceID string            `json:"source_id"`
	Entity   string            `json:"entity"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Adapter is the contract every backend implements.
type Adapter interface {
	// Descriptor returns the source descriptor.
	Descriptor() Descriptor

	// Translate maps the intent to a backend query. It must not perform I/O
	// beyond read-only schema introspection and fails with *TranslationError
	// when the intent is outside the source's capabilities.
	Translate(ctx context.Context, intent *Intent) (BackendQuery, error)

	// Execute runs the query. Results are capped at the intent's effective
	// limit. Failures are reported as *ExecutionError.
	Execute(ctx context.Context, query BackendQuery) ([]Record, error)

	// Introspect describes the queryable entities of the source.
	Introspect(ctx context.Context) ([]SchemaChunk, error)

	// HealthCheck is a cheap liveness probe.
	HealthCheck(ctx context.Context) bool
}
