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

package scheduler

import (
	"fmt"
	"time"
)

// DefaultBudget is the summed node weight allowed per batch.
const DefaultBudget = 8

// Timeouts are the per-kind node deadlines.
type Timeouts struct {
	Metadata  time.Duration `yaml:"metadata,omitempty" jsonschema:"default=500ms"`
	Fetch     time.Duration `yaml:"fetch,omitempty" jsonschema:"default=10s"`
	Aggregate time.Duration `yaml:"aggregate,omitempty" jsonschema:"default=2s"`
	Analyze   time.Duration `yaml:"analyze,omitempty" jsonschema:"default=30s"`
}

// SetDefaults fills unset timeouts.
func (t *Timeouts) SetDefaults() {
	if t.Metadata <= 0 {
		t.Metadata = 500 * time.Millisecond
	}
	if t.Fetch <= 0 {
		t.Fetch = 10 * time.Second
	}
	if t.Aggregate <= 0 {
		t.Aggregate = 2 * time.Second
	}
	if t.Analyze <= 0 {
		t.Analyze = 30 * time.Second
	}
}

// Config configures the scheduler.
type Config struct {
	// Budget caps the summed weight of one batch.
	Budget int `yaml:"budget,omitempty" jsonschema:"minimum=1,default=8"`

	// DefaultConcurrency applies to sources whose scheme has no entry in
	// SchemeConcurrency and whose descriptor sets none.
	DefaultConcurrency int `yaml:"default_concurrency,omitempty" jsonschema:"default=4"`

	// SchemeConcurrency overrides the per-scheme defaults.
	SchemeConcurrency map[string]int `yaml:"scheme_concurrency,omitempty"`

	Timeouts Timeouts `yaml:"timeouts,omitempty"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 4
	}
	merged := make(map[string]int, len(schemeDefaults)+len(c.SchemeConcurrency))
	for k, v := range schemeDefaults {
		merged[k] = v
	}
	for k, v := range c.SchemeConcurrency {
		merged[k] = v
	}
	c.SchemeConcurrency = merged
	c.Timeouts.SetDefaults()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Budget < 1 {
		return fmt.Errorf("scheduler: budget must be at least 1")
	}
	for scheme, n := range c.SchemeConcurrency {
		if n < 1 {
			return fmt.Errorf("scheduler: concurrency for scheme %q must be at least 1", scheme)
		}
	}
	return nil
}

// schemeDefaults reflect what each kind of backend tolerates: rate limited
// third-party APIs get little, internal databases get more, sqlite and
// workbooks are single-writer files.
var schemeDefaults = map[string]int{
	"postgres":    8,
	"mysql":       8,
	"sqlite":      1,
	"mongodb":     8,
	"qdrant":      4,
	"pinecone":    2,
	"rest":        4,
	"shiprocket":  2,
	"payu":        2,
	"spreadsheet": 1,
	"plugin":      2,
}
