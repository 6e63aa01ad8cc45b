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


package ratelimit

import (
	"errors"
	"fmt"
)

// Config lists per-caller request quotas. No limits means unlimited.
type Config struct {
	Limits []Limit `yaml:"limits,omitempty"`
}

// Enabled reports whether any limit is configured.
func (c Config) Enabled() bool {
	return len(c.Limits) > 0
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[TimeWindow]bool, len(c.Limits))
	for i, l := range c.Limits {
		if l.Window.Duration() == 0 {
			errs = append(errs, fmt.Errorf("rate_limit.limits[%d]: unknown window %q (valid: minute, hour, day)", i, l.Window))
			continue
		}
		if l.Requests <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.limits[%d]: requests must be positive", i))
		}
		if seen[l.Window] {
			errs = append(errs, fmt.Errorf("rate_limit.limits[%d]: duplicate window %q", i, l.Window))
		}
		seen[l.Window] = true
	}
	return errors.Join(errs...)
}
