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
	"fmt"
	"time"
)

// TimeWindow is a fixed quota window.
type TimeWindow string

const (
	WindowMinute TimeWindow = "minute"
	WindowHour   TimeWindow = "hour"
	WindowDay    TimeWindow = "day"
)

// Duration returns the length of the window.
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Scope says what kind of caller an identifier names.
type Scope string

const (
	// ScopeSubject is an authenticated principal.
	ScopeSubject Scope = "subject"
	// ScopeClient is an anonymous client address.
	ScopeClient Scope = "client"
)

// Limit allows Requests per Window.
type Limit struct {
	Window   TimeWindow `yaml:"window" jsonschema:"enum=minute,enum=hour,enum=day"`
	Requests int64      `yaml:"requests"`
}

// Usage is the state of one limit for one caller.
type Usage struct {
	Window    TimeWindow `json:"window"`
	Current   int64      `json:"current"`
	Limit     int64      `json:"limit"`
	Remaining int64      `json:"remaining"`
	WindowEnd time.Time  `json:"window_end"`
}

func (u Usage) fraction() float64 {
	return float64(u.Current) / float64(u.Limit)
}

// CheckResult is the outcome of Allow.
type CheckResult struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason,omitempty"`
	Usages     []Usage       `json:"usages"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Tightest returns the usage closest to its limit.
func (r *CheckResult) Tightest() (Usage, bool) {
	var best Usage
	found := false
	for _, u := range r.Usages {
		if !found || u.fraction() > best.fraction() {
			best, found = u, true
		}
	}
	return best, found
}

func exceeded(u Usage) string {
	return fmt.Sprintf("request limit exceeded for %s window (%d/%d)", u.Window, u.Current, u.Limit)
}
