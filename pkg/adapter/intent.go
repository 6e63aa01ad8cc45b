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

package adapter

import (
	"slices"
	"strings"
	"time"
)

// Analysis selects the statistical post-processing requested by a question.
type Analysis string

const (
	AnalysisNone     Analysis = ""
	AnalysisSummary  Analysis = "summary"
	AnalysisOutliers Analysis = "outliers"
)

// TimeRange is a half-open [From, To) window.
type TimeRange struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Label string    `json:"label,omitempty"`
}

// Contains reports whether t falls inside the window.
func (r *TimeRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	return !t.Before(r.From) && t.Before(r.To)
}

// Params are the recognized parameters extracted from a question. Zero
// values mean "not requested".
type Params struct {
	TimeRange  *TimeRange        `json:"time_range,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Correlate  bool              `json:"correlate,omitempty"`
	Analysis   Analysis          `json:"analysis,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
	Entities   []string          `json:"entities,omitempty"`
	Mentions   []string          `json:"mentions,omitempty"`
	Unresolved []string          `json:"unresolved,omitempty"`
	Terms      []string          `json:"terms,omitempty"`

	// Retrieval is set when the question asks to show, list, fetch or
	// count something.
	Retrieval bool `json:"retrieval,omitempty"`
}

// RequiresData reports whether the question needs records from some
// source. Unknown source names and bare time windows only count when the
// question also asks for retrieval, so "rewrite this in French" stays a
// pure text request.
func (p Params) RequiresData() bool {
	switch {
	case len(p.Mentions) > 0, len(p.Entities) > 0:
		return true
	case p.Retrieval && (len(p.Unresolved) > 0 || p.TimeRange != nil):
		return true
	default:
		return false
	}
}

// EffectiveLimit returns the record cap adapters must apply.
func (p Params) EffectiveLimit() int {
	switch {
	case p.Limit <= 0:
		return DefaultResultCap
	case p.Limit > MaxResultCap:
		return MaxResultCap
	default:
		return p.Limit
	}
}

// Intent is the per-request, never persisted description of a question.
type Intent struct {
	RawText       string        `json:"raw_text"`
	TargetSources []string      `json:"target_sources"`
	Params        Params        `json:"params"`
	Hints         []SchemaChunk `json:"-"`
}

// Targets reports whether id is one of the target sources.
func (i *Intent) Targets(id string) bool {
	_, found := slices.BinarySearch(i.TargetSources, id)
	return found
}

// AddTarget inserts id keeping TargetSources sorted and unique.
func (i *Intent) AddTarget(id string) {
	pos, found := slices.BinarySearch(i.TargetSources, id)
	if found {
		return
	}
	i.TargetSources = slices.Insert(i.TargetSources, pos, id)
}

// HintsFor returns the schema hints that belong to sourceID.
func (i *Intent) HintsFor(sourceID string) []SchemaChunk {
	var out []SchemaChunk
	for _, h := range i.Hints {
		if h.SourceID == sourceID {
			out = append(out, h)
		}
	}
	return out
}

// Fingerprint normalizes the question text for cache keys.
func (i *Intent) Fingerprint() string {
	return strings.ToLower(strings.Join(strings.Fields(i.RawText), " "))
}

// Words returns the entities and terms, the vocabulary adapters use to pick
// a table, collection or endpoint.
func (i *Intent) Words() []string {
	words := make([]string, 0, len(i.Params.Entities)+len(i.Params.Terms))
	words = append(words, i.Params.Entities...)
	words = append(words, i.Params.Terms...)
	return words
}
