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

package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/classifier"
)

// Well-known node ids.
const (
	MetadataNodeID  = "metadata"
	AggregateNodeID = "aggregate"
	AnalyzeNodeID   = "analyze"
)

// FetchNodeID returns the id of the fetch node for a source.
func FetchNodeID(sourceID string) string {
	return "fetch:" + sourceID
}

// Resolution is what the metadata node learned: the sources able to answer
// the question, the ones ruled out and why, and the schema chunks found.
type Resolution struct {
	Sources  []adapter.Descriptor  `json:"sources"`
	Rejected map[string]string     `json:"rejected,omitempty"`
	Chunks   []adapter.SchemaChunk `json:"-"`
}

// SourceIDs returns the resolved source ids.
func (r Resolution) SourceIDs() []string {
	ids := make([]string, len(r.Sources))
	for i, d := range r.Sources {
		ids[i] = d.ID
	}
	return ids
}

// NoSourceFoundError means no registered source can answer the question.
// The plan ends at the metadata node.
type NoSourceFoundError struct {
	Question   string
	Unresolved []string
	Rejected   map[string]string
}

func (e *NoSourceFoundError) Error() string {
	var b strings.Builder
	b.WriteString("no data source found for question")
	if len(e.Unresolved) > 0 {
		fmt.Fprintf(&b, "; unknown sources: %s", strings.Join(e.Unresolved, ", "))
	}
	if len(e.Rejected) > 0 {
		ids := make([]string, 0, len(e.Rejected))
		for id := range e.Rejected {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = id + " (" + e.Rejected[id] + ")"
		}
		fmt.Fprintf(&b, "; rejected: %s", strings.Join(parts, ", "))
	}
	return b.String()
}

// Builder compiles execution plans. It performs no I/O and holds no state,
// so equal inputs always produce equal graphs.
type Builder struct{}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Seed starts a plan with the metadata node every plan depends on.
func (b *Builder) Seed(requestID string) *Graph {
	g := New(requestID)
	_ = g.Add(Node{ID: MetadataNodeID, Kind: KindMetadata, Weight: WeightLookup})
	return g
}

// Expand adds the nodes that follow metadata, given what metadata resolved.
// A trivial request with no source and no need for data ends at metadata.
// Any other request without a source fails with *NoSourceFoundError.
func (b *Builder) Expand(g *Graph, tier classifier.Tier, in *adapter.Intent, res Resolution) error {
	sources := append([]adapter.Descriptor(nil), res.Sources...)
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })

	if len(sources) == 0 {
		if tier == classifier.TierTrivial && !in.Params.RequiresData() {
			return nil
		}
		return &NoSourceFoundError{
			Question:   in.RawText,
			Unresolved: in.Params.Unresolved,
			Rejected:   res.Rejected,
		}
	}

	fetches := make([]string, 0, len(sources))
	for _, d := range sources {
		id := FetchNodeID(d.ID)
		if err := g.Add(Node{
			ID:           id,
			Kind:         KindFetch,
			Dependencies: []string{MetadataNodeID},
			SourceID:     d.ID,
			Weight:       fetchWeight(d),
		}); err != nil {
			return err
		}
		fetches = append(fetches, id)
	}

	last := fetches[0]
	if len(fetches) > 1 {
		weight := WeightAggregation
		if in.Params.Correlate {
			weight = WeightJoin
		}
		if err := g.Add(Node{
			ID:           AggregateNodeID,
			Kind:         KindAggregate,
			Dependencies: fetches,
			Weight:       weight,
		}); err != nil {
			return err
		}
		last = AggregateNodeID
	}

	if in.Params.Analysis != "" {
		if err := g.Add(Node{
			ID:           AnalyzeNodeID,
			Kind:         KindAnalyze,
			Dependencies: []string{last},
			Weight:       WeightAggregation,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Build compiles the complete plan in one step, as used for plan previews.
func (b *Builder) Build(requestID string, tier classifier.Tier, in *adapter.Intent, res Resolution) (*Graph, error) {
	g := b.Seed(requestID)
	if err := b.Expand(g, tier, in, res); err != nil {
		return g, err
	}
	return g, nil
}

func fetchWeight(d adapter.Descriptor) int {
	if d.Has(adapter.CapabilityVector) || d.Has(adapter.CapabilitySimilarity) {
		return WeightSimilarity
	}
	return WeightLookup
}
