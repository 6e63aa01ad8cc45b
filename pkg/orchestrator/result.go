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

package orchestrator

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/classifier"
	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/resilience"
)

// FinalResult is the outcome of a request and the payload of its final
// event.
type FinalResult struct {
	RequestID      string              `json:"request_id"`
	Question       string              `json:"question"`
	Tier           classifier.Tier     `json:"tier"`
	Classification classifier.Decision `json:"classification"`
	Intent         *adapter.Intent     `json:"intent,omitempty"`

	Records []adapter.Record `json:"records"`

	// Partial is set when any source or step failed or degraded.
	Partial bool `json:"partial"`

	// Passthrough is set when the request needs no data access and the
	// caller handles it as a pure text request.
	Passthrough bool `json:"passthrough,omitempty"`

	Errors   []ErrorDescriptor `json:"errors,omitempty"`
	Nodes    []NodeSummary     `json:"nodes"`
	Duration time.Duration     `json:"duration_ns"`
}

// Sources returns the distinct source ids among the records, in order of
// first appearance. Derived records without a source are skipped.
func (r *FinalResult) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rec := range r.Records {
		if rec.SourceID != "" && !seen[rec.SourceID] {
			seen[rec.SourceID] = true
			out = append(out, rec.SourceID)
		}
	}
	return out
}

// ErrorDescriptor names one failed or degraded source or step.
type ErrorDescriptor struct {
	NodeID    string       `json:"node_id"`
	Kind      graph.Kind   `json:"kind"`
	SourceID  string       `json:"source_id,omitempty"`
	Status    graph.Status `json:"status"`
	Reason    string       `json:"reason"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
	Attempts  int          `json:"attempts,omitempty"`
	FromCache bool         `json:"from_cache,omitempty"`
}

// NodeSummary is the final state of one plan node.
type NodeSummary struct {
	ID           string       `json:"id"`
	Kind         graph.Kind   `json:"kind"`
	SourceID     string       `json:"source_id,omitempty"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Weight       int          `json:"weight"`
	Status       graph.Status `json:"status"`
	Reason       string       `json:"reason,omitempty"`
	Records      int          `json:"records"`
	DurationMs   int64        `json:"duration_ms"`
}

// RequestFailedError means every implicated source branch failed, so there
// is no data to return.
type RequestFailedError struct {
	RequestID string
	Failures  []ErrorDescriptor
}

func (e *RequestFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Kind != graph.KindFetch && f.Kind != graph.KindMetadata {
			continue
		}
		name := f.SourceID
		if name == "" {
			name = f.NodeID
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, f.Reason))
	}
	return fmt.Sprintf("request %s failed: no source returned data (%s)", e.RequestID, strings.Join(parts, "; "))
}

// assemble builds the final result from a finished graph. It returns a
// *RequestFailedError when fetches were planned and none contributed.
func assemble(res *FinalResult, g *graph.Graph) error {
	nodes := g.Nodes()
	res.Nodes = make([]NodeSummary, len(nodes))

	var (
		fetches      int
		contributing int
		aggregated   []adapter.Record
		aggregateOK  bool
		fetched      []adapter.Record
		analysis     []adapter.Record
	)

	for i, n := range nodes {
		res.Nodes[i] = NodeSummary{
			ID:           n.ID,
			Kind:         n.Kind,
			SourceID:     n.SourceID,
			Dependencies: n.Dependencies,
			Weight:       n.Weight,
			Status:       n.Status,
			Reason:       n.Reason,
			Records:      len(n.Output),
			DurationMs:   n.Duration().Milliseconds(),
		}

		if n.Status == graph.StatusFailed || n.Status == graph.StatusDegraded || !n.Status.Terminal() {
			res.Errors = append(res.Errors, describe(n))
		}

		switch n.Kind {
		case graph.KindFetch:
			fetches++
			if n.Status == graph.StatusDone || (n.Status == graph.StatusDegraded && n.FromCache) {
				contributing++
				fetched = append(fetched, n.Output...)
			}
		case graph.KindAggregate:
			if n.Status == graph.StatusDone {
				aggregateOK = true
				aggregated = n.Output
			}
		case graph.KindAnalyze:
			if n.Status == graph.StatusDone {
				analysis = n.Output
			}
		}
	}

	if aggregateOK {
		res.Records = append(res.Records, aggregated...)
	} else {
		res.Records = append(res.Records, fetched...)
	}
	res.Records = append(res.Records, analysis...)
	if res.Records == nil {
		res.Records = []adapter.Record{}
	}
	res.Partial = len(res.Errors) > 0

	if fetches > 0 && contributing == 0 {
		return &RequestFailedError{RequestID: res.RequestID, Failures: res.Errors}
	}
	return nil
}

func describe(n graph.Node) ErrorDescriptor {
	d := ErrorDescriptor{
		NodeID:    n.ID,
		Kind:      n.Kind,
		SourceID:  n.SourceID,
		Status:    n.Status,
		Reason:    n.Reason,
		Attempts:  n.Attempts,
		FromCache: n.FromCache,
	}
	if !n.Status.Terminal() {
		d.Reason = "not_reached"
	}
	if n.Err != nil {
		d.Message = n.Err.Error()
		d.Retryable = adapter.IsRetryable(n.Err) || resilience.IsCircuitOpen(n.Err) ||
			n.Reason == graph.ReasonTimeout
	} else {
		d.Message = d.Reason
	}
	return d
}

// rejections describes the sources the metadata step ruled out.
func rejections(rejected map[string]string) []ErrorDescriptor {
	ids := make([]string, 0, len(rejected))
	for id := range rejected {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]ErrorDescriptor, len(ids))
	for i, id := range ids {
		out[i] = ErrorDescriptor{
			NodeID:   graph.MetadataNodeID,
			Kind:     graph.KindMetadata,
			SourceID: id,
			Status:   graph.StatusFailed,
			Reason:   "source_rejected",
			Message:  fmt.Sprintf("%s: %s", id, rejected[id]),
		}
	}
	return out
}
