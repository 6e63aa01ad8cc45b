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
	"context"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/classifier"
)

// Plan is a dry run of a question: how it was classified and which graph
// would execute. No source is queried.
type Plan struct {
	Question       string                `json:"question"`
	Classification classifier.Decision   `json:"classification"`
	Intent         *adapter.Intent       `json:"intent"`
	Sources        []string              `json:"sources"`
	Rejected       map[string]string     `json:"rejected,omitempty"`
	Hints          []adapter.SchemaChunk `json:"hints,omitempty"`
	Nodes          []NodeSummary         `json:"nodes"`
	Passthrough    bool                  `json:"passthrough,omitempty"`
}

// Explain plans question without executing it. A *graph.NoSourceFoundError
// is returned together with the partial plan.
func (o *Orchestrator) Explain(ctx context.Context, question string, opts ...RunOption) (*Plan, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	decision := o.classifier.Classify(ctx, classifier.Request{Text: question, ContextHint: ro.contextHint})
	in := o.extractor.Extract(question, o.registry.List())
	res := o.resolve(ctx, decision.Tier, in)

	g, err := o.builder.Build("explain", decision.Tier, in, res)
	plan := &Plan{
		Question:       question,
		Classification: decision,
		Intent:         in,
		Sources:        res.SourceIDs(),
		Rejected:       res.Rejected,
		Hints:          res.Chunks,
		Nodes:          summarize(g),
		Passthrough:    err == nil && g.Len() == 1,
	}
	if len(plan.Rejected) == 0 {
		plan.Rejected = nil
	}
	return plan, err
}
