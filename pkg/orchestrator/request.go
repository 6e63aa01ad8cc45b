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
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/classifier"
	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/resilience"
	"github.com/kadirpekel/conduit/pkg/scheduler"
	"github.com/kadirpekel/conduit/pkg/schemaindex"
)

// Reasons for sources ruled out by the metadata step.
const (
	rejectUnknown      = "unknown source"
	rejectUnregistered = "not registered"
	rejectTimeRange    = "does not support time ranges"
)

// request is the per-request state shared by the node executors. The
// metadata executor writes intent and resolution before any other node
// runs; later executors only read them.
type request struct {
	o          *Orchestrator
	id         string
	decision   classifier.Decision
	intent     *adapter.Intent
	resolution graph.Resolution
}

func (r *request) executors() scheduler.Executors {
	return scheduler.Executors{
		graph.KindMetadata:  r.traced(r.metadata),
		graph.KindFetch:     r.traced(r.fetch),
		graph.KindAggregate: r.traced(r.aggregate),
		graph.KindAnalyze:   r.traced(r.analyze),
	}
}

func (r *request) traced(fn scheduler.ExecutorFunc) scheduler.ExecutorFunc {
	return func(ctx context.Context, g *graph.Graph, n graph.Node) (graph.Result, error) {
		ctx, span := r.o.tracer.Start(ctx, "node."+string(n.Kind),
			trace.WithAttributes(
				attribute.String("conduit.request_id", r.id),
				attribute.String("conduit.node_id", n.ID),
				attribute.String("conduit.source_id", n.SourceID),
				attribute.Int("conduit.weight", n.Weight),
			))
		defer span.End()

		res, err := fn(ctx, g, n)
		span.SetAttributes(attribute.Int("conduit.records", len(res.Output)), attribute.Int("conduit.attempts", res.Attempts))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return res, err
	}
}

// metadata consults the schema index and checks the capabilities of the
// candidate sources.
func (r *request) metadata(ctx context.Context, _ *graph.Graph, _ graph.Node) (graph.Result, error) {
	r.resolution = r.o.resolve(ctx, r.decision.Tier, r.intent)
	return graph.Result{Attempts: 1}, nil
}

func (o *Orchestrator) resolve(ctx context.Context, tier classifier.Tier, in *adapter.Intent) graph.Resolution {
	res := graph.Resolution{Rejected: make(map[string]string)}
	needsData := in.Params.RequiresData() || tier == classifier.TierOverpowered

	var matches []schemaindex.Match
	if o.index != nil && needsData {
		var err error
		matches, err = o.index.Query(ctx, in.RawText, o.cfg.SchemaTopK)
		if err != nil {
			slog.Warn("Schema index lookup failed, routing on intent only", "error", err)
		}
	}

	if len(in.TargetSources) == 0 && len(in.Params.Unresolved) == 0 && needsData {
		for _, id := range o.indexCandidates(matches, in.Params.Correlate) {
			in.AddTarget(id)
		}
	}

	for _, m := range matches {
		if in.Targets(m.SourceID) {
			in.Hints = append(in.Hints, m.SchemaChunk)
		}
	}
	res.Chunks = in.Hints

	for _, name := range in.Params.Unresolved {
		res.Rejected[name] = rejectUnknown
	}
	for _, id := range in.TargetSources {
		d, ok := o.registry.Descriptor(id)
		switch {
		case !ok:
			res.Rejected[id] = rejectUnregistered
		case in.Params.TimeRange != nil && len(d.Capabilities) > 0 && !d.Has(adapter.CapabilityTimeRange):
			res.Rejected[id] = rejectTimeRange
		default:
			res.Sources = append(res.Sources, d)
		}
	}
	return res
}

// indexCandidates picks sources from schema matches: the best one, or
// every distinct one when the question correlates sources.
func (o *Orchestrator) indexCandidates(matches []schemaindex.Match, correlate bool) []string {
	var strong []schemaindex.Match
	for _, m := range matches {
		if m.Similarity >= o.cfg.IndexSourceThreshold {
			strong = append(strong, m)
		}
	}
	ids := schemaindex.Sources(strong)
	if len(ids) > 1 && !correlate {
		ids = ids[:1]
	}
	return ids
}

func (r *request) fetch(ctx context.Context, _ *graph.Graph, n graph.Node) (graph.Result, error) {
	a, release, err := r.o.registry.Acquire(n.SourceID)
	if err != nil {
		return graph.Result{}, err
	}
	defer release()

	call := resilience.Call{
		Dependency: n.SourceID,
		CacheKey:   resilience.CacheKey(n.SourceID, r.intent.Fingerprint()),
		Policy:     r.o.cfg.FetchRetry,
		Retryable:  adapter.IsRetryable,
		Trips:      tripsBreaker,
	}
	records, outcome, err := resilience.Execute(ctx, r.o.guard, call, func(ctx context.Context) ([]adapter.Record, error) {
		q, err := a.Translate(ctx, r.intent)
		if err != nil {
			return nil, err
		}
		slog.Debug("Translated query", "request_id", r.id, "source", n.SourceID, "kind", q.QueryKind())
		return a.Execute(ctx, q)
	})

	records = adapter.Cap(tag(records, n.SourceID), r.intent.Params.EffectiveLimit())
	return graph.Result{Output: records, Attempts: outcome.Attempts, FromCache: outcome.FromCache}, err
}

// tripsBreaker reports whether err counts against the source breaker.
// Translation errors do not.
func tripsBreaker(err error) bool {
	var translateErr *adapter.TranslationError
	return !errors.As(err, &translateErr)
}

// tag stamps records that came back without a source id. The slice is
// copied so cached results are never modified.
func tag(records []adapter.Record, sourceID string) []adapter.Record {
	if records == nil {
		return nil
	}
	out := slices.Clone(records)
	for i := range out {
		if out[i].SourceID == "" {
			out[i].SourceID = sourceID
		}
	}
	return out
}

func (r *request) aggregate(ctx context.Context, g *graph.Graph, n graph.Node) (graph.Result, error) {
	var merged []adapter.Record
	outputs := g.Outputs(n.Dependencies...)
	for _, out := range outputs {
		merged = append(merged, out...)
	}
	if err := ctx.Err(); err != nil {
		return graph.Result{}, err
	}
	if r.intent.Params.Correlate {
		merged = append(merged, correlate(outputs)...)
	}
	return graph.Result{Output: merged, Attempts: 1}, nil
}

func (r *request) analyze(ctx context.Context, g *graph.Graph, n graph.Node) (graph.Result, error) {
	var input []adapter.Record
	for _, out := range g.Outputs(n.Dependencies...) {
		input = append(input, out...)
	}

	call := resilience.Call{
		Dependency: "analyzer",
		Policy:     r.o.cfg.AnalysisRetry,
	}
	records, outcome, err := resilience.Execute(ctx, r.o.guard, call, func(ctx context.Context) ([]adapter.Record, error) {
		return r.o.analyzer.Analyze(ctx, r.intent.Params.Analysis, input)
	})
	if err != nil {
		err = fmt.Errorf("analysis %s: %w", r.intent.Params.Analysis, err)
	}
	return graph.Result{Output: records, Attempts: outcome.Attempts}, err
}
