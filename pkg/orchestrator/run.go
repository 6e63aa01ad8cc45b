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
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/classifier"
	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/stream"
)

// Final event statuses.
const (
	FinalDone    = "done"
	FinalPartial = "partial"
	FinalFailed  = "failed"
)

// FinalPayload is the payload of the final event.
type FinalPayload struct {
	Result *FinalResult `json:"result"`
	Error  string       `json:"error,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// RunOption configures a single request.
type RunOption func(*runOptions)

type runOptions struct {
	contextHint string
}

// WithContextHint passes conversation context to the classifier.
func WithContextHint(hint string) RunOption {
	return func(o *runOptions) { o.contextHint = hint }
}

// Run is an in-flight request. Events may be consumed while it runs; Wait
// returns the final result.
type Run struct {
	ID string

	stream     *stream.Coordinator
	cancel     context.CancelFunc
	done       chan struct{}
	result     *FinalResult
	err        error
	subscribed atomic.Bool
}

// Events returns the progress stream. The final event is the last one and
// the channel is closed after it.
func (r *Run) Events() <-chan stream.Event {
	r.subscribed.Store(true)
	return r.stream.Events()
}

// All iterates over the progress stream.
func (r *Run) All() iter.Seq[stream.Event] {
	r.subscribed.Store(true)
	return r.stream.All()
}

// Cancel aborts the request. Running nodes observe the cancellation and
// pending ones are marked failed with reason cancelled.
func (r *Run) Cancel() { r.cancel() }

// Done is closed when the request has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the request finishes. The result is non-nil even when
// err is set, and lists every failed or degraded step.
func (r *Run) Wait() (*FinalResult, error) {
	if !r.subscribed.Load() {
		r.stream.Detach()
	}
	<-r.done
	return r.result, r.err
}

// Run starts answering question and returns immediately.
func (o *Orchestrator) Run(ctx context.Context, question string, opts ...RunOption) *Run {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	id := o.newID()
	ctx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:     id,
		stream: stream.New(id, stream.WithSinks(o.sinks...)),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer cancel()
		defer close(run.done)
		run.result, run.err = o.execute(ctx, id, question, ro, run.stream)
	}()
	return run
}

// Ask runs question to completion without consuming events.
func (o *Orchestrator) Ask(ctx context.Context, question string, opts ...RunOption) (*FinalResult, error) {
	return o.Run(ctx, question, opts...).Wait()
}

func (o *Orchestrator) execute(ctx context.Context, id, question string, ro runOptions, co *stream.Coordinator) (res *FinalResult, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "conduit.request",
		trace.WithAttributes(attribute.String("conduit.request_id", id)))

	res = &FinalResult{RequestID: id, Question: question, Records: []adapter.Record{}}
	defer func() {
		res.Duration = time.Since(start)
		o.finish(co, res, err)

		span.SetAttributes(
			attribute.String("conduit.tier", string(res.Tier)),
			attribute.Bool("conduit.partial", res.Partial),
			attribute.Int("conduit.records", len(res.Records)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	decision := o.classifier.Classify(ctx, classifier.Request{Text: question, ContextHint: ro.contextHint})
	res.Tier, res.Classification = decision.Tier, decision
	co.Emit(stream.Event{Type: stream.TypeClassified, Status: string(decision.Tier), Payload: decision})
	if o.observer != nil {
		o.observer.Classified(decision)
	}

	in := o.extractor.Extract(question, o.registry.List())
	res.Intent = in
	req := &request{o: o, id: id, decision: decision, intent: in}
	execs := req.executors()

	g := o.builder.Seed(id)
	if err := o.scheduler.Run(ctx, g, execs, co); err != nil {
		_ = assemble(res, g)
		return res, err
	}
	if meta, _ := g.Node(graph.MetadataNodeID); meta.Status != graph.StatusDone {
		_ = assemble(res, g)
		return res, &RequestFailedError{RequestID: id, Failures: res.Errors}
	}

	res.Errors = append(res.Errors, rejections(req.resolution.Rejected)...)
	if err := o.builder.Expand(g, decision.Tier, in, req.resolution); err != nil {
		_ = assemble(res, g)
		return res, err
	}
	co.Emit(stream.Event{Type: stream.TypePlanned, Payload: summarize(g)})

	if g.Len() == 1 {
		res.Passthrough = true
		return res, assemble(res, g)
	}

	if err := o.scheduler.Run(ctx, g, execs, co); err != nil {
		_ = assemble(res, g)
		return res, err
	}
	return res, assemble(res, g)
}

func (o *Orchestrator) finish(co *stream.Coordinator, res *FinalResult, err error) {
	payload := FinalPayload{Result: res}
	status := FinalDone
	switch {
	case err != nil:
		status = FinalFailed
		payload.Error = err.Error()
		payload.Reason = failureReason(err)
	case res.Partial:
		status = FinalPartial
	}
	co.Close(stream.Event{Status: status, Payload: payload})

	logArgs := []any{"request_id", res.RequestID, "tier", res.Tier, "status", status,
		"records", len(res.Records), "errors", len(res.Errors), "duration", res.Duration}
	if err != nil {
		logArgs = append(logArgs, "error", err)
	}
	slog.Info("Request finished", logArgs...)

	if o.observer != nil {
		o.observer.RequestFinished(res, err)
	}
}

// failureReason maps a request error to the reason of the final event.
func failureReason(err error) string {
	var noSource *graph.NoSourceFoundError
	var failed *RequestFailedError
	switch {
	case errors.Is(err, context.Canceled):
		return graph.ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return graph.ReasonTimeout
	case errors.As(err, &noSource):
		return "no_source_found"
	case errors.As(err, &failed):
		return "all_sources_failed"
	default:
		return graph.ReasonExecution
	}
}

// summarize lists the nodes of g as planned.
func summarize(g *graph.Graph) []NodeSummary {
	nodes := g.Nodes()
	out := make([]NodeSummary, len(nodes))
	for i, n := range nodes {
		out[i] = NodeSummary{
			ID:           n.ID,
			Kind:         n.Kind,
			SourceID:     n.SourceID,
			Dependencies: n.Dependencies,
			Weight:       n.Weight,
			Status:       n.Status,
		}
	}
	return out
}
