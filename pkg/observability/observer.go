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

package observability

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/conduit/pkg/classifier"
	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/resilience"
)

// Observer feeds orchestrator notifications into metrics and the log.
type Observer struct {
	metrics *Metrics
}

// NewObserver creates an observer. m may be nil.
func NewObserver(m *Metrics) *Observer {
	return &Observer{metrics: m}
}

// Classified implements orchestrator.Observer.
func (o *Observer) Classified(d classifier.Decision) {
	o.metrics.RecordClassification(context.Background(), string(d.Tier), string(d.Path), d.Latency)
}

// NodeFinished implements orchestrator.Observer.
func (o *Observer) NodeFinished(requestID string, n graph.Node) {
	o.metrics.RecordNode(context.Background(), string(n.Kind), n.SourceID, string(n.Status), n.FromCache, n.Duration())

	if n.Status == graph.StatusFailed || n.Status == graph.StatusDegraded {
		slog.Warn("Node did not complete",
			"request_id", requestID,
			"node", n.ID,
			"status", n.Status,
			"reason", n.Reason,
			"attempts", n.Attempts)
	}
}

// RequestFinished implements orchestrator.Observer.
func (o *Observer) RequestFinished(res *orchestrator.FinalResult, err error) {
	if res == nil {
		return
	}
	ctx := context.Background()
	o.metrics.RecordRequest(ctx, string(res.Tier), outcome(res, err), res.Duration)

	counts := make(map[string]int)
	for _, rec := range res.Records {
		if rec.SourceID != "" {
			counts[rec.SourceID]++
		}
	}
	for source, n := range counts {
		o.metrics.RecordRecords(ctx, source, n)
	}
}

func outcome(res *orchestrator.FinalResult, err error) string {
	switch {
	case err != nil:
		return "failed"
	case res.Passthrough:
		return "passthrough"
	case res.Partial:
		return "partial"
	default:
		return "ok"
	}
}

// CircuitTransition implements orchestrator.Observer.
func (o *Observer) CircuitTransition(name string, from, to resilience.State) {
	o.metrics.SetCircuitState(name, int(to), to.String())
	if to == resilience.StateOpen {
		slog.Warn("Circuit opened", "circuit", name, "from", from)
		return
	}
	slog.Info("Circuit state changed", "circuit", name, "from", from, "to", to)
}

var _ orchestrator.Observer = (*Observer)(nil)
