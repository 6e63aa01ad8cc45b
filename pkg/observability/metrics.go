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
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics records request, node, classifier and HTTP metrics. Instruments
// go through the otel SDK and the Prometheus exporter; circuit state is a
// native gauge on the same registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	records         metric.Int64Counter

	nodes        metric.Int64Counter
	nodeDuration metric.Float64Histogram

	classifications   metric.Int64Counter
	classifierLatency metric.Float64Histogram

	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram

	circuitState       *prometheus.GaugeVec
	circuitTransitions *prometheus.CounterVec
}

// NewMetrics builds the registry and instruments. It returns nil when
// metrics are disabled.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.SetDefaults()

	registry := prometheus.NewRegistry()
	var reg prometheus.Registerer = registry
	if len(cfg.ConstLabels) > 0 {
		reg = prometheus.WrapRegistererWith(prometheus.Labels(cfg.ConstLabels), registry)
	}
	if cfg.Runtime != nil && *cfg.Runtime {
		if err := reg.Register(collectors.NewGoCollector()); err != nil {
			return nil, fmt.Errorf("failed to register go collector: %w", err)
		}
		if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, fmt.Errorf("failed to register process collector: %w", err)
		}
	}

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithNamespace(cfg.Namespace),
		otelprom.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/kadirpekel/conduit")

	m := &Metrics{registry: registry, provider: provider}
	b := instrumentBuilder{meter: meter}

	m.requests = b.counter("requests", "Questions answered, by tier and outcome")
	m.requestDuration = b.histogram("request.duration", "End-to-end question latency")
	m.records = b.counter("records", "Records returned, by source")
	m.nodes = b.counter("nodes", "Execution graph nodes finished, by kind and status")
	m.nodeDuration = b.histogram("node.duration", "Execution graph node latency")
	m.classifications = b.counter("classifications", "Classifier decisions, by tier and path")
	m.classifierLatency = b.histogram("classifier.duration", "Classifier latency")
	m.httpRequests = b.counter("http.requests", "HTTP requests, by route and status code")
	m.httpDuration = b.histogram("http.request.duration", "HTTP request latency")
	if b.err != nil {
		return nil, b.err
	}

	m.circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: cfg.Namespace,
		Name:      "circuit_state",
		Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"circuit"})
	m.circuitTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.Namespace,
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker transitions, by target state",
	}, []string{"circuit", "to"})
	if err := reg.Register(m.circuitState); err != nil {
		return nil, fmt.Errorf("failed to register circuit gauge: %w", err)
	}
	if err := reg.Register(m.circuitTransitions); err != nil {
		return nil, fmt.Errorf("failed to register circuit counter: %w", err)
	}
	return m, nil
}

type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		b.err = fmt.Errorf("failed to create %s counter: %w", name, err)
	}
	return c
}

func (b *instrumentBuilder) histogram(name, desc string) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		b.err = fmt.Errorf("failed to create %s histogram: %w", name, err)
	}
	return h
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest counts one finished question.
func (m *Metrics) RecordRequest(ctx context.Context, tier, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("outcome", outcome),
	))
	m.requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordRecords counts records returned by one source.
func (m *Metrics) RecordRecords(ctx context.Context, source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.Add(ctx, int64(n), metric.WithAttributes(attribute.String("source", source)))
}

// RecordNode counts one finished graph node.
func (m *Metrics) RecordNode(ctx context.Context, kind, source, status string, fromCache bool, d time.Duration) {
	if m == nil {
		return
	}
	m.nodes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("source", source),
		attribute.String("status", status),
		attribute.Bool("from_cache", fromCache),
	))
	if d > 0 {
		m.nodeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("source", source),
		))
	}
}

// RecordClassification counts one classifier decision.
func (m *Metrics) RecordClassification(ctx context.Context, tier, path string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tier", tier), attribute.String("path", path))
	m.classifications.Add(ctx, 1, attrs)
	m.classifierLatency.Record(ctx, d.Seconds(), attrs)
}

// RecordHTTPRequest counts one HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("code", status),
	))
	m.httpDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

// SetCircuitState records a breaker transition.
func (m *Metrics) SetCircuitState(name string, state int, to string) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(name).Set(float64(state))
	m.circuitTransitions.WithLabelValues(name, to).Inc()
}

// Shutdown stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
