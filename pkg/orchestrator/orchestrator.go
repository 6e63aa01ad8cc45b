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

// Package orchestrator answers natural-language questions against the
// registered sources. A request is classified, its intent extracted, and an
// execution graph planned and run under the resilience layer while
// progress streams to the caller. The final result always names every
// source or step that failed or degraded.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/analyze"
	"github.com/kadirpekel/conduit/pkg/classifier"
	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/intent"
	"github.com/kadirpekel/conduit/pkg/resilience"
	"github.com/kadirpekel/conduit/pkg/scheduler"
	"github.com/kadirpekel/conduit/pkg/schemaindex"
	"github.com/kadirpekel/conduit/pkg/stream"
)

const tracerName = "github.com/kadirpekel/conduit/pkg/orchestrator"

// LastGoodConfig sizes the last-good result cache.
type LastGoodConfig struct {
	Size   int           `yaml:"size,omitempty" jsonschema:"default=256"`
	MaxAge time.Duration `yaml:"max_age,omitempty" jsonschema:"default=15m"`
}

// Config configures the orchestrator.
type Config struct {
	Scheduler     scheduler.Config         `yaml:"scheduler,omitempty"`
	FetchRetry    resilience.Policy        `yaml:"fetch_retry,omitempty"`
	AnalysisRetry resilience.Policy        `yaml:"analysis_retry,omitempty"`
	SourceBreaker resilience.BreakerConfig `yaml:"source_breaker,omitempty"`
	LastGood      LastGoodConfig           `yaml:"last_good,omitempty"`

	// SchemaTopK is how many schema chunks the metadata step retrieves.
	SchemaTopK int `yaml:"schema_top_k,omitempty" jsonschema:"default=8"`

	// IndexSourceThreshold is the similarity a schema match needs to route
	// a question that names no source or entity.
	IndexSourceThreshold float32 `yaml:"index_source_threshold,omitempty" jsonschema:"default=0.3"`

	// ProbeInterval is how often open circuits are health-checked.
	ProbeInterval time.Duration `yaml:"probe_interval,omitempty" jsonschema:"default=5s"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	c.Scheduler.SetDefaults()
	c.FetchRetry.SetDefaults(resilience.FetchPolicy())
	c.AnalysisRetry.SetDefaults(resilience.AnalysisPolicy())
	c.SourceBreaker.SetDefaults(resilience.SourceBreakerConfig())
	if c.LastGood.Size <= 0 {
		c.LastGood.Size = 256
	}
	if c.LastGood.MaxAge <= 0 {
		c.LastGood.MaxAge = 15 * time.Minute
	}
	if c.SchemaTopK <= 0 {
		c.SchemaTopK = 8
	}
	if c.IndexSourceThreshold <= 0 {
		c.IndexSourceThreshold = 0.3
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return c.Scheduler.Validate()
}

// Observer receives request-level notifications, typically for metrics.
type Observer interface {
	Classified(d classifier.Decision)
	NodeFinished(requestID string, n graph.Node)
	RequestFinished(res *FinalResult, err error)
	CircuitTransition(name string, from, to resilience.State)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClassifier sets the operation classifier.
func WithClassifier(c *classifier.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithExtractor sets the intent extractor.
func WithExtractor(e *intent.Extractor) Option {
	return func(o *Orchestrator) { o.extractor = e }
}

// WithIndex sets the schema index consulted by the metadata step.
func WithIndex(idx schemaindex.Index) Option {
	return func(o *Orchestrator) { o.index = idx }
}

// WithAnalyzer replaces the statistical analyzer.
func WithAnalyzer(a analyze.Analyzer) Option {
	return func(o *Orchestrator) { o.analyzer = a }
}

// WithSinks adds event sinks to every request stream.
func WithSinks(sinks ...stream.Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, sinks...) }
}

// WithGuard replaces the source guard.
func WithGuard(g *resilience.Guard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// WithObserver registers an observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithIDGenerator replaces uuid request ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// Orchestrator is safe for concurrent use. Scheduler semaphores, breakers
// and the last-good cache are shared by all requests.
type Orchestrator struct {
	cfg        Config
	registry   *adapter.Registry
	classifier *classifier.Classifier
	extractor  *intent.Extractor
	index      schemaindex.Index
	builder    *graph.Builder
	scheduler  *scheduler.Scheduler
	guard      *resilience.Guard
	analyzer   analyze.Analyzer
	sinks      []stream.Sink
	observer   Observer
	tracer     trace.Tracer
	newID      func() string
}

// New creates an orchestrator over registry.
func New(registry *adapter.Registry, cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		builder:  graph.NewBuilder(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.classifier == nil {
		o.classifier = classifier.New(classifier.Config{}, nil)
	}
	if o.extractor == nil {
		o.extractor = intent.NewExtractor()
	}
	if o.analyzer == nil {
		o.analyzer = analyze.NewStats()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.guard == nil {
		cache, err := resilience.NewLastGood(cfg.LastGood.Size, cfg.LastGood.MaxAge)
		if err != nil {
			return nil, err
		}
		var breakerOpts []resilience.BreakerOption
		if o.observer != nil {
			breakerOpts = append(breakerOpts, resilience.WithTransitionHook(o.observer.CircuitTransition))
		}
		o.guard = resilience.NewGuard(resilience.NewBreakers(cfg.SourceBreaker, breakerOpts...), cache)
	}

	var schedOpts []scheduler.Option
	if o.observer != nil {
		schedOpts = append(schedOpts, scheduler.WithObserver(o.observer.NodeFinished))
	}
	o.scheduler = scheduler.New(cfg.Scheduler, o.sourceSettings, schedOpts...)
	return o, nil
}

// Registry returns the adapter registry.
func (o *Orchestrator) Registry() *adapter.Registry { return o.registry }

// Breakers returns the per-source circuit breakers.
func (o *Orchestrator) Breakers() *resilience.Breakers { return o.guard.Breakers() }

// NewProber returns a prober that health-checks open source circuits.
func (o *Orchestrator) NewProber() *resilience.Prober {
	return resilience.NewProber(o.guard.Breakers(), o.healthChecks, o.cfg.ProbeInterval)
}

func (o *Orchestrator) healthChecks() map[string]resilience.HealthFunc {
	checks := make(map[string]resilience.HealthFunc)
	for _, d := range o.registry.List() {
		id := d.ID
		checks[id] = func(ctx context.Context) bool {
			a, release, err := o.registry.Acquire(id)
			if err != nil {
				return false
			}
			defer release()
			return a.HealthCheck(ctx)
		}
	}
	return checks
}

func (o *Orchestrator) sourceSettings(sourceID string) scheduler.SourceSettings {
	d, ok := o.registry.Descriptor(sourceID)
	if !ok {
		return scheduler.SourceSettings{}
	}
	return scheduler.SourceSettings{Scheme: d.Scheme, Concurrency: d.Concurrency, Timeout: d.Timeout}
}

// SourceStatus describes a registered source for listings.
type SourceStatus struct {
	adapter.Descriptor
	Circuit string `json:"circuit"`
	Healthy *bool  `json:"healthy,omitempty"`
}

// Sources lists the registered sources with their circuit state. With
// probe set every source is health-checked.
func (o *Orchestrator) Sources(ctx context.Context, probe bool) []SourceStatus {
	descs := o.registry.List()
	out := make([]SourceStatus, len(descs))
	for i, d := range descs {
		out[i] = SourceStatus{Descriptor: d, Circuit: o.guard.Breakers().Get(d.ID).State().String()}
		if probe {
			healthy := false
			if a, release, err := o.registry.Acquire(d.ID); err == nil {
				hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				healthy = a.HealthCheck(hctx)
				cancel()
				release()
			}
			out[i].Healthy = &healthy
		}
	}
	return out
}
