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

// Package runtime assembles sources, the schema index, observability and
// the orchestrator from one configuration and keeps the source set in step
// with configuration changes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapters"
	"github.com/kadirpekel/conduit/pkg/adapters/relational"
	"github.com/kadirpekel/conduit/pkg/classifier"
	"github.com/kadirpekel/conduit/pkg/config"
	"github.com/kadirpekel/conduit/pkg/embedder"
	"github.com/kadirpekel/conduit/pkg/observability"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/schemaindex"
	"github.com/kadirpekel/conduit/pkg/stream"
)

// ErrIndexDisabled is returned by Reindex when the schema index is off.
var ErrIndexDisabled = errors.New("schema index is disabled")

type options struct {
	schemes       *adapter.Schemes
	embedder      embedder.Embedder
	tracerOptions []observability.TracerOption
	classifier    []classifier.Option
}

// Option configures New.
type Option func(*options)

// WithSchemes replaces the built-in adapter schemes.
func WithSchemes(s *adapter.Schemes) Option {
	return func(o *options) { o.schemes = s }
}

// WithEmbedder overrides the embedder named in the index config.
func WithEmbedder(e embedder.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithTracerOptions passes options to the tracer.
func WithTracerOptions(opts ...observability.TracerOption) Option {
	return func(o *options) { o.tracerOptions = append(o.tracerOptions, opts...) }
}

// WithClassifierOptions passes options to the classifier.
func WithClassifierOptions(opts ...classifier.Option) Option {
	return func(o *options) { o.classifier = append(o.classifier, opts...) }
}

// Runtime owns every long-lived component.
type Runtime struct {
	mu  sync.RWMutex
	cfg *config.Config

	pool      *relational.Pool
	schemes   *adapter.Schemes
	registry  *adapter.Registry
	obs       *observability.Manager
	index     *schemaindex.Store
	refresher *schemaindex.Refresher
	sink      *stream.NATSSink
	orch      *orchestrator.Orchestrator

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds the runtime. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{cfg: cfg, registry: adapter.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			_ = r.Close()
		}
	}()

	r.schemes = o.schemes
	if r.schemes == nil {
		r.pool = relational.NewPool()
		var err error
		if r.schemes, err = adapters.Builtin(r.pool); err != nil {
			return nil, fmt.Errorf("failed to register adapter schemes: %w", err)
		}
	}

	for _, desc := range cfg.Descriptors() {
		if err := r.schemes.RegisterSource(r.registry, desc); err != nil {
			return nil, err
		}
	}

	obs, err := observability.NewManager(ctx, cfg.Observability, o.tracerOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}
	r.obs = obs

	cls, err := classifier.NewFromConfig(cfg.Classifier, o.classifier...)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithClassifier(cls),
		orchestrator.WithTracer(obs.Tracer()),
		orchestrator.WithObserver(obs.Observer()),
	}

	if !cfg.Index.Disabled {
		r.index, err = schemaindex.New(cfg.Index.Config, o.embedder)
		if err != nil {
			return nil, fmt.Errorf("failed to open schema index: %w", err)
		}
		r.refresher = schemaindex.NewRefresher(r.index, r.resolveAll)
		orchOpts = append(orchOpts, orchestrator.WithIndex(r.index))
	}

	if cfg.Stream.NATS != nil {
		r.sink, err = stream.NewNATSSink(*cfg.Stream.NATS)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event stream: %w", err)
		}
		orchOpts = append(orchOpts, orchestrator.WithSinks(r.sink))
	}

	orchCfg := cfg.Orchestrator
	if orchCfg.SchemaTopK == 0 {
		orchCfg.SchemaTopK = cfg.Index.TopK
	}
	r.orch, err = orchestrator.New(r.registry, orchCfg, orchOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	slog.Info("Runtime ready",
		"sources", r.registry.Len(),
		"classifier", cfg.Classifier.Backend,
		"index", !cfg.Index.Disabled,
		"tracing", cfg.Observability.Tracing.Enabled,
		"metrics", cfg.Observability.Metrics.Enabled)
	ok = true
	return r, nil
}

// Start launches the circuit prober and, when the index is enabled, the
// periodic schema refresh. Both stop on Close or when ctx is done.
func (r *Runtime) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	interval := r.cfg.Index.RefreshInterval
	r.mu.Unlock()

	prober := r.orch.NewProber()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		prober.Run(ctx)
	}()

	if r.refresher != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.refresher.Run(ctx, interval)
		}()
	}
}

func (r *Runtime) Orchestrator() *orchestrator.Orchestrator { return r.orch }

func (r *Runtime) Registry() *adapter.Registry { return r.registry }

func (r *Runtime) Observability() *observability.Manager { return r.obs }

// Index returns the schema index, nil when disabled.
func (r *Runtime) Index() *schemaindex.Store { return r.index }

// Config returns the configuration currently applied.
func (r *Runtime) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Reindex re-introspects every source now.
func (r *Runtime) Reindex(ctx context.Context) (schemaindex.Report, error) {
	if r.refresher == nil {
		return schemaindex.Report{}, ErrIndexDisabled
	}
	report := r.refresher.Refresh(ctx)
	if len(report.Failed) > 0 && len(report.Indexed) == 0 {
		return report, fmt.Errorf("introspection failed for every source (%d)", len(report.Failed))
	}
	return report, nil
}

// resolveAll returns every source that can be constructed. Sources that
// fail to connect are logged and skipped.
func (r *Runtime) resolveAll() []adapter.Adapter {
	descs := r.registry.List()
	out := make([]adapter.Adapter, 0, len(descs))
	for _, d := range descs {
		a, err := r.registry.Resolve(d.ID)
		if err != nil {
			slog.Warn("Source unavailable for indexing", "source", d.ID, "error", err)
			continue
		}
		out = append(out, a)
	}
	return out
}

// Close stops background work and releases every component.
func (r *Runtime) Close() error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	var errs []error
	if r.registry != nil {
		if err := r.registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sources: %w", err))
		}
	}
	if r.pool != nil {
		if err := r.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database pool: %w", err))
		}
	}
	if r.sink != nil {
		if err := r.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event stream: %w", err))
		}
	}
	if err := r.obs.Shutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("shutdown observability: %w", err))
	}
	return errors.Join(errs...)
}

// sameSection reports whether a and b are equal, for detecting changes
// that need a restart.
func sameSection(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
