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
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// Manager owns the tracer and metrics built from one Config.
type Manager struct {
	tracer  *Tracer
	metrics *Metrics
}

// NewManager builds tracing and metrics. Disabled parts stay nil and their
// methods are no-ops.
func NewManager(ctx context.Context, cfg Config, opts ...TracerOption) (*Manager, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracer, err := NewTracer(ctx, cfg.Tracing, opts...)
	if err != nil {
		return nil, err
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}
	return &Manager{tracer: tracer, metrics: metrics}, nil
}

// Tracer returns the otel tracer the orchestrator should use.
func (m *Manager) Tracer() trace.Tracer {
	if m == nil {
		return (*Tracer)(nil).Tracer()
	}
	return m.tracer.Tracer()
}

// Spans returns the in-memory span store, nil when unavailable.
func (m *Manager) Spans() *DebugExporter {
	if m == nil {
		return nil
	}
	return m.tracer.Debug()
}

// Metrics returns the metrics, nil when disabled.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// Observer returns an orchestrator observer backed by the metrics.
func (m *Manager) Observer() *Observer {
	return NewObserver(m.Metrics())
}

// Middleware returns the HTTP middleware.
func (m *Manager) Middleware() func(next http.Handler) http.Handler {
	if m == nil {
		return HTTPMiddleware(nil, nil)
	}
	return HTTPMiddleware(m.tracer, m.metrics)
}

// Shutdown flushes traces and stops both providers.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return errors.Join(m.tracer.Shutdown(ctx), m.metrics.Shutdown(ctx))
}
