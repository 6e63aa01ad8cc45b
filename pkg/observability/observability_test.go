package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/classifier"
	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/resilience"
)

func TestConfig(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, DefaultOTLPEndpoint, cfg.Tracing.Endpoint)
	assert.True(t, cfg.Tracing.IsInsecure())
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
	assert.Equal(t, "/metrics", cfg.Metrics.Endpoint)
	assert.Equal(t, "conduit", cfg.Metrics.Namespace)

	tests := []struct {
		name string
		mod  func(*Config)
		want string
	}{
		{"exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, "invalid exporter"},
		{"sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling_rate"},
		{"metrics path", func(c *Config) { c.Metrics.Endpoint = "metrics" }, "must start with"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			c.SetDefaults()
			tt.mod(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func startRequestSpan(tp trace.TracerProvider, requestID string) (context.Context, trace.Span) {
	return tp.Tracer("test").Start(context.Background(), SpanRequest,
		trace.WithAttributes(attribute.String(AttrRequestID, requestID)))
}

func TestDebugExporter(t *testing.T) {
	exp := NewDebugExporter(2)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	defer tp.Shutdown(context.Background())

	ctx, root := startRequestSpan(tp, "r1")
	_, fetch := tp.Tracer("test").Start(ctx, "node.fetch",
		trace.WithAttributes(attribute.String(AttrRequestID, "r1"), attribute.String(AttrSourceID, "orders_db")))
	fetch.End()
	root.End()

	// Spans without a request id or with foreign names are ignored.
	_, other := tp.Tracer("test").Start(context.Background(), "http.request")
	other.End()
	_, anon := tp.Tracer("test").Start(context.Background(), "node.fetch")
	anon.End()

	spans := exp.Request("r1")
	require.Len(t, spans, 2)
	assert.Equal(t, SpanRequest, spans[0].Name)
	assert.Equal(t, "node.fetch", spans[1].Name)
	assert.Equal(t, spans[0].SpanID, spans[1].ParentSpanID)
	assert.Equal(t, "orders_db", spans[1].Attributes[AttrSourceID])
	assert.NotNil(t, exp.Span(spans[1].SpanID))

	// Eviction drops the oldest spans first.
	for _, id := range []string{"r2", "r3"} {
		_, s := startRequestSpan(tp, id)
		s.End()
	}
	assert.Equal(t, 2, exp.Count())
	assert.Len(t, exp.Request("r1"), 0)
	assert.Len(t, exp.Request("r3"), 1)

	exp.Clear()
	assert.Zero(t, exp.Count())
	assert.Nil(t, (*DebugExporter)(nil).Request("r1"))
}

func TestNewTracer_Stdout(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracer(context.Background(), TracingConfig{Enabled: true, Exporter: "stdout", ServiceName: "conduit-test"},
		WithStdout(&buf), WithoutGlobal())
	require.NoError(t, err)
	require.NotNil(t, tr)

	_, span := tr.Start(context.Background(), SpanRequest, trace.WithAttributes(attribute.String(AttrRequestID, "abc")))
	span.End()
	require.NoError(t, tr.ForceFlush(context.Background()))

	assert.Contains(t, buf.String(), SpanRequest)
	assert.Len(t, tr.Debug().Request("abc"), 1)
	require.NoError(t, tr.Shutdown(context.Background()))
}

func TestNewTracer_Disabled(t *testing.T) {
	tr, err := NewTracer(context.Background(), TracingConfig{})
	require.NoError(t, err)
	assert.Nil(t, tr)

	_, span := tr.Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.Nil(t, tr.Debug())
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetrics_Observer(t *testing.T) {
	off := false
	m, err := NewMetrics(MetricsConfig{Enabled: true, Runtime: &off, ConstLabels: map[string]string{"site": "test"}})
	require.NoError(t, err)
	require.NotNil(t, m)
	defer m.Shutdown(context.Background())

	obs := NewObserver(m)
	obs.Classified(classifier.Decision{Tier: classifier.TierOverpowered, Path: classifier.PathFallback, Latency: 3 * time.Millisecond})
	obs.NodeFinished("r1", graph.Node{
		ID: "fetch:orders_db", Kind: graph.KindFetch, SourceID: "orders_db", Status: graph.StatusDone,
		Started: time.Now().Add(-20 * time.Millisecond), Finished: time.Now(),
	})
	obs.NodeFinished("r1", graph.Node{ID: "fetch:payu", Kind: graph.KindFetch, SourceID: "payu", Status: graph.StatusFailed, Reason: "timeout"})
	obs.RequestFinished(&orchestrator.FinalResult{
		Tier:     classifier.TierOverpowered,
		Partial:  true,
		Duration: 40 * time.Millisecond,
		Records: []adapter.Record{
			adapter.NewRecord("orders_db", "orders", map[string]any{"id": 1}),
			adapter.NewRecord("orders_db", "orders", map[string]any{"id": 2}),
		},
	}, nil)
	obs.CircuitTransition("source:payu", resilience.StateClosed, resilience.StateOpen)

	body := scrape(t, m)
	assert.Contains(t, body, "conduit_requests_total")
	assert.Contains(t, body, `outcome="partial"`)
	assert.Contains(t, body, "conduit_nodes_total")
	assert.Contains(t, body, `status="failed"`)
	assert.Contains(t, body, "conduit_records_total")
	assert.Contains(t, body, "conduit_classifications_total")
	assert.Contains(t, body, `conduit_circuit_state{circuit="source:payu",site="test"} 1`)
	assert.Contains(t, body, `conduit_circuit_transitions_total{circuit="source:payu",site="test",to="open"} 1`)
	assert.NotContains(t, body, "go_goroutines")
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "failed", outcome(&orchestrator.FinalResult{}, errors.New("x")))
	assert.Equal(t, "passthrough", outcome(&orchestrator.FinalResult{Passthrough: true}, nil))
	assert.Equal(t, "partial", outcome(&orchestrator.FinalResult{Partial: true}, nil))
	assert.Equal(t, "ok", outcome(&orchestrator.FinalResult{}, nil))
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	assert.Nil(t, m)

	m.RecordRequest(context.Background(), "trivial", "ok", time.Millisecond)
	m.SetCircuitState("x", 1, "open")
	NewObserver(nil).CircuitTransition("x", resilience.StateClosed, resilience.StateOpen)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestHTTPMiddleware(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true})
	require.NoError(t, err)
	exp := NewDebugExporter(10)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	tr := &Tracer{provider: tp, tracer: tp.Tracer("test"), debug: exp}

	r := chi.NewRouter()
	r.Use(HTTPMiddleware(tr, m))
	r.Get("/v1/sources/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, trace.SpanFromContext(r.Context()).SpanContext().IsValid())
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	})

	srv := httptest.NewServer(r)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/v1/sources/orders_db")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	body := scrape(t, m)
	assert.Contains(t, body, `route="/v1/sources/{id}"`)
	assert.Contains(t, body, `code="418"`)
	assert.Contains(t, body, "go_goroutines")
}

func TestManager(t *testing.T) {
	mgr, err := NewManager(context.Background(), Config{Metrics: MetricsConfig{Enabled: true}})
	require.NoError(t, err)
	assert.NotNil(t, mgr.Metrics())
	assert.Nil(t, mgr.Spans())
	assert.NotNil(t, mgr.Tracer())
	assert.NotNil(t, mgr.Observer())
	assert.NoError(t, mgr.Shutdown(context.Background()))

	var nilMgr *Manager
	assert.Nil(t, nilMgr.Metrics())
	assert.NotNil(t, nilMgr.Tracer())
	assert.NoError(t, nilMgr.Shutdown(context.Background()))
}
