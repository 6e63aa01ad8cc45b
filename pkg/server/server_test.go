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

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapter/adaptertest"
	"github.com/kadirpekel/conduit/pkg/auth"
	"github.com/kadirpekel/conduit/pkg/config"
	"github.com/kadirpekel/conduit/pkg/observability"
	"github.com/kadirpekel/conduit/pkg/orchestrator"
	"github.com/kadirpekel/conduit/pkg/ratelimit"
	"github.com/kadirpekel/conduit/pkg/resilience"
	"github.com/kadirpekel/conduit/pkg/stream"
)

type fixture struct {
	postgres   *adaptertest.Fake
	shiprocket *adaptertest.Fake
	payu       *adaptertest.Fake
	orch       *orchestrator.Orchestrator
}

func newFixture(t *testing.T, opts ...orchestrator.Option) *fixture {
	t.Helper()
	f := &fixture{
		postgres:   adaptertest.New("postgres", []adapter.Capability{adapter.CapabilityRelational, adapter.CapabilityTimeRange}, 3),
		shiprocket: adaptertest.New("shiprocket", []adapter.Capability{adapter.CapabilityLogistics, adapter.CapabilityTimeRange}, 2),
		payu:       adaptertest.New("payu", []adapter.Capability{adapter.CapabilityPayments, adapter.CapabilityTimeRange}, 2),
	}
	f.postgres.Desc.Entities = []string{"orders"}
	f.shiprocket.Desc.Entities = []string{"shipments"}
	f.payu.Desc.Entities = []string{"payments"}

	reg := adapter.NewRegistry()
	for _, a := range []*adaptertest.Fake{f.postgres, f.shiprocket, f.payu} {
		require.NoError(t, reg.RegisterInstance(a))
	}

	o, err := orchestrator.New(reg, orchestrator.Config{
		FetchRetry:    resilience.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		AnalysisRetry: resilience.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, opts...)
	require.NoError(t, err)
	f.orch = o
	return f
}

func newTestServer(t *testing.T, svc Service, cfg config.ServerConfig, opts ...Option) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(cfg, svc, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(r).Decode(&v))
	return v
}

type queryResponse struct {
	Result *struct {
		RequestID string           `json:"request_id"`
		Tier      string           `json:"tier"`
		Records   []map[string]any `json:"records"`
		Partial   bool             `json:"partial"`
		Errors    []map[string]any `json:"errors"`
	} `json:"result"`
	Error *APIError `json:"error"`
}

func TestQuery_JSON(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.orch, config.ServerConfig{})

	resp := postJSON(t, srv.URL+"/v1/query", `{"question":"show orders from last week"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := decode[queryResponse](t, resp.Body)
	require.NotNil(t, body.Result)
	assert.Nil(t, body.Error)
	assert.NotEmpty(t, body.Result.RequestID)
	assert.Len(t, body.Result.Records, 3)
	assert.False(t, body.Result.Partial)
}

func TestQuery_Errors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fixture)
		body     string
		status   int
		code     string
		hasResult bool
	}{
		{
			name:     "no source found",
			body:     `{"question":"show me refunds from Stripe"}`,
			status:   http.StatusUnprocessableEntity,
			code:     "no_source_found",
			hasResult: true,
		},
		{
			name:     "all sources failed",
			setup:    func(f *fixture) { f.postgres.ExecFunc = adaptertest.Fail("postgres", false) },
			body:     `{"question":"show orders from last week"}`,
			status:   http.StatusBadGateway,
			code:     "sources_failed",
			hasResult: true,
		},
		{name: "empty question", body: `{"question":"  "}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown field", body: `{"q":"x"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "not json", body: `question`, status: http.StatusBadRequest, code: "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			srv := newTestServer(t, f.orch, config.ServerConfig{})

			resp := postJSON(t, srv.URL+"/v1/query", tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decode[queryResponse](t, resp.Body)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, tt.hasResult, body.Result != nil)
		})
	}
}

func TestQuery_NoSourceListsUnresolved(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.orch, config.ServerConfig{})

	resp := postJSON(t, srv.URL+"/v1/query", `{"question":"show me refunds from Stripe"}`, nil)
	body := decode[queryResponse](t, resp.Body)
	require.NotNil(t, body.Error)
	assert.Contains(t, body.Error.Unresolved, "stripe")
	assert.Empty(t, body.Result.Records)
}

func TestQuery_PartialFailure(t *testing.T) {
	f := newFixture(t)
	f.payu.ExecFunc = adaptertest.Fail("payu", false)
	srv := newTestServer(t, f.orch, config.ServerConfig{})

	resp := postJSON(t, srv.URL+"/v1/query", `{"question":"compare shipments in Shiprocket with payments in PayU"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[queryResponse](t, resp.Body)
	require.NotNil(t, body.Result)
	assert.True(t, body.Result.Partial)
	require.NotEmpty(t, body.Result.Errors)
	assert.Equal(t, "payu", body.Result.Errors[0]["source_id"])
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readEvents(t *testing.T, r io.Reader) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" {
				out = append(out, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func TestQuery_Stream(t *testing.T) {
	for _, tt := range []struct {
		name   string
		body   string
		header map[string]string
	}{
		{"accept header", `{"question":"compare shipments in Shiprocket with payments in PayU"}`, map[string]string{"Accept": "text/event-stream"}},
		{"stream flag", `{"question":"compare shipments in Shiprocket with payments in PayU","stream":true}`, nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			srv := newTestServer(t, f.orch, config.ServerConfig{})

			resp := postJSON(t, srv.URL+"/v1/query", tt.body, tt.header)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
			requestID := resp.Header.Get("X-Request-Id")
			assert.NotEmpty(t, requestID)

			events := readEvents(t, resp.Body)
			require.NotEmpty(t, events)
			assert.Equal(t, string(stream.TypeClassified), events[0].event)
			assert.Equal(t, "1", events[0].id)

			last := events[len(events)-1]
			assert.Equal(t, string(stream.TypeFinal), last.event)
			for _, e := range events[:len(events)-1] {
				assert.NotEqual(t, string(stream.TypeFinal), e.event)
			}

			var final struct {
				RequestID string `json:"request_id"`
				Payload   struct {
					Result struct {
						Records []map[string]any `json:"records"`
					} `json:"result"`
				} `json:"payload"`
			}
			require.NoError(t, json.Unmarshal([]byte(last.data), &final))
			assert.Equal(t, requestID, final.RequestID)
			assert.NotEmpty(t, final.Payload.Result.Records)
		})
	}
}

func TestPlan(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.orch, config.ServerConfig{})

	resp, err := http.Get(srv.URL + "/v1/plan?q=" + "compare%20shipments%20in%20Shiprocket%20with%20payments%20in%20PayU")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Plan struct {
			Sources []string         `json:"sources"`
			Nodes   []map[string]any `json:"nodes"`
		} `json:"plan"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.ElementsMatch(t, []string{"shiprocket", "payu"}, body.Plan.Sources)
	assert.Len(t, body.Plan.Nodes, 4)
	assert.Zero(t, f.shiprocket.Calls()+f.payu.Calls(), "planning must not query sources")

	post := postJSON(t, srv.URL+"/v1/plan", `{"question":"refunds from Stripe"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, post.StatusCode)

	missing, err := http.Get(srv.URL + "/v1/plan")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
}

func TestSourcesAndHealth(t *testing.T) {
	f := newFixture(t)
	f.payu.Unhealthy.Store(true)
	srv := newTestServer(t, f.orch, config.ServerConfig{})

	resp, err := http.Get(srv.URL + "/v1/sources?probe=true")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Sources []struct {
			ID      string `json:"id"`
			Circuit string `json:"circuit"`
			Healthy *bool  `json:"healthy"`
		} `json:"sources"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Sources, 3)
	for _, s := range body.Sources {
		assert.Equal(t, "closed", s.Circuit)
		require.NotNil(t, s.Healthy)
		assert.Equal(t, s.ID != "payu", *s.Healthy, s.ID)
	}

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	h := decode[map[string]any](t, health.Body)
	assert.Equal(t, "ok", h["status"])
	assert.Equal(t, float64(3), h["sources"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.orch, config.ServerConfig{Auth: auth.Config{Token: "s3cret"}})

	get := func(path, token string) int {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("/v1/sources", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/v1/sources", "wrong"))
	assert.Equal(t, http.StatusOK, get("/v1/sources", "s3cret"))
	assert.Equal(t, http.StatusOK, get("/healthz", ""))

	resp, err := http.Get(srv.URL + "/v1/sources")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := decode[QueryResponse](t, resp.Body)
	require.NotNil(t, body.Error)
	assert.Equal(t, "unauthorized", body.Error.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.orch, config.ServerConfig{
		RateLimit: ratelimit.Config{Limits: []ratelimit.Limit{{Window: ratelimit.WindowMinute, Requests: 2}}},
	})

	for range 2 {
		resp, err := http.Get(srv.URL + "/v1/sources")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/v1/sources")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	body := decode[QueryResponse](t, resp.Body)
	require.NotNil(t, body.Error)
	assert.Equal(t, "rate_limited", body.Error.Code)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	srv := newTestServer(t, f.orch, config.ServerConfig{CORSOrigins: []string{"https://ops.example.com"}})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/query", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestObservabilityRoutes(t *testing.T) {
	ctx := context.Background()
	obsCfg := observability.Config{
		Tracing: observability.TracingConfig{Enabled: true, Exporter: "stdout"},
		Metrics: observability.MetricsConfig{Enabled: true},
	}
	mgr, err := observability.NewManager(ctx, obsCfg, observability.WithStdout(io.Discard), observability.WithoutGlobal())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown(ctx) })
	obsCfg.SetDefaults()

	f := newFixture(t, orchestrator.WithTracer(mgr.Tracer()), orchestrator.WithObserver(mgr.Observer()))
	srv := newTestServer(t, f.orch, config.ServerConfig{}, WithObservability(mgr, obsCfg.Metrics))

	resp := postJSON(t, srv.URL+"/v1/query", `{"question":"show orders from last week"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[queryResponse](t, resp.Body)
	id := body.Result.RequestID

	trace, err := http.Get(srv.URL + "/v1/requests/" + id + "/trace")
	require.NoError(t, err)
	defer trace.Body.Close()
	require.Equal(t, http.StatusOK, trace.StatusCode)
	var spans struct {
		Spans []struct {
			Name string `json:"name"`
		} `json:"spans"`
	}
	require.NoError(t, json.NewDecoder(trace.Body).Decode(&spans))
	var names []string
	for _, s := range spans.Spans {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "conduit.request")
	assert.Contains(t, names, "node.fetch")

	unknown, err := http.Get(srv.URL + "/v1/requests/nope/trace")
	require.NoError(t, err)
	unknown.Body.Close()
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)

	assert.Eventually(t, func() bool {
		metrics, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer metrics.Body.Close()
		data, err := io.ReadAll(metrics.Body)
		if err != nil {
			return false
		}
		body := string(data)
		return strings.Contains(body, "conduit_requests_total") && strings.Contains(body, `route="/v1/query"`)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestReindexAndSchema(t *testing.T) {
	f := newFixture(t)
	calls := 0
	srv := newTestServer(t, f.orch, config.ServerConfig{}, WithReindex(func(context.Context) error {
		calls++
		if calls > 1 {
			return errors.New("embedder offline")
		}
		return nil
	}))

	ok := postJSON(t, srv.URL+"/v1/index", ``, nil)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	failed := postJSON(t, srv.URL+"/v1/index", ``, nil)
	assert.Equal(t, http.StatusInternalServerError, failed.StatusCode)

	schema, err := http.Get(srv.URL + "/v1/schema")
	require.NoError(t, err)
	defer schema.Body.Close()
	doc := decode[map[string]any](t, schema.Body)
	assert.Equal(t, config.SchemaID, doc["$id"])

	noIndex := newTestServer(t, f.orch, config.ServerConfig{})
	missing := postJSON(t, noIndex.URL+"/v1/index", ``, nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestServe_Shutdown(t *testing.T) {
	f := newFixture(t)
	s := New(config.ServerConfig{Address: "127.0.0.1:0"}, f.orch)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.Addr() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
