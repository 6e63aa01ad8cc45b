// Package rest queries HTTP JSON APIs. Endpoints are declared per entity;
// the shiprocket and payu schemes ship ready-made endpoint sets and
// authentication.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapters/entity"
	"github.com/kadirpekel/conduit/pkg/httpclient"
)

// Scheme is the generic HTTP scheme. Presets register their own names.
const Scheme = "rest"

// maxBody bounds a decoded response.
const maxBody = 32 << 20

// Query is one API call.
type Query struct {
	Entity      string
	Method      string
	Path        string
	Encoding    string
	URLQuery    url.Values
	Params      url.Values
	RecordsPath string

	// TimeField and TimeRange filter the returned records.
	TimeField string
	TimeRange *adapter.TimeRange

	// Filters are matched against the returned records.
	Filters map[string]string
	Limit   int
}

func (*Query) QueryKind() string { return "http" }

// Adapter is an HTTP API source.
type Adapter struct {
	desc   adapter.Descriptor
	cfg    Config
	client *httpclient.Client
	auth   authenticator
}

// New creates an adapter for desc. preset may be nil.
func New(desc adapter.Descriptor, preset Preset) (*Adapter, error) {
	var cfg Config
	if err := adapter.DecodeConnection(desc, &cfg); err != nil {
		return nil, err
	}
	if preset != nil {
		preset(&cfg)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("source %q: %w", desc.ID, err)
	}

	client := httpclient.New(
		httpclient.WithTimeout(cfg.Timeout),
		httpclient.WithMaxRetries(cfg.MaxRetries),
		httpclient.WithRateLimit(cfg.RateLimit, cfg.Burst),
		httpclient.WithTLSConfig(cfg.TLS),
	)
	return &Adapter{
		desc:   desc,
		cfg:    cfg,
		client: client,
		auth:   newAuthenticator(&cfg, client),
	}, nil
}

// Register adds the generic scheme and the provider presets to s.
func Register(s *adapter.Schemes) error {
	if err := s.Register(Scheme, func(desc adapter.Descriptor) (adapter.Adapter, error) {
		return New(desc, nil)
	}); err != nil {
		return err
	}
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		preset := presets[name]
		if err := s.Register(name, func(desc adapter.Descriptor) (adapter.Adapter, error) {
			return New(desc, preset)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Descriptor() adapter.Descriptor { return a.desc.Clone() }

// Translate maps the intent to one endpoint call. It performs no I/O.
func (a *Adapter) Translate(_ context.Context, in *adapter.Intent) (adapter.BackendQuery, error) {
	names := make([]string, len(a.cfg.Endpoints))
	for i, e := range a.cfg.Endpoints {
		names[i] = e.Entity
	}
	name := entity.Pick(names, in, a.desc.ID)
	if name == "" {
		return nil, &adapter.TranslationError{
			SourceID: a.desc.ID,
			Reason:   fmt.Sprintf("no endpoint matches %v (endpoints: %s)", in.Words(), strings.Join(names, ", ")),
		}
	}
	ep, _ := a.cfg.endpoint(name)

	q := &Query{
		Entity:      ep.Entity,
		Method:      ep.Method,
		Path:        ep.Path,
		Encoding:    ep.Encoding,
		URLQuery:    values(ep.Query),
		Params:      values(ep.Params),
		RecordsPath: ep.RecordsPath,
		TimeField:   ep.TimeField,
		Limit:       in.Params.EffectiveLimit(),
	}

	if tr := in.Params.TimeRange; tr != nil {
		if !ep.SupportsTimeRange() {
			return nil, &adapter.TranslationError{
				SourceID: a.desc.ID,
				Reason:   fmt.Sprintf("endpoint %s cannot filter by time for %q", ep.Entity, tr.Label),
			}
		}
		if ep.FromParam != "" && ep.ToParam != "" {
			to := tr.To
			if ep.TimeLayout == time.DateOnly {
				to = to.Add(-time.Nanosecond)
			}
			q.Params.Set(ep.FromParam, tr.From.Format(ep.TimeLayout))
			q.Params.Set(ep.ToParam, to.Format(ep.TimeLayout))
		}
		q.TimeRange = tr
	}

	for k, v := range in.Params.Filters {
		if param, ok := ep.FilterParams[k]; ok {
			q.Params.Set(param, v)
			continue
		}
		if q.Filters == nil {
			q.Filters = make(map[string]string)
		}
		q.Filters[k] = v
	}
	if ep.LimitParam != "" {
		q.Params.Set(ep.LimitParam, fmt.Sprint(q.Limit))
	}
	return q, nil
}

func values(m map[string]string) url.Values {
	v := make(url.Values, len(m))
	for k, s := range m {
		v.Set(k, s)
	}
	return v
}

// Execute performs the call and extracts the records.
func (a *Adapter) Execute(ctx context.Context, q adapter.BackendQuery) ([]adapter.Record, error) {
	query, ok := q.(*Query)
	if !ok {
		return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("unexpected query type %T", q))
	}

	body, err := a.do(ctx, query)
	if err != nil {
		return nil, err
	}

	items, err := extract(body, query.RecordsPath)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("%s: %w", query.Entity, err))
	}

	serverFiltered := query.Params.Has(a.fromParam(query.Entity))
	records := make([]adapter.Record, 0, len(items))
	for _, item := range items {
		if !matchFilters(item, query.Filters) {
			continue
		}
		if query.TimeRange != nil && query.TimeField != "" {
			t, ok := parseTime(item[query.TimeField])
			if ok && !query.TimeRange.Contains(t) {
				continue
			}
			if !ok && !serverFiltered {
				continue
			}
		}
		records = append(records, adapter.NewRecord(a.desc.ID, query.Entity, item))
		if len(records) >= query.Limit {
			break
		}
	}
	return records, nil
}

func (a *Adapter) fromParam(entity string) string {
	ep, _ := a.cfg.endpoint(entity)
	return ep.FromParam
}

func (a *Adapter) do(ctx context.Context, query *Query) (any, error) {
	c := &call{
		method:   query.Method,
		path:     query.Path,
		encoding: query.Encoding,
		query:    maps.Clone(query.URLQuery),
		params:   maps.Clone(query.Params),
		header:   make(http.Header),
	}
	if c.query == nil {
		c.query = make(url.Values)
	}
	if c.params == nil {
		c.params = make(url.Values)
	}
	for k, v := range a.cfg.Headers {
		c.header.Set(k, v)
	}
	if err := a.auth.sign(ctx, c); err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), fmt.Errorf("authenticate: %w", err))
	}

	req, err := a.request(ctx, c)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, false, err)
	}

	resp, err := a.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			a.auth.invalidate()
			// Token auth logs in again on the next attempt.
			_, refreshable := a.auth.(*tokenAuth)
			return nil, adapter.NewExecutionError(a.desc.ID, refreshable, fmt.Errorf("%s %s: %w", c.method, c.path, err))
		}
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), fmt.Errorf("%s %s: %w", c.method, c.path, err))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBody))
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), fmt.Errorf("failed to decode response: %w", err))
	}
	return normalize(body), nil
}

func (a *Adapter) request(ctx context.Context, c *call) (*http.Request, error) {
	u, err := url.Parse(a.cfg.BaseURL + c.path)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint path %q: %w", c.path, err)
	}
	q := u.Query()
	for k, vs := range c.query {
		q[k] = vs
	}

	var body io.Reader
	contentType := ""
	switch c.encoding {
	case EncodingForm:
		body = strings.NewReader(c.params.Encode())
		contentType = "application/x-www-form-urlencoded"
	case EncodingJSON:
		flat := make(map[string]string, len(c.params))
		for k := range c.params {
			flat[k] = c.params.Get(k)
		}
		data, err := json.Marshal(flat)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	default:
		for k, vs := range c.params {
			q[k] = vs
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, c.method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header = c.header
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

// extract walks path and returns the objects found there. A single object
// yields one record.
func extract(body any, path string) ([]map[string]any, error) {
	node := body
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := node.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("records path %q not found", path)
			}
			next, ok := obj[part]
			if !ok {
				if msg, ok := obj["msg"].(string); ok {
					return nil, fmt.Errorf("records path %q not found: %s", path, msg)
				}
				return nil, fmt.Errorf("records path %q not found", path)
			}
			node = next
		}
	}

	switch v := node.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, obj)
			} else {
				out = append(out, map[string]any{"value": item})
			}
		}
		return out, nil
	case map[string]any:
		return []map[string]any{v}, nil
	default:
		return nil, fmt.Errorf("records path %q holds %T, not records", path, node)
	}
}

func normalize(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return v
	}
}

func matchFilters(item map[string]any, filters map[string]string) bool {
	for k, want := range filters {
		got, ok := item[k]
		if !ok || !strings.EqualFold(fmt.Sprint(got), want) {
			return false
		}
	}
	return true
}

var timeLayouts = []string{
	time.RFC3339,
	time.DateTime,
	time.DateOnly,
	"02 Jan 2006, 03:04 PM",
}

func parseTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
	case int64:
		return time.Unix(val, 0), true
	}
	return time.Time{}, false
}

// Introspect describes the configured endpoints. It performs no I/O.
func (a *Adapter) Introspect(context.Context) ([]adapter.SchemaChunk, error) {
	chunks := make([]adapter.SchemaChunk, 0, len(a.cfg.Endpoints))
	for _, e := range a.cfg.Endpoints {
		var b strings.Builder
		fmt.Fprintf(&b, "endpoint %s (%s %s)", e.Entity, e.Method, e.Path)
		if e.Description != "" {
			fmt.Fprintf(&b, ": %s", e.Description)
		}

		meta := map[string]string{"method": e.Method, "path": e.Path}
		if e.SupportsTimeRange() {
			meta["time_range"] = "true"
		}
		if e.TimeField != "" {
			b.WriteString(". time field: " + e.TimeField)
			meta["time_field"] = e.TimeField
		}
		chunks = append(chunks, adapter.SchemaChunk{
			ID:       a.desc.ID + ":" + e.Entity,
			SourceID: a.desc.ID,
			Entity:   e.Entity,
			Content:  b.String(),
			Metadata: meta,
		})
	}
	return chunks, nil
}

// HealthCheck reports whether the API answers without a server error.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+a.cfg.HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
	return err == nil
}

func retryable(err error) bool {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &netErr):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return httpclient.IsTemporary(err)
}

var _ adapter.Adapter = (*Adapter)(nil)
