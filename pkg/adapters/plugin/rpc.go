package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"
	"time"

	goplugin "github.com/hashicorp/go-plugin"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// Request is the argument of every RPC. Payload is JSON.
type Request struct {
	Deadline time.Time
	Payload  []byte
}

// Response is the reply of every RPC. Failures travel in Err so their
// kind survives the process boundary.
type Response struct {
	Payload []byte
	Err     *WireError
}

// Error kinds carried by WireError.
const (
	ErrKindTranslation = "translation"
	ErrKindRetryable   = "retryable"
	ErrKindPermanent   = "permanent"
)

// WireError is an error crossing the process boundary.
type WireError struct {
	Kind    string
	Message string
}

func toWire(err error) *WireError {
	if err == nil {
		return nil
	}
	var te *adapter.TranslationError
	switch {
	case errors.As(err, &te):
		return &WireError{Kind: ErrKindTranslation, Message: te.Reason}
	case adapter.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return &WireError{Kind: ErrKindRetryable, Message: err.Error()}
	default:
		return &WireError{Kind: ErrKindPermanent, Message: err.Error()}
	}
}

func (w *WireError) toError(sourceID string) error {
	if w == nil {
		return nil
	}
	switch w.Kind {
	case ErrKindTranslation:
		return &adapter.TranslationError{SourceID: sourceID, Reason: w.Message}
	case ErrKindRetryable:
		return adapter.NewExecutionError(sourceID, true, errors.New(w.Message))
	default:
		return adapter.NewExecutionError(sourceID, false, errors.New(w.Message))
	}
}

type wireIntent struct {
	Intent *adapter.Intent       `json:"intent"`
	Hints  []adapter.SchemaChunk `json:"hints,omitempty"`
}

type wireRecord struct {
	RecordType string         `json:"record_type"`
	Fields     map[string]any `json:"fields"`
}

// RPCServer runs inside the plugin process.
type RPCServer struct {
	Impl Backend
}

func (s *RPCServer) context(req Request) (context.Context, context.CancelFunc) {
	if req.Deadline.IsZero() {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), req.Deadline)
}

func (s *RPCServer) Configure(req Request, resp *Response) error {
	var settings map[string]any
	if err := json.Unmarshal(req.Payload, &settings); err != nil {
		return err
	}
	ctx, cancel := s.context(req)
	defer cancel()
	resp.Err = toWire(s.Impl.Configure(ctx, settings))
	return nil
}

func (s *RPCServer) Translate(req Request, resp *Response) error {
	var in wireIntent
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return err
	}
	if in.Intent == nil {
		in.Intent = &adapter.Intent{}
	}
	in.Intent.Hints = in.Hints

	ctx, cancel := s.context(req)
	defer cancel()
	q, err := s.Impl.Translate(ctx, in.Intent)
	resp.Payload, resp.Err = q, toWire(err)
	return nil
}

func (s *RPCServer) Execute(req Request, resp *Response) error {
	ctx, cancel := s.context(req)
	defer cancel()
	records, err := s.Impl.Execute(ctx, req.Payload)
	if err != nil {
		resp.Err = toWire(err)
		return nil
	}

	out := make([]wireRecord, len(records))
	for i, r := range records {
		out[i] = wireRecord{RecordType: r.RecordType, Fields: r.Fields}
	}
	resp.Payload, err = json.Marshal(out)
	return err
}

func (s *RPCServer) Introspect(req Request, resp *Response) error {
	ctx, cancel := s.context(req)
	defer cancel()
	chunks, err := s.Impl.Introspect(ctx)
	if err != nil {
		resp.Err = toWire(err)
		return nil
	}
	resp.Payload, err = json.Marshal(chunks)
	return err
}

func (s *RPCServer) HealthCheck(req Request, resp *Response) error {
	ctx, cancel := s.context(req)
	defer cancel()
	resp.Payload = []byte("false")
	if s.Impl.HealthCheck(ctx) {
		resp.Payload = []byte("true")
	}
	return nil
}

// RPCClient is the host-side Backend talking to a plugin process.
type RPCClient struct {
	client *rpc.Client
}

func (c *RPCClient) call(ctx context.Context, method string, payload []byte) ([]byte, *WireError, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	req := Request{Payload: payload}
	if dl, ok := ctx.Deadline(); ok {
		req.Deadline = dl
	}
	var resp Response
	call := c.client.Go("Plugin."+method, req, &resp, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-call.Done:
	}
	if call.Error != nil {
		return nil, nil, fmt.Errorf("plugin %s: %w", method, call.Error)
	}
	return resp.Payload, resp.Err, nil
}

// remoteError marks a failure reported by the plugin itself.
type remoteError struct {
	wire *WireError
}

func (e *remoteError) Error() string { return e.wire.Message }

func (c *RPCClient) Configure(ctx context.Context, settings map[string]any) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, werr, err := c.call(ctx, "Configure", payload)
	if err != nil {
		return err
	}
	if werr != nil {
		return &remoteError{wire: werr}
	}
	return nil
}

func (c *RPCClient) Translate(ctx context.Context, in *adapter.Intent) (json.RawMessage, error) {
	payload, err := json.Marshal(wireIntent{Intent: in, Hints: in.Hints})
	if err != nil {
		return nil, err
	}
	out, werr, err := c.call(ctx, "Translate", payload)
	if err != nil {
		return nil, err
	}
	if werr != nil {
		return nil, &remoteError{wire: werr}
	}
	return out, nil
}

func (c *RPCClient) Execute(ctx context.Context, query json.RawMessage) ([]adapter.Record, error) {
	out, werr, err := c.call(ctx, "Execute", query)
	if err != nil {
		return nil, err
	}
	if werr != nil {
		return nil, &remoteError{wire: werr}
	}

	var wire []wireRecord
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	records := make([]adapter.Record, len(wire))
	for i, w := range wire {
		for k, v := range w.Fields {
			w.Fields[k] = number(v)
		}
		records[i] = adapter.Record{RecordType: w.RecordType, Fields: w.Fields}
	}
	return records, nil
}

// number restores integers that JSON would otherwise turn into floats.
func number(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, item := range val {
			val[k] = number(item)
		}
	case []any:
		for i, item := range val {
			val[i] = number(item)
		}
	}
	return v
}

func (c *RPCClient) Introspect(ctx context.Context) ([]adapter.SchemaChunk, error) {
	out, werr, err := c.call(ctx, "Introspect", nil)
	if err != nil {
		return nil, err
	}
	if werr != nil {
		return nil, &remoteError{wire: werr}
	}
	var chunks []adapter.SchemaChunk
	if err := json.Unmarshal(out, &chunks); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	return chunks, nil
}

func (c *RPCClient) HealthCheck(ctx context.Context) bool {
	out, _, err := c.call(ctx, "HealthCheck", nil)
	return err == nil && string(out) == "true"
}

// AdapterPlugin is the go-plugin definition shared by host and plugin.
type AdapterPlugin struct {
	Impl Backend
}

func (p *AdapterPlugin) Server(*goplugin.MuxBroker) (interface{}, error) {
	return &RPCServer{Impl: p.Impl}, nil
}

func (p *AdapterPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

var (
	_ goplugin.Plugin = (*AdapterPlugin)(nil)
	_ Backend         = (*RPCClient)(nil)
)
