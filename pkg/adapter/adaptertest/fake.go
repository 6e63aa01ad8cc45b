// Package adaptertest provides an in-memory adapter for tests.
package adaptertest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// Query is the backend query produced by Fake.
type Query struct {
	SourceID string
	Limit    int
	Intent   *adapter.Intent
}

func (Query) QueryKind() string { return "fake" }

// Fake is a scriptable adapter. Zero values produce an adapter that
// returns Records on every call.
type Fake struct {
	Desc    adapter.Descriptor
	Records []adapter.Record
	Chunks  []adapter.SchemaChunk

	// TranslateErr is returned by Translate when set.
	TranslateErr error

	// TranslateFunc overrides TranslateErr. call is 1-based.
	TranslateFunc func(ctx context.Context, call int) error

	// ExecFunc overrides Execute. call is 1-based.
	ExecFunc func(ctx context.Context, call int) ([]adapter.Record, error)

	// Delay is applied before every Execute, honoring cancellation.
	Delay time.Duration

	Unhealthy atomic.Bool

	calls      atomic.Int32
	translates atomic.Int32
	closed     atomic.Bool
}

// New returns a fake for id with records tagged with that id.
func New(id string, caps []adapter.Capability, n int) *Fake {
	f := &Fake{Desc: adapter.Descriptor{ID: id, Scheme: "fake", Capabilities: caps}}
	for i := 0; i < n; i++ {
		f.Records = append(f.Records, adapter.NewRecord(id, "row", map[string]any{
			"id":     fmt.Sprintf("%s-%d", id, i),
			"amount": float64(10 * (i + 1)),
		}))
	}
	return f
}

func (f *Fake) Descriptor() adapter.Descriptor { return f.Desc.Clone() }

func (f *Fake) Translate(ctx context.Context, intent *adapter.Intent) (adapter.BackendQuery, error) {
	call := int(f.translates.Add(1))
	if f.TranslateFunc != nil {
		if err := f.TranslateFunc(ctx, call); err != nil {
			return nil, err
		}
	}
	if f.TranslateErr != nil {
		return nil, f.TranslateErr
	}
	return Query{SourceID: f.Desc.ID, Limit: intent.Params.EffectiveLimit(), Intent: intent}, nil
}

func (f *Fake) Execute(ctx context.Context, q adapter.BackendQuery) ([]adapter.Record, error) {
	call := int(f.calls.Add(1))
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, adapter.NewExecutionError(f.Desc.ID, false, ctx.Err())
		case <-time.After(f.Delay):
		}
	}
	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, call)
	}
	limit := adapter.DefaultResultCap
	if fq, ok := q.(Query); ok {
		limit = fq.Limit
	}
	out := make([]adapter.Record, len(f.Records))
	copy(out, f.Records)
	return adapter.Cap(out, limit), nil
}

func (f *Fake) Introspect(context.Context) ([]adapter.SchemaChunk, error) {
	return f.Chunks, nil
}

func (f *Fake) HealthCheck(context.Context) bool { return !f.Unhealthy.Load() }

func (f *Fake) Close() error {
	f.closed.Store(true)
	return nil
}

// Calls returns the number of Execute calls so far.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

// Translations returns the number of Translate calls so far.
func (f *Fake) Translations() int { return int(f.translates.Load()) }

// Closed reports whether Close was called.
func (f *Fake) Closed() bool { return f.closed.Load() }

// Fail returns an ExecFunc that always fails.
func Fail(sourceID string, retryable bool) func(context.Context, int) ([]adapter.Record, error) {
	return func(context.Context, int) ([]adapter.Record, error) {
		return nil, adapter.NewExecutionError(sourceID, retryable, fmt.Errorf("backend unavailable"))
	}
}
