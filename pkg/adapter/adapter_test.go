package adapter_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapter/adaptertest"
)

func TestRegistry_RoundTrip(t *testing.T) {
	r := adapter.NewRegistry()
	ids := []string{"postgres", "shiprocket", "payu"}
	fakes := map[string]*adaptertest.Fake{}

	for _, id := range ids {
		f := adaptertest.New(id, []adapter.Capability{adapter.CapabilityRelational}, 1)
		fakes[id] = f
		require.NoError(t, r.RegisterInstance(f))
	}

	for _, id := range ids {
		got, err := r.Resolve(id)
		require.NoError(t, err)
		assert.Same(t, fakes[id], got, "resolve must return the registered instance")
	}
}

func TestRegistry_FactoryRunsOnce(t *testing.T) {
	r := adapter.NewRegistry()
	var built int
	var mu sync.Mutex

	err := r.Register(adapter.Descriptor{ID: "mongo", Scheme: "mongodb"}, func(d adapter.Descriptor) (adapter.Adapter, error) {
		mu.Lock()
		built++
		mu.Unlock()
		return adaptertest.New(d.ID, nil, 0), nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]adapter.Adapter, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := r.Resolve("mongo")
			assert.NoError(t, err)
			results[i] = a
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, built)
	for _, a := range results {
		assert.Same(t, results[0], a)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	r := adapter.NewRegistry()
	first := adaptertest.New("payu", nil, 0)
	second := adaptertest.New("payu", nil, 0)

	require.NoError(t, r.RegisterInstance(first))

	err := r.RegisterInstance(second)
	var dup *adapter.DuplicateAdapterError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "payu", dup.ID)

	got, _ := r.Resolve("payu")
	assert.Same(t, first, got)

	t.Run("forced overwrite", func(t *testing.T) {
		require.NoError(t, r.RegisterInstance(second, adapter.WithForce()))
		got, err := r.Resolve("payu")
		require.NoError(t, err)
		assert.Same(t, second, got)
		assert.True(t, first.Closed(), "replaced adapter is closed")
	})
}

func TestRegistry_NotFound(t *testing.T) {
	r := adapter.NewRegistry()
	_, err := r.Resolve("stripe")

	var nf *adapter.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "stripe", nf.ID)
}

func TestRegistry_ListSortedCopies(t *testing.T) {
	r := adapter.NewRegistry()
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, r.Register(adapter.Descriptor{
			ID:         id,
			Aliases:    []string{id + "-alias"},
			Connection: map[string]any{"host": "db"},
		}, func(d adapter.Descriptor) (adapter.Adapter, error) { return adaptertest.New(d.ID, nil, 0), nil }))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[2].ID)

	list[0].Aliases[0] = "mutated"
	list[0].Connection["host"] = "mutated"
	desc, ok := r.Descriptor("a")
	require.True(t, ok)
	assert.Equal(t, "a-alias", desc.Aliases[0])
	assert.Equal(t, "db", desc.Connection["host"])
}

func TestRegistry_FactoryError(t *testing.T) {
	r := adapter.NewRegistry()
	boom := errors.New("bad config")
	require.NoError(t, r.Register(adapter.Descriptor{ID: "x"}, func(adapter.Descriptor) (adapter.Adapter, error) {
		return nil, boom
	}))

	_, err := r.Resolve("x")
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_Remove(t *testing.T) {
	r := adapter.NewRegistry()
	f := adaptertest.New("sheet", nil, 0)
	require.NoError(t, r.RegisterInstance(f))
	_, _ = r.Resolve("sheet")

	require.NoError(t, r.Remove("sheet"))
	assert.True(t, f.Closed())
	assert.Equal(t, 0, r.Len())

	var nf *adapter.NotFoundError
	assert.ErrorAs(t, r.Remove("sheet"), &nf)
}

func TestRegistry_AcquireDefersClose(t *testing.T) {
	r := adapter.NewRegistry()
	first := adaptertest.New("pg", nil, 1)
	second := adaptertest.New("pg", nil, 1)
	require.NoError(t, r.RegisterInstance(first))

	a, release, err := r.Acquire("pg")
	require.NoError(t, err)
	assert.Same(t, first, a)

	require.NoError(t, r.RegisterInstance(second, adapter.WithForce()))
	assert.False(t, first.Closed(), "in-flight adapter stays open")

	got, release2, err := r.Acquire("pg")
	require.NoError(t, err)
	assert.Same(t, second, got, "new calls see the replacement")

	release()
	release()
	assert.True(t, first.Closed(), "closed after the last holder releases")
	assert.False(t, second.Closed())

	require.NoError(t, r.Remove("pg"))
	assert.False(t, second.Closed())
	release2()
	assert.True(t, second.Closed())

	_, _, err = r.Acquire("pg")
	var nf *adapter.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSchemes_RegisterSource(t *testing.T) {
	schemes := adapter.NewSchemes()
	require.NoError(t, schemes.Register("fake", func(d adapter.Descriptor) (adapter.Adapter, error) {
		return adaptertest.New(d.ID, nil, 0), nil
	}))
	assert.Error(t, schemes.Register("fake", func(d adapter.Descriptor) (adapter.Adapter, error) { return nil, nil }))

	r := adapter.NewRegistry()
	require.NoError(t, schemes.RegisterSource(r, adapter.Descriptor{ID: "one", Scheme: "fake"}))
	assert.Error(t, schemes.RegisterSource(r, adapter.Descriptor{ID: "two", Scheme: "oracle"}))

	a, err := r.Resolve("one")
	require.NoError(t, err)
	assert.Equal(t, "one", a.Descriptor().ID)
}

func TestRecord_JSON(t *testing.T) {
	rec := adapter.NewRecord("postgres", "orders", map[string]any{
		"id":        float64(7),
		"source_id": "spoofed",
	})

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "postgres", flat["source_id"])
	assert.Equal(t, "orders", flat["record_type"])
	assert.Equal(t, float64(7), flat["id"])

	var back adapter.Record
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec, back)
}

func TestParams_EffectiveLimit(t *testing.T) {
	tests := []struct {
		limit int
		want  int
	}{
		{0, adapter.DefaultResultCap},
		{25, 25},
		{adapter.MaxResultCap * 2, adapter.MaxResultCap},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, adapter.Params{Limit: tt.limit}.EffectiveLimit())
	}
}

func TestIntent_Targets(t *testing.T) {
	in := &adapter.Intent{}
	in.AddTarget("shiprocket")
	in.AddTarget("payu")
	in.AddTarget("payu")

	assert.Equal(t, []string{"payu", "shiprocket"}, in.TargetSources)
	assert.True(t, in.Targets("payu"))
	assert.False(t, in.Targets("postgres"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, adapter.IsRetryable(adapter.NewExecutionError("a", true, errors.New("x"))))
	assert.False(t, adapter.IsRetryable(adapter.NewExecutionError("a", false, errors.New("x"))))
	assert.False(t, adapter.IsRetryable(&adapter.TranslationError{SourceID: "a", Reason: "r"}))
}

func TestDecodeConnection(t *testing.T) {
	var cfg struct {
		Host    string   `yaml:"host"`
		Port    int      `yaml:"port"`
		Tables  []string `yaml:"tables"`
		Timeout string   `yaml:"timeout"`
	}
	desc := adapter.Descriptor{ID: "pg", Connection: map[string]any{
		"host":   "localhost",
		"port":   "5432",
		"tables": "orders,customers",
	}}
	require.NoError(t, adapter.DecodeConnection(desc, &cfg))
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, []string{"orders", "customers"}, cfg.Tables)
}
