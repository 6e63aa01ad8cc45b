package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapter/adaptertest"
	"github.com/kadirpekel/conduit/pkg/config"
)

const baseYAML = `
orchestrator:
  fetch_retry:
    max_attempts: 1
    base_delay: 1ms
sources:
  - id: postgres
    type: fake
    capabilities: [relational, time_range]
    entities: [orders, customers]
  - id: shiprocket
    type: fake
    capabilities: [logistics]
    entities: [shipments]
`

// fakeSchemes records every adapter the registry constructs.
type fakeSchemes struct {
	mu    sync.Mutex
	built map[string][]*adaptertest.Fake
}

func newFakeSchemes(t *testing.T) (*adapter.Schemes, *fakeSchemes) {
	t.Helper()
	fs := &fakeSchemes{built: make(map[string][]*adaptertest.Fake)}
	s := adapter.NewSchemes()
	require.NoError(t, s.Register("fake", func(desc adapter.Descriptor) (adapter.Adapter, error) {
		f := adaptertest.New(desc.ID, desc.Capabilities, 2)
		f.Desc = desc
		f.Chunks = []adapter.SchemaChunk{{Entity: desc.ID + "_table", Content: "columns id amount created_at"}}
		fs.mu.Lock()
		fs.built[desc.ID] = append(fs.built[desc.ID], f)
		fs.mu.Unlock()
		return f, nil
	}))
	return s, fs
}

func (fs *fakeSchemes) latest(id string) *adaptertest.Fake {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b := fs.built[id]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

func (fs *fakeSchemes) count(id string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.built[id])
}

func parse(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

func newRuntime(t *testing.T, yaml string) (*Runtime, *fakeSchemes) {
	t.Helper()
	schemes, fs := newFakeSchemes(t)
	rt, err := New(context.Background(), parse(t, yaml), WithSchemes(schemes))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt, fs
}

func TestNew(t *testing.T) {
	rt, fs := newRuntime(t, baseYAML)

	assert.Equal(t, 2, rt.Registry().Len())
	assert.NotNil(t, rt.Index())
	assert.Zero(t, fs.count("postgres"), "sources connect lazily")

	res, err := rt.Orchestrator().Ask(context.Background(), "show orders from last week")
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1, fs.latest("postgres").Calls())
	assert.Zero(t, fs.count("shiprocket"))
}

func TestNew_Errors(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		schemes, _ := newFakeSchemes(t)
		cfg := parse(t, `
sources:
  - id: warehouse
    type: snowflake
`)
		_, err := New(context.Background(), cfg, WithSchemes(schemes))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "warehouse")
		assert.Contains(t, err.Error(), "snowflake")
	})

	t.Run("bad classifier backend", func(t *testing.T) {
		schemes, _ := newFakeSchemes(t)
		cfg := parse(t, baseYAML)
		cfg.Classifier.Backend = "mystery"
		_, err := New(context.Background(), cfg, WithSchemes(schemes))
		assert.Error(t, err)
	})
}

func TestNew_BuiltinSchemes(t *testing.T) {
	cfg := parse(t, `
index:
  disabled: true
sources:
  - id: sales
    type: sqlite
    capabilities: [relational]
    connection:
      database: ":memory:"
`)
	rt, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer rt.Close()

	d, ok := rt.Registry().Descriptor("sales")
	require.True(t, ok)
	assert.Equal(t, "sqlite", d.Scheme)
	assert.Nil(t, rt.Index())
}

func TestReindex(t *testing.T) {
	rt, fs := newRuntime(t, baseYAML)

	report, err := rt.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"postgres": 2, "shiprocket": 2}, report.Indexed)
	assert.Equal(t, 4, rt.Index().Count())
	assert.Equal(t, 1, fs.count("postgres"))

	disabled, _ := newRuntime(t, baseYAML+"index:\n  disabled: true\n")
	_, err = disabled.Reindex(context.Background())
	assert.ErrorIs(t, err, ErrIndexDisabled)
}

func TestApply(t *testing.T) {
	rt, fs := newRuntime(t, baseYAML)
	ctx := context.Background()
	_, err := rt.Reindex(ctx)
	require.NoError(t, err)
	oldShiprocket := fs.latest("shiprocket")

	next := parse(t, `
server:
  address: ":9090"
orchestrator:
  fetch_retry:
    max_attempts: 1
    base_delay: 1ms
sources:
  - id: postgres
    type: fake
    capabilities: [relational, time_range]
    entities: [orders, customers]
    aliases: [warehouse]
  - id: payu
    type: fake
    capabilities: [payments]
    entities: [payments]
`)
	changes, err := rt.Apply(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"payu"}, changes.Added)
	assert.Equal(t, []string{"postgres"}, changes.Updated)
	assert.Equal(t, []string{"shiprocket"}, changes.Removed)
	assert.Equal(t, []string{"server"}, changes.Restart)
	assert.Same(t, next, rt.Config())

	ids := make([]string, 0)
	for _, d := range rt.Registry().List() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"payu", "postgres"}, ids)
	assert.True(t, oldShiprocket.Closed())

	d, _ := rt.Registry().Descriptor("postgres")
	assert.Equal(t, []string{"warehouse"}, d.Aliases)
	assert.Equal(t, 2, fs.count("postgres"), "changed source is rebuilt")

	// shiprocket's chunks are gone; payu and the new postgres are indexed.
	assert.Equal(t, 4, rt.Index().Count())

	res, err := rt.Orchestrator().Ask(ctx, "show payments in PayU")
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)

	_, err = rt.Orchestrator().Ask(ctx, "show shipments in Shiprocket")
	assert.Error(t, err)
}

func TestApply_NoChanges(t *testing.T) {
	rt, fs := newRuntime(t, baseYAML)

	changes, err := rt.Apply(context.Background(), parse(t, baseYAML))
	require.NoError(t, err)
	assert.True(t, changes.Empty())
	assert.Zero(t, fs.count("postgres"))
}

func TestApply_UnknownSchemeKeepsOthers(t *testing.T) {
	rt, _ := newRuntime(t, baseYAML)

	next := parse(t, baseYAML+`  - id: legacy
    type: db2
`)
	changes, err := rt.Apply(context.Background(), next)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "legacy")
	assert.Equal(t, []string{"legacy"}, changes.Added)
	assert.Equal(t, 2, rt.Registry().Len())
}

func TestOnChange(t *testing.T) {
	rt, _ := newRuntime(t, baseYAML)

	fn := rt.OnChange(context.Background())
	fn(parse(t, `
sources:
  - id: postgres
    type: fake
    capabilities: [relational]
`))
	assert.Equal(t, 1, rt.Registry().Len())
}

func TestStartClose(t *testing.T) {
	rt, fs := newRuntime(t, baseYAML+"index:\n  refresh_interval: 1h\n")
	rt.Start(context.Background())

	require.Eventually(t, func() bool { return rt.Index().Count() == 4 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- rt.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.True(t, fs.latest("postgres").Closed())
}

func TestChangesEmpty(t *testing.T) {
	assert.True(t, Changes{}.Empty())
	assert.False(t, Changes{Restart: []string{"index"}}.Empty())
}
