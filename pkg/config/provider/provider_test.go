package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	for in, want := range map[string]Type{"": TypeFile, "file": TypeFile, "Consul": TypeConsul, "etcd": TypeEtcd, "zk": TypeZookeeper} {
		got, err := ParseType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseType("s3")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "path is required")

	p, err := New(Config{Type: TypeEtcd, Path: "conduit/config"})
	require.NoError(t, err, "etcd connects lazily")
	assert.Equal(t, TypeEtcd, p.Type())
	assert.Equal(t, []string{"localhost:2379"}, p.(*EtcdProvider).cfg.Endpoints)
	require.NoError(t, p.Close())

	_, err = New(Config{Type: TypeZookeeper, Path: "conduit"})
	assert.ErrorContains(t, err, "must be absolute")

	p, err = New(Config{Type: TypeZookeeper, Path: "/conduit/config"})
	require.NoError(t, err)
	assert.Equal(t, TypeZookeeper, p.Type())
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources: []\n"), 0o644))

	p, err := NewFileProvider(path)
	require.NoError(t, err)
	defer p.Close()

	data, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sources: []\n", string(data))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := p.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("sources: [a]\n"), 0o644))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change signalled")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-changes
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFileProvider_Missing(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	_, err = p.Load(context.Background())
	assert.Error(t, err)

	require.NoError(t, p.Close())
	_, err = p.Watch(context.Background())
	assert.ErrorContains(t, err, "closed")
}

// fakeConsul serves one KV key with blocking query support.
type fakeConsul struct {
	mu      sync.Mutex
	value   string
	index   uint64
	changed chan struct{}
}

func (f *fakeConsul) set(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = v
	f.index++
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *fakeConsul) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/kv/") {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	index, changed := f.index, f.changed
	f.mu.Unlock()

	if wait := r.URL.Query().Get("index"); wait != "" {
		if n, _ := strconv.ParseUint(wait, 10, 64); n >= index {
			select {
			case <-changed:
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
				return
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Consul-Index", strconv.FormatUint(f.index, 10))
	if f.value == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode([]map[string]any{{
		"Key":         strings.TrimPrefix(r.URL.Path, "/v1/kv/"),
		"Value":       base64.StdEncoding.EncodeToString([]byte(f.value)),
		"ModifyIndex": f.index,
	}})
}

func TestConsulProvider(t *testing.T) {
	fake := &fakeConsul{value: "version: 1\n", index: 7, changed: make(chan struct{})}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, err := New(Config{Type: TypeConsul, Path: "conduit/config", Endpoints: []string{strings.TrimPrefix(srv.URL, "http://")}})
	require.NoError(t, err)
	defer p.Close()

	data, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "version: 1\n", string(data))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := p.Watch(ctx)
	require.NoError(t, err)

	fake.set("version: 2\n")
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("no change signalled")
	}
	data, err = p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "version: 2\n", string(data))
}

func TestConsulProvider_MissingKey(t *testing.T) {
	srv := httptest.NewServer(&fakeConsul{index: 1, changed: make(chan struct{})})
	defer srv.Close()

	p, err := NewConsulProvider(Config{Path: "nope", Endpoints: []string{strings.TrimPrefix(srv.URL, "http://")}})
	require.NoError(t, err)
	_, err = p.Load(context.Background())
	assert.ErrorContains(t, err, "not found")
}
