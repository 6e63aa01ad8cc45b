// Package vector runs similarity search against Qdrant and Pinecone.
package vector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapters/entity"
	"github.com/kadirpekel/conduit/pkg/embedder"
)

// Schemes handled by this package.
var Schemes = []string{"qdrant", "pinecone"}

// Hit is one search result.
type Hit struct {
	ID       string
	Score    float32
	Metadata map[string]any
}

// Store is the part of a vector database the adapter needs.
type Store interface {
	Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Hit, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config is the connection block of a vector source.
type Config struct {
	// Provider is qdrant or pinecone. Defaults to the source scheme.
	Provider string `yaml:"provider,omitempty"`

	Host   string `yaml:"host,omitempty"`
	Port   int    `yaml:"port,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`

	// Namespace is the Pinecone namespace.
	Namespace string `yaml:"namespace,omitempty"`

	Collections []CollectionConfig `yaml:"collections"`

	TopK     int     `yaml:"top_k,omitempty" jsonschema:"default=10"`
	MinScore float32 `yaml:"min_score,omitempty"`

	// Embedder must produce vectors of the collections' dimension.
	Embedder embedder.Config `yaml:"embedder,omitempty"`
}

// CollectionConfig describes one collection (Qdrant) or index (Pinecone).
type CollectionConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description,omitempty"`
	ContentField string `yaml:"content_field,omitempty" jsonschema:"default=content"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults(scheme string) {
	if c.Provider == "" {
		c.Provider = scheme
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
	if c.Provider == "qdrant" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 6334
		}
	}
	for i := range c.Collections {
		if c.Collections[i].ContentField == "" {
			c.Collections[i].ContentField = "content"
		}
	}
	c.Embedder.SetDefaults()
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case "qdrant":
	case "pinecone":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for pinecone")
		}
	default:
		return fmt.Errorf("invalid provider %q (valid: qdrant, pinecone)", c.Provider)
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	for i, coll := range c.Collections {
		if coll.Name == "" {
			return fmt.Errorf("collections[%d]: name is required", i)
		}
	}
	return c.Embedder.Validate()
}

func (c *Config) collection(name string) CollectionConfig {
	for _, coll := range c.Collections {
		if coll.Name == name {
			return coll
		}
	}
	return CollectionConfig{Name: name, ContentField: "content"}
}

// Query is a similarity search. The text is embedded at execution time.
type Query struct {
	Collection string
	Text       string
	TopK       int
	Filter     map[string]any
}

func (*Query) QueryKind() string { return "vector.search" }

// Option configures an Adapter.
type Option func(*Adapter)

// WithStore uses store instead of connecting to the provider.
func WithStore(store Store) Option {
	return func(a *Adapter) { a.store = store }
}

// WithEmbedder replaces the configured embedder.
func WithEmbedder(e embedder.Embedder) Option {
	return func(a *Adapter) { a.embedder = e }
}

// Adapter is a vector store source.
type Adapter struct {
	desc     adapter.Descriptor
	cfg      Config
	embedder embedder.Embedder

	mu    sync.Mutex
	store Store
}

// New creates an adapter for desc. The store client is created on first
// use.
func New(desc adapter.Descriptor, opts ...Option) (*Adapter, error) {
	var cfg Config
	if err := adapter.DecodeConnection(desc, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults(desc.Scheme)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("source %q: %w", desc.ID, err)
	}

	a := &Adapter{desc: desc, cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.embedder == nil {
		emb, err := embedder.New(cfg.Embedder)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", desc.ID, err)
		}
		a.embedder = emb
	}
	return a, nil
}

// Register adds the vector schemes to s.
func Register(s *adapter.Schemes) error {
	for _, scheme := range Schemes {
		if err := s.Register(scheme, func(desc adapter.Descriptor) (adapter.Adapter, error) {
			return New(desc)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Descriptor() adapter.Descriptor { return a.desc.Clone() }

func (a *Adapter) connect() (Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		return a.store, nil
	}
	var (
		store Store
		err   error
	)
	switch a.cfg.Provider {
	case "pinecone":
		store, err = NewPinecone(PineconeConfig{APIKey: a.cfg.APIKey, Host: a.cfg.Host, Namespace: a.cfg.Namespace})
	default:
		store, err = NewQdrant(QdrantConfig{Host: a.cfg.Host, Port: a.cfg.Port, APIKey: a.cfg.APIKey, UseTLS: a.cfg.UseTLS})
	}
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// Translate picks the collection and the search text. No I/O.
func (a *Adapter) Translate(_ context.Context, in *adapter.Intent) (adapter.BackendQuery, error) {
	names := make([]string, len(a.cfg.Collections))
	for i, c := range a.cfg.Collections {
		names[i] = c.Name
	}
	name := entity.Pick(names, in, a.desc.ID)
	if name == "" {
		name = names[0]
	}
	if in.Params.TimeRange != nil {
		return nil, &adapter.TranslationError{
			SourceID: a.desc.ID,
			Reason:   fmt.Sprintf("similarity search cannot filter by time (%q)", in.Params.TimeRange.Label),
		}
	}

	text := strings.Join(in.Params.Terms, " ")
	if text == "" {
		text = in.RawText
	}
	if strings.TrimSpace(text) == "" {
		return nil, &adapter.TranslationError{SourceID: a.desc.ID, Reason: "nothing to search for"}
	}

	topK := a.cfg.TopK
	if in.Params.Limit > 0 {
		topK = in.Params.EffectiveLimit()
	}

	var filter map[string]any
	if len(in.Params.Filters) > 0 {
		filter = make(map[string]any, len(in.Params.Filters))
		for k, v := range in.Params.Filters {
			filter[k] = v
		}
	}
	return &Query{Collection: name, Text: text, TopK: topK, Filter: filter}, nil
}

// Execute embeds the text locally and searches the collection.
func (a *Adapter) Execute(ctx context.Context, q adapter.BackendQuery) ([]adapter.Record, error) {
	query, ok := q.(*Query)
	if !ok {
		return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("unexpected query type %T", q))
	}
	store, err := a.connect()
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, false, err)
	}

	vec, err := a.embedder.Embed(ctx, query.Text)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, true, fmt.Errorf("embed query: %w", err))
	}

	hits, err := store.Search(ctx, query.Collection, vec, query.TopK, query.Filter)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), err)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	cc := a.cfg.collection(query.Collection)
	records := make([]adapter.Record, 0, len(hits))
	for _, h := range hits {
		if h.Score < a.cfg.MinScore {
			continue
		}
		fields := make(map[string]any, len(h.Metadata)+2)
		for k, v := range h.Metadata {
			fields[k] = v
		}
		if content, ok := h.Metadata[cc.ContentField]; ok && cc.ContentField != "content" {
			fields["content"] = content
		}
		fields["id"] = h.ID
		fields["score"] = h.Score
		records = append(records, adapter.NewRecord(a.desc.ID, query.Collection, fields))
	}
	return adapter.Cap(records, query.TopK), nil
}

// Introspect describes the configured collections.
func (a *Adapter) Introspect(context.Context) ([]adapter.SchemaChunk, error) {
	chunks := make([]adapter.SchemaChunk, 0, len(a.cfg.Collections))
	for _, c := range a.cfg.Collections {
		content := fmt.Sprintf("%s collection %s for similarity search", a.cfg.Provider, c.Name)
		if c.Description != "" {
			content += ": " + c.Description
		}
		chunks = append(chunks, adapter.SchemaChunk{
			ID:       a.desc.ID + ":" + c.Name,
			SourceID: a.desc.ID,
			Entity:   c.Name,
			Content:  content,
			Metadata: map[string]string{"kind": "vector", "provider": a.cfg.Provider},
		})
	}
	return chunks, nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	store, err := a.connect()
	if err != nil {
		return false
	}
	return store.Ping(ctx) == nil
}

// Close closes the store client and the embedder.
func (a *Adapter) Close() error {
	a.mu.Lock()
	store := a.store
	a.store = nil
	a.mu.Unlock()

	var err error
	if store != nil {
		err = store.Close()
	}
	if cerr := a.embedder.Close(); err == nil {
		err = cerr
	}
	return err
}

func retryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"unavailable", "deadline exceeded", "connection refused", "too many requests", "429", "503"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var _ adapter.Adapter = (*Adapter)(nil)
