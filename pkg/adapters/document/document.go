// Package document queries MongoDB collections.
package document

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/adapters/entity"
)

// Scheme handled by this package.
const Scheme = "mongodb"

// Config is the connection block of a MongoDB source.
type Config struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`

	// Collections restricts and annotates the queryable collections. Empty
	// means every collection in the database.
	Collections []CollectionConfig `yaml:"collections,omitempty"`

	// SampleSize is how many documents introspection reads per collection.
	SampleSize int `yaml:"sample_size,omitempty" jsonschema:"default=20"`

	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty" jsonschema:"default=10s"`
}

// CollectionConfig annotates one collection.
type CollectionConfig struct {
	Name        string   `yaml:"name"`
	TimeField   string   `yaml:"time_field,omitempty"`
	Fields      []string `yaml:"fields,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.SampleSize <= 0 {
		c.SampleSize = 20
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if !strings.HasPrefix(c.URI, "mongodb://") && !strings.HasPrefix(c.URI, "mongodb+srv://") {
		return fmt.Errorf("invalid uri %q", c.URI)
	}
	for i, coll := range c.Collections {
		if coll.Name == "" {
			return fmt.Errorf("collections[%d]: name is required", i)
		}
	}
	return nil
}

func (c *Config) collection(name string) (CollectionConfig, bool) {
	for _, coll := range c.Collections {
		if coll.Name == name {
			return coll, true
		}
	}
	return CollectionConfig{}, false
}

// Query is a find on one collection.
type Query struct {
	Collection string
	Filter     bson.D
	Sort       bson.D
	Projection bson.D
	Limit      int
}

func (*Query) QueryKind() string { return "mongo.find" }

// Option configures an Adapter.
type Option func(*Adapter)

// WithClient uses an existing client instead of connecting to the URI.
func WithClient(client *mongo.Client) Option {
	return func(a *Adapter) {
		a.client = client
		a.ownsClient = false
	}
}

// Adapter is a MongoDB source.
type Adapter struct {
	desc adapter.Descriptor
	cfg  Config

	mu         sync.Mutex
	client     *mongo.Client
	ownsClient bool
	timeFields map[string]string
}

// New creates an adapter for desc. The client connects on first use.
func New(desc adapter.Descriptor, opts ...Option) (*Adapter, error) {
	var cfg Config
	if err := adapter.DecodeConnection(desc, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("source %q: %w", desc.ID, err)
	}
	a := &Adapter{desc: desc, cfg: cfg, ownsClient: true, timeFields: make(map[string]string)}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Register adds the mongodb scheme to s.
func Register(s *adapter.Schemes) error {
	return s.Register(Scheme, func(desc adapter.Descriptor) (adapter.Adapter, error) {
		return New(desc)
	})
}

func (a *Adapter) Descriptor() adapter.Descriptor { return a.desc.Clone() }

func (a *Adapter) db(ctx context.Context) (*mongo.Database, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		opts := options.Client().
			ApplyURI(a.cfg.URI).
			SetConnectTimeout(a.cfg.ConnectTimeout).
			SetAppName("conduit")
		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", a.desc.ID, err)
		}
		a.client = client
	}
	return a.client.Database(a.cfg.Database), nil
}

func (a *Adapter) collections(ctx context.Context) ([]string, error) {
	if len(a.cfg.Collections) > 0 {
		names := make([]string, len(a.cfg.Collections))
		for i, c := range a.cfg.Collections {
			names[i] = c.Name
		}
		return names, nil
	}
	db, err := a.db(ctx)
	if err != nil {
		return nil, err
	}
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Translate picks a collection and builds the find filter.
func (a *Adapter) Translate(ctx context.Context, in *adapter.Intent) (adapter.BackendQuery, error) {
	names, err := a.collections(ctx)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), err)
	}
	name := entity.Pick(names, in, a.desc.ID)
	if name == "" {
		return nil, &adapter.TranslationError{
			SourceID: a.desc.ID,
			Reason:   fmt.Sprintf("no collection matches %v (collections: %s)", in.Words(), strings.Join(names, ", ")),
		}
	}
	return a.build(name, in)
}

func (a *Adapter) build(collection string, in *adapter.Intent) (*Query, error) {
	cc, _ := a.cfg.collection(collection)
	q := &Query{Collection: collection, Limit: in.Params.EffectiveLimit()}

	timeField := cc.TimeField
	if timeField == "" {
		a.mu.Lock()
		timeField = a.timeFields[collection]
		a.mu.Unlock()
	}

	if tr := in.Params.TimeRange; tr != nil {
		if timeField == "" {
			return nil, &adapter.TranslationError{
				SourceID: a.desc.ID,
				Reason:   fmt.Sprintf("collection %s has no time field for %q", collection, tr.Label),
			}
		}
		q.Filter = append(q.Filter, bson.E{Key: timeField, Value: bson.D{
			{Key: "$gte", Value: tr.From},
			{Key: "$lt", Value: tr.To},
		}})
	}

	keys := make([]string, 0, len(in.Params.Filters))
	for k := range in.Params.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Filter = append(q.Filter, bson.E{Key: k, Value: matchValue(in.Params.Filters[k])})
	}
	if q.Filter == nil {
		q.Filter = bson.D{}
	}

	if timeField != "" {
		q.Sort = bson.D{{Key: timeField, Value: -1}}
	}
	if len(cc.Fields) > 0 {
		for _, f := range cc.Fields {
			q.Projection = append(q.Projection, bson.E{Key: f, Value: 1})
		}
	}
	return q, nil
}

// matchValue matches a filter given as text against string, numeric or
// boolean fields.
func matchValue(s string) any {
	alternatives := bson.A{s}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		alternatives = append(alternatives, n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		alternatives = append(alternatives, f)
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		alternatives = append(alternatives, b)
	}
	if len(alternatives) == 1 {
		return s
	}
	return bson.D{{Key: "$in", Value: alternatives}}
}

// Execute runs the find.
func (a *Adapter) Execute(ctx context.Context, q adapter.BackendQuery) ([]adapter.Record, error) {
	query, ok := q.(*Query)
	if !ok {
		return nil, adapter.NewExecutionError(a.desc.ID, false, fmt.Errorf("unexpected query type %T", q))
	}
	db, err := a.db(ctx)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, true, err)
	}

	opts := options.Find().SetLimit(int64(query.Limit))
	if len(query.Sort) > 0 {
		opts.SetSort(query.Sort)
	}
	if len(query.Projection) > 0 {
		opts.SetProjection(query.Projection)
	}

	cursor, err := db.Collection(query.Collection).Find(ctx, query.Filter, opts)
	if err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), fmt.Errorf("find %s: %w", query.Collection, err))
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, adapter.NewExecutionError(a.desc.ID, retryable(err), fmt.Errorf("read %s: %w", query.Collection, err))
	}

	records := make([]adapter.Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, adapter.NewRecord(a.desc.ID, query.Collection, normalizeDoc(doc)))
	}
	return adapter.Cap(records, query.Limit), nil
}

// Introspect samples each collection to describe its fields.
func (a *Adapter) Introspect(ctx context.Context) ([]adapter.SchemaChunk, error) {
	names, err := a.collections(ctx)
	if err != nil {
		return nil, err
	}
	db, err := a.db(ctx)
	if err != nil {
		return nil, err
	}

	chunks := make([]adapter.SchemaChunk, 0, len(names))
	for _, name := range names {
		cursor, err := db.Collection(name).Find(ctx, bson.D{}, options.Find().SetLimit(int64(a.cfg.SampleSize)))
		if err != nil {
			return nil, fmt.Errorf("sample %s: %w", name, err)
		}
		var docs []bson.M
		if err := cursor.All(ctx, &docs); err != nil {
			return nil, fmt.Errorf("sample %s: %w", name, err)
		}

		fields := inferFields(docs)
		cc, _ := a.cfg.collection(name)
		timeField := cc.TimeField
		if timeField == "" {
			timeField = detectTimeField(fields)
		}
		a.mu.Lock()
		a.timeFields[name] = timeField
		a.mu.Unlock()

		chunks = append(chunks, chunk(a.desc.ID, name, cc.Description, fields, timeField))
	}
	return chunks, nil
}

func chunk(sourceID, collection, description string, fields []Field, timeField string) adapter.SchemaChunk {
	var b strings.Builder
	fmt.Fprintf(&b, "collection %s", collection)
	if description != "" {
		fmt.Fprintf(&b, ": %s", description)
	}
	b.WriteString(". fields:")
	for _, f := range fields {
		fmt.Fprintf(&b, " %s (%s)", f.Name, f.Type)
	}
	meta := map[string]string{"kind": "collection"}
	if timeField != "" {
		meta["time_field"] = timeField
	}
	return adapter.SchemaChunk{
		ID:       sourceID + ":" + collection,
		SourceID: sourceID,
		Entity:   collection,
		Content:  b.String(),
		Metadata: meta,
	}
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	db, err := a.db(ctx)
	if err != nil {
		return false
	}
	return db.Client().Ping(ctx, readpref.Primary()) == nil
}

// Close disconnects a client the adapter created.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || !a.ownsClient {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.client.Disconnect(ctx)
	a.client = nil
	return err
}

// Field is a field seen while sampling a collection.
type Field struct {
	Name string
	Type string
}

// inferFields lists top-level fields with the first non-null type seen.
func inferFields(docs []bson.M) []Field {
	types := make(map[string]string)
	for _, doc := range docs {
		for k, v := range doc {
			if t, ok := types[k]; ok && t != "null" {
				continue
			}
			types[k] = typeName(v)
		}
	}
	fields := make([]Field, 0, len(types))
	for name, t := range types {
		fields = append(fields, Field{Name: name, Type: t})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case int32, int64, float64, primitive.Decimal128:
		return "number"
	case bool:
		return "bool"
	case primitive.DateTime, primitive.Timestamp, time.Time:
		return "date"
	case primitive.ObjectID:
		return "objectid"
	case bson.M, bson.D, map[string]any:
		return "object"
	case bson.A, []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func detectTimeField(fields []Field) string {
	for _, preferred := range []string{"created_at", "createdAt", "timestamp", "date", "updated_at", "updatedAt"} {
		for _, f := range fields {
			if f.Name == preferred && f.Type == "date" {
				return f.Name
			}
		}
	}
	for _, f := range fields {
		if f.Type == "date" {
			return f.Name
		}
	}
	return ""
}

// normalizeDoc converts BSON values into JSON-friendly ones.
func normalizeDoc(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	case primitive.Timestamp:
		return time.Unix(int64(val.T), 0).UTC().Format(time.RFC3339)
	case primitive.Decimal128:
		return val.String()
	case int32:
		return int64(val)
	case bson.M:
		return normalizeDoc(val)
	case bson.D:
		out := make(map[string]any, len(val))
		for _, e := range val {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	default:
		return val
	}
}

func retryable(err error) bool {
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded)
}

var _ adapter.Adapter = (*Adapter)(nil)
