package vector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

type fakeStore struct {
	hits       []Hit
	err        error
	collection string
	topK       int
	filter     map[string]any
	vectorLen  int
	closed     bool
}

func (f *fakeStore) Search(_ context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Hit, error) {
	f.collection, f.topK, f.filter, f.vectorLen = collection, topK, filter, len(vector)
	return f.hits, f.err
}

func (f *fakeStore) Ping(context.Context) error { return f.err }

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func newAdapter(t *testing.T, store Store) *Adapter {
	t.Helper()
	a, err := New(adapter.Descriptor{
		ID:     "kb",
		Scheme: "qdrant",
		Connection: map[string]any{
			"collections": []any{
				map[string]any{"name": "tickets", "description": "support tickets"},
				map[string]any{"name": "articles", "content_field": "body"},
			},
			"min_score": 0.2,
			"embedder":  map[string]any{"provider": "hash", "dimension": 64},
		},
	}, WithStore(store))
	require.NoError(t, err)
	return a
}

func TestTranslate(t *testing.T) {
	a := newAdapter(t, &fakeStore{})
	ctx := context.Background()

	q, err := a.Translate(ctx, &adapter.Intent{
		RawText: "find articles similar to refund delays",
		Params: adapter.Params{
			Entities: []string{"articles"},
			Terms:    []string{"refund", "delays"},
			Filters:  map[string]string{"lang": "en"},
		},
	})
	require.NoError(t, err)
	query := q.(*Query)
	assert.Equal(t, "articles", query.Collection)
	assert.Equal(t, "refund delays", query.Text)
	assert.Equal(t, 10, query.TopK)
	assert.Equal(t, map[string]any{"lang": "en"}, query.Filter)

	q, err = a.Translate(ctx, &adapter.Intent{RawText: "anything like this", Params: adapter.Params{Limit: 3}})
	require.NoError(t, err)
	assert.Equal(t, "tickets", q.(*Query).Collection, "falls back to the first collection")
	assert.Equal(t, "anything like this", q.(*Query).Text)
	assert.Equal(t, 3, q.(*Query).TopK)

	_, err = a.Translate(ctx, &adapter.Intent{
		RawText: "tickets today",
		Params:  adapter.Params{TimeRange: &adapter.TimeRange{From: time.Now(), To: time.Now(), Label: "today"}},
	})
	var te *adapter.TranslationError
	assert.ErrorAs(t, err, &te)
}

func TestExecute(t *testing.T) {
	store := &fakeStore{hits: []Hit{
		{ID: "a", Score: 0.4, Metadata: map[string]any{"body": "refund policy"}},
		{ID: "b", Score: 0.9, Metadata: map[string]any{"body": "delayed refunds"}},
		{ID: "c", Score: 0.1, Metadata: map[string]any{"body": "noise"}},
	}}
	a := newAdapter(t, store)

	records, err := a.Execute(context.Background(), &Query{Collection: "articles", Text: "refund delays", TopK: 5})
	require.NoError(t, err)
	require.Len(t, records, 2, "hits under min_score are dropped")

	assert.Equal(t, "b", records[0].Fields["id"])
	assert.Equal(t, "delayed refunds", records[0].Fields["content"])
	assert.Equal(t, "articles", records[0].RecordType)
	assert.Equal(t, "kb", records[0].SourceID)
	assert.Equal(t, 64, store.vectorLen)
	assert.Equal(t, "articles", store.collection)
}

func TestExecuteErrors(t *testing.T) {
	a := newAdapter(t, &fakeStore{err: errors.New("rpc error: code = Unavailable desc = connection refused")})
	_, err := a.Execute(context.Background(), &Query{Collection: "tickets", Text: "x", TopK: 1})
	assert.True(t, adapter.IsRetryable(err))
	assert.False(t, a.HealthCheck(context.Background()))

	a = newAdapter(t, &fakeStore{err: errors.New("collection not found")})
	_, err = a.Execute(context.Background(), &Query{Collection: "tickets", Text: "x", TopK: 1})
	require.Error(t, err)
	assert.False(t, adapter.IsRetryable(err))
}

func TestIntrospectAndClose(t *testing.T) {
	store := &fakeStore{}
	a := newAdapter(t, store)

	chunks, err := a.Introspect(context.Background())
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "kb:tickets", chunks[0].ID)
	assert.Contains(t, chunks[0].Content, "support tickets")
	assert.Equal(t, "vector", chunks[0].Metadata["kind"])

	require.NoError(t, a.Close())
	assert.True(t, store.closed)
}

func TestConfigValidate(t *testing.T) {
	_, err := New(adapter.Descriptor{ID: "x", Scheme: "pinecone", Connection: map[string]any{
		"collections": []any{map[string]any{"name": "idx"}},
	}})
	assert.ErrorContains(t, err, "api_key is required")

	_, err = New(adapter.Descriptor{ID: "x", Scheme: "qdrant"})
	assert.ErrorContains(t, err, "at least one collection")
}

func TestQdrantConversions(t *testing.T) {
	filter := qdrantFilter(map[string]any{"status": "open", "lang": "en"})
	require.Len(t, filter.Must, 2)
	assert.Equal(t, "lang", filter.Must[0].GetField().GetKey())
	assert.Equal(t, "status", filter.Must[1].GetField().GetKey())

	hits := qdrantHits([]*qdrant.ScoredPoint{{
		Id:    qdrant.NewIDNum(7),
		Score: 0.8,
		Payload: map[string]*qdrant.Value{
			"title": qdrant.NewValueString("refunds"),
			"views": qdrant.NewValueInt(3),
		},
	}})
	require.Len(t, hits, 1)
	assert.Equal(t, "7", hits[0].ID)
	assert.Equal(t, map[string]any{"title": "refunds", "views": int64(3)}, hits[0].Metadata)
}

func TestRegister(t *testing.T) {
	s := adapter.NewSchemes()
	require.NoError(t, Register(s))
	_, err := s.Factory("pinecone")
	assert.NoError(t, err)
}
