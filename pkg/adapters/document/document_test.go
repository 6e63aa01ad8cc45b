package document

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

func descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		ID:     "events",
		Scheme: Scheme,
		Connection: map[string]any{
			"uri":      "mongodb://localhost:27017",
			"database": "ops",
			"collections": []any{
				map[string]any{"name": "shipments", "time_field": "created_at"},
				map[string]any{"name": "tickets"},
			},
		},
	}
}

func TestBuild(t *testing.T) {
	a, err := New(descriptor())
	require.NoError(t, err)

	from := time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 7)
	in := &adapter.Intent{Params: adapter.Params{
		Entities:  []string{"shipment"},
		TimeRange: &adapter.TimeRange{From: from, To: to, Label: "last week"},
		Filters:   map[string]string{"status": "delivered", "attempts": "2"},
		Limit:     5,
	}}

	q, err := a.Translate(context.Background(), in)
	require.NoError(t, err)
	query := q.(*Query)

	assert.Equal(t, "shipments", query.Collection)
	assert.Equal(t, 5, query.Limit)
	assert.Equal(t, bson.D{
		{Key: "created_at", Value: bson.D{{Key: "$gte", Value: from}, {Key: "$lt", Value: to}}},
		{Key: "attempts", Value: bson.D{{Key: "$in", Value: bson.A{"2", int64(2), float64(2)}}}},
		{Key: "status", Value: "delivered"},
	}, query.Filter)
	assert.Equal(t, bson.D{{Key: "created_at", Value: -1}}, query.Sort)
}

func TestTranslateErrors(t *testing.T) {
	a, err := New(descriptor())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.Translate(ctx, &adapter.Intent{Params: adapter.Params{Entities: []string{"invoices"}}})
	var te *adapter.TranslationError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Reason, "no collection matches")

	in := &adapter.Intent{Params: adapter.Params{
		Entities:  []string{"tickets"},
		TimeRange: &adapter.TimeRange{From: time.Now().Add(-time.Hour), To: time.Now(), Label: "today"},
	}}
	_, err = a.Translate(ctx, in)
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Reason, "no time field")
}

func TestMatchValue(t *testing.T) {
	assert.Equal(t, "open", matchValue("open"))
	assert.Equal(t, bson.D{{Key: "$in", Value: bson.A{"1.5", 1.5}}}, matchValue("1.5"))
	assert.Equal(t, bson.D{{Key: "$in", Value: bson.A{"true", true}}}, matchValue("true"))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Database: "ops"}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 20, cfg.SampleSize)

	assert.ErrorContains(t, (&Config{URI: "mongodb://x"}).Validate(), "database is required")
	assert.ErrorContains(t, (&Config{URI: "http://x", Database: "d"}).Validate(), "invalid uri")
}

func TestExecuteAndIntrospect(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	created := time.Date(2026, 10, 10, 9, 30, 0, 0, time.UTC)
	oid := primitive.NewObjectID()
	doc := bson.D{
		{Key: "_id", Value: oid},
		{Key: "status", Value: "delivered"},
		{Key: "attempts", Value: int32(2)},
		{Key: "created_at", Value: primitive.NewDateTimeFromTime(created)},
		{Key: "address", Value: bson.D{{Key: "city", Value: "Pune"}}},
	}

	mt.Run("execute", func(mt *mtest.T) {
		a, err := New(descriptor(), WithClient(mt.Client))
		require.NoError(t, err)

		mt.AddMockResponses(mtest.CreateCursorResponse(0, "ops.shipments", mtest.FirstBatch, doc))
		records, err := a.Execute(context.Background(), &Query{Collection: "shipments", Filter: bson.D{}, Limit: 10})
		require.NoError(mt, err)
		require.Len(mt, records, 1)

		r := records[0]
		assert.Equal(mt, "events", r.SourceID)
		assert.Equal(mt, "shipments", r.RecordType)
		assert.Equal(mt, oid.Hex(), r.Fields["_id"])
		assert.Equal(mt, int64(2), r.Fields["attempts"])
		assert.Equal(mt, "2026-10-10T09:30:00Z", r.Fields["created_at"])
		assert.Equal(mt, map[string]any{"city": "Pune"}, r.Fields["address"])
	})

	mt.Run("introspect", func(mt *mtest.T) {
		desc := descriptor()
		desc.Connection["collections"] = []any{map[string]any{"name": "shipments"}}
		a, err := New(desc, WithClient(mt.Client))
		require.NoError(mt, err)

		mt.AddMockResponses(mtest.CreateCursorResponse(0, "ops.shipments", mtest.FirstBatch, doc))
		chunks, err := a.Introspect(context.Background())
		require.NoError(mt, err)
		require.Len(mt, chunks, 1)

		assert.Equal(mt, "events:shipments", chunks[0].ID)
		assert.Equal(mt, "created_at", chunks[0].Metadata["time_field"])
		assert.Contains(mt, chunks[0].Content, "created_at (date)")
		assert.Contains(mt, chunks[0].Content, "address (object)")

		// The detected time field now serves time windows.
		in := &adapter.Intent{Params: adapter.Params{
			Entities:  []string{"shipments"},
			TimeRange: &adapter.TimeRange{From: created.Add(-time.Hour), To: created.Add(time.Hour)},
		}}
		q, err := a.Translate(context.Background(), in)
		require.NoError(mt, err)
		assert.Equal(mt, "created_at", q.(*Query).Filter[0].Key)
	})
}

func TestInferFields(t *testing.T) {
	fields := inferFields([]bson.M{
		{"a": nil, "b": "x"},
		{"a": int64(1), "c": bson.A{1}},
	})
	assert.Equal(t, []Field{{"a", "number"}, {"b", "string"}, {"c", "array"}}, fields)
	assert.Equal(t, "", detectTimeField(fields))
}
