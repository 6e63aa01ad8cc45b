package vector

import (
	"context"
	"fmt"
	"sort"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant client.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// Qdrant is a Store over the Qdrant gRPC API.
type Qdrant struct {
	client *qdrant.Client
}

// NewQdrant creates the client. The gRPC connection is established lazily
// by the client.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Qdrant{client: client}, nil
}

func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Hit, error) {
	req := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		req.Filter = qdrantFilter(filter)
	}

	res, err := q.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, err)
	}
	return qdrantHits(res.GetResult()), nil
}

func (q *Qdrant) Ping(ctx context.Context) error {
	_, err := q.client.HealthCheck(ctx)
	return err
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}

// qdrantFilter matches every filter key exactly. Keys are sorted so the
// request is stable.
func qdrantFilter(filter map[string]any) *qdrant.Filter {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conditions := make([]*qdrant.Condition, 0, len(keys))
	for _, k := range keys {
		conditions = append(conditions, qdrant.NewMatch(k, fmt.Sprint(filter[k])))
	}
	return &qdrant.Filter{Must: conditions}
}

func qdrantHits(points []*qdrant.ScoredPoint) []Hit {
	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		var id string
		switch v := p.GetId().GetPointIdOptions().(type) {
		case *qdrant.PointId_Uuid:
			id = v.Uuid
		case *qdrant.PointId_Num:
			id = fmt.Sprintf("%d", v.Num)
		}

		meta := make(map[string]any, len(p.GetPayload()))
		for k, v := range p.GetPayload() {
			meta[k] = qdrantValue(v)
		}
		hits = append(hits, Hit{ID: id, Score: p.GetScore(), Metadata: meta})
	}
	return hits
}

func qdrantValue(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_ListValue:
		items := k.ListValue.GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = qdrantValue(item)
		}
		return out
	case *qdrant.Value_StructValue:
		fields := k.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for name, item := range fields {
			out[name] = qdrantValue(item)
		}
		return out
	default:
		return nil
	}
}

var _ Store = (*Qdrant)(nil)
