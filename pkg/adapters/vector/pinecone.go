package vector

import (
	"context"
	"fmt"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// PineconeConfig configures the Pinecone client.
type PineconeConfig struct {
	APIKey    string
	Host      string
	Namespace string
}

// Pinecone is a Store over the Pinecone API. Collections are index names.
type Pinecone struct {
	client    *pinecone.Client
	namespace string

	mu    sync.Mutex
	conns map[string]*pinecone.IndexConnection
}

// NewPinecone creates the client.
func NewPinecone(cfg PineconeConfig) (*Pinecone, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Pinecone")
	}
	params := pinecone.NewClientParams{ApiKey: cfg.APIKey}
	if cfg.Host != "" {
		params.Host = cfg.Host
	}
	client, err := pinecone.NewClient(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}
	return &Pinecone{client: client, namespace: cfg.Namespace, conns: make(map[string]*pinecone.IndexConnection)}, nil
}

// index returns a cached connection to the index.
func (p *Pinecone) index(ctx context.Context, name string) (*pinecone.IndexConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[name]; ok {
		return conn, nil
	}

	desc, err := p.client.DescribeIndex(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %s: %w", name, err)
	}
	conn, err := p.client.Index(pinecone.NewIndexConnParams{Host: desc.Host, Namespace: p.namespace})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}
	p.conns[name] = conn
	return conn, nil
}

func (p *Pinecone) Search(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Hit, error) {
	conn, err := p.index(ctx, collection)
	if err != nil {
		return nil, err
	}

	var metadataFilter *pinecone.MetadataFilter
	if len(filter) > 0 {
		metadataFilter, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to convert filter: %w", err)
		}
	}

	res, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  metadataFilter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone index %s: %w", collection, err)
	}
	return pineconeHits(res.Matches), nil
}

func (p *Pinecone) Ping(ctx context.Context) error {
	_, err := p.client.ListIndexes(ctx)
	return err
}

func (p *Pinecone) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for name, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close index %s: %w", name, err)
		}
	}
	p.conns = make(map[string]*pinecone.IndexConnection)
	return firstErr
}

func pineconeHits(matches []*pinecone.ScoredVector) []Hit {
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		if m == nil || m.Vector == nil {
			continue
		}
		var meta map[string]any
		if m.Vector.Metadata != nil {
			meta = m.Vector.Metadata.AsMap()
		}
		hits = append(hits, Hit{ID: m.Vector.Id, Score: m.Score, Metadata: meta})
	}
	return hits
}

var _ Store = (*Pinecone)(nil)
