// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schemaindex is the in-process nearest-neighbour index over the
// schema chunks adapters report from Introspect. The orchestrator only
// queries it; the Refresher keeps it current.
package schemaindex

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/embedder"
)

const collectionName = "schema"

// Index is the read-only view the orchestrator uses.
type Index interface {
	Query(ctx context.Context, text string, k int) ([]Match, error)
}

// Match is a schema chunk with its similarity to the query.
type Match struct {
	adapter.SchemaChunk
	Similarity float32 `json:"similarity"`
}

// Config configures the index.
type Config struct {
	// PersistPath stores the index on disk; empty keeps it in memory.
	PersistPath string `yaml:"persist_path,omitempty"`
	Compress    bool   `yaml:"compress,omitempty"`

	// TopK is the number of chunks retrieved per question.
	TopK int `yaml:"top_k,omitempty" jsonschema:"default=8"`

	// MinSimilarity drops weaker matches.
	MinSimilarity float32 `yaml:"min_similarity,omitempty" jsonschema:"default=0.15"`

	Embedder embedder.Config `yaml:"embedder,omitempty"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.TopK <= 0 {
		c.TopK = 8
	}
	if c.MinSimilarity <= 0 {
		c.MinSimilarity = 0.15
	}
	c.Embedder.SetDefaults()
}

// Store is the chromem-go backed index.
type Store struct {
	cfg   Config
	embed embedder.Embedder
	db    *chromem.DB

	mu  sync.RWMutex
	col *chromem.Collection
}

// New opens the index.
func New(cfg Config, emb embedder.Embedder) (*Store, error) {
	cfg.SetDefaults()
	if emb == nil {
		var err error
		if emb, err = embedder.New(cfg.Embedder); err != nil {
			return nil, err
		}
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistPath, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open schema index at %s: %w", cfg.PersistPath, err)
		}
		slog.Info("Opened schema index", "path", cfg.PersistPath)
	} else {
		db = chromem.NewDB()
	}

	s := &Store{cfg: cfg, embed: emb, db: db}
	col, err := db.GetOrCreateCollection(collectionName, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("failed to create schema collection: %w", err)
	}
	s.col = col
	return s, nil
}

// embeddingFunc lets chromem embed the chunks and queries with our embedder.
func (s *Store) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embed.Embed(ctx, text)
	}
}

// Count returns the number of indexed chunks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.col.Count()
}

// Upsert indexes chunks, replacing chunks with the same id.
func (s *Store) Upsert(ctx context.Context, chunks []adapter.SchemaChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	docs, err := s.documents(ctx, chunks)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(ctx, docs)
}

// RemoveSource drops every chunk of a source.
func (s *Store) RemoveSource(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(ctx, sourceID)
}

// ReplaceSource swaps the chunks of a source for chunks. The new chunks are
// embedded before anything is removed, so a failing embedder leaves the
// previous chunks in place.
func (s *Store) ReplaceSource(ctx context.Context, sourceID string, chunks []adapter.SchemaChunk) error {
	docs, err := s.documents(ctx, chunks)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.remove(ctx, sourceID); err != nil {
		return err
	}
	return s.add(ctx, docs)
}

func (s *Store) documents(ctx context.Context, chunks []adapter.SchemaChunk) ([]chromem.Document, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = chunkText(c)
	}
	vectors, err := s.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed schema chunks: %w", err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		meta := make(map[string]string, len(c.Metadata)+2)
		for k, v := range c.Metadata {
			meta["m."+k] = v
		}
		meta["source_id"] = c.SourceID
		meta["entity"] = c.Entity
		docs[i] = chromem.Document{
			ID:        chunkID(c),
			Content:   c.Content,
			Metadata:  meta,
			Embedding: vectors[i],
		}
	}
	return docs, nil
}

// add and remove expect s.mu held.
func (s *Store) add(ctx context.Context, docs []chromem.Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := s.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to index schema chunks: %w", err)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, sourceID string) error {
	if s.col.Count() == 0 {
		return nil
	}
	if err := s.col.Delete(ctx, map[string]string{"source_id": sourceID}, nil); err != nil {
		return fmt.Errorf("failed to remove chunks of %s: %w", sourceID, err)
	}
	return nil
}

// Query returns up to k chunks similar to text, best first. Matches below
// the similarity floor are dropped.
func (s *Store) Query(ctx context.Context, text string, k int) ([]Match, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = s.cfg.TopK
	}

	vec, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if isZero(vec) {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.col.Count()
	if n == 0 {
		return nil, nil
	}
	k = min(k, n)

	results, err := s.col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("schema query failed: %w", err)
	}

	out := make([]Match, 0, len(results))
	for _, r := range results {
		if r.Similarity < s.cfg.MinSimilarity {
			continue
		}
		out = append(out, Match{SchemaChunk: fromDocument(r), Similarity: r.Similarity})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// Sources returns the distinct source ids among matches, best first.
func Sources(matches []Match) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		if !seen[m.SourceID] {
			seen[m.SourceID] = true
			out = append(out, m.SourceID)
		}
	}
	return out
}

// Chunks strips the similarity scores.
func Chunks(matches []Match) []adapter.SchemaChunk {
	out := make([]adapter.SchemaChunk, len(matches))
	for i, m := range matches {
		out[i] = m.SchemaChunk
	}
	return out
}

func fromDocument(r chromem.Result) adapter.SchemaChunk {
	c := adapter.SchemaChunk{
		ID:       r.ID,
		SourceID: r.Metadata["source_id"],
		Entity:   r.Metadata["entity"],
		Content:  r.Content,
	}
	for k, v := range r.Metadata {
		if name, ok := strings.CutPrefix(k, "m."); ok {
			if c.Metadata == nil {
				c.Metadata = make(map[string]string)
			}
			c.Metadata[name] = v
		}
	}
	return c
}

func chunkID(c adapter.SchemaChunk) string {
	if c.ID != "" {
		return c.ID
	}
	return c.SourceID + ":" + c.Entity
}

func chunkText(c adapter.SchemaChunk) string {
	return c.SourceID + " " + c.Entity + " " + c.Content
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
