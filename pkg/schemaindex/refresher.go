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

package schemaindex

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// Writer is the write side of the index.
type Writer interface {
	ReplaceSource(ctx context.Context, sourceID string, chunks []adapter.SchemaChunk) error
	RemoveSource(ctx context.Context, sourceID string) error
}

// Report summarizes one refresh.
type Report struct {
	Indexed map[string]int    `json:"indexed"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Refresher re-introspects sources and replaces their chunks in the index.
// A failing source keeps its previous chunks.
type Refresher struct {
	index       Writer
	sources     func() []adapter.Adapter
	concurrency int
	timeout     time.Duration
}

// NewRefresher creates a refresher. sources is evaluated on every refresh
// so newly registered adapters are picked up.
func NewRefresher(index Writer, sources func() []adapter.Adapter) *Refresher {
	return &Refresher{index: index, sources: sources, concurrency: 4, timeout: 30 * time.Second}
}

// Refresh introspects every source concurrently.
func (r *Refresher) Refresh(ctx context.Context) Report {
	report := Report{Indexed: make(map[string]int), Failed: make(map[string]string)}
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for _, a := range r.sources() {
		eg.Go(func() error {
			id := a.Descriptor().ID
			n, err := r.refreshOne(egCtx, a)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[id] = err.Error()
				slog.Warn("Schema introspection failed", "source", id, "error", err)
				return nil
			}
			report.Indexed[id] = n
			return nil
		})
	}
	_ = eg.Wait()

	slog.Info("Schema index refreshed", "sources", len(report.Indexed), "failed", len(report.Failed))
	return report
}

// RefreshSource re-introspects one source.
func (r *Refresher) RefreshSource(ctx context.Context, a adapter.Adapter) (int, error) {
	return r.refreshOne(ctx, a)
}

func (r *Refresher) refreshOne(ctx context.Context, a adapter.Adapter) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	desc := a.Descriptor()
	chunks, err := a.Introspect(ctx)
	if err != nil {
		return 0, err
	}
	chunks = append(slices.Clone(chunks), descriptorChunk(desc))
	for i := range chunks {
		chunks[i].SourceID = desc.ID
	}

	if err := r.index.ReplaceSource(ctx, desc.ID, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// Run refreshes immediately and then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	r.Refresh(ctx)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

// descriptorChunk describes the source itself, so a question naming only
// the kind of data ("payments", "shipments") still finds it.
func descriptorChunk(d adapter.Descriptor) adapter.SchemaChunk {
	caps := make([]string, len(d.Capabilities))
	for i, c := range d.Capabilities {
		caps[i] = string(c)
	}
	sort.Strings(caps)
	return adapter.SchemaChunk{
		ID:       d.ID + ":_source",
		SourceID: d.ID,
		Entity:   "_source",
		Content:  fmt.Sprintf("source %s (%s) aliases %v entities %v capabilities %v", d.ID, d.Scheme, d.Aliases, d.Entities, caps),
	}
}
