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

package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/config"
)

// Changes summarizes one Apply.
type Changes struct {
	Added   []string
	Updated []string
	Removed []string

	// Restart lists sections that changed but only take effect after a
	// restart.
	Restart []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed)+len(c.Restart) == 0
}

// Apply moves the source set to next: removed sources are closed and
// dropped from the index, new and changed ones are registered and
// re-indexed. In-flight requests keep the adapters they resolved.
func (r *Runtime) Apply(ctx context.Context, next *config.Config) (Changes, error) {
	if next == nil {
		return Changes{}, errors.New("config is required")
	}

	r.mu.Lock()
	prev := r.cfg
	r.mu.Unlock()

	changes := diffSources(prev, next)
	changes.Restart = restartSections(prev, next)

	var errs []error
	for _, id := range changes.Removed {
		if err := r.registry.Remove(id); err != nil {
			var nf *adapter.NotFoundError
			if !errors.As(err, &nf) {
				slog.Warn("Closing removed source failed", "source", id, "error", err)
			}
		}
		if r.index != nil {
			if err := r.index.RemoveSource(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("unindex %s: %w", id, err))
			}
		}
	}

	var touched []string
	for _, id := range append(append([]string{}, changes.Added...), changes.Updated...) {
		src, _ := next.Source(id)
		if err := r.schemes.RegisterSource(r.registry, src.Descriptor(), adapter.WithForce()); err != nil {
			errs = append(errs, err)
			continue
		}
		touched = append(touched, id)
	}

	if r.refresher != nil {
		for _, id := range touched {
			a, err := r.registry.Resolve(id)
			if err != nil {
				slog.Warn("Source unavailable for indexing", "source", id, "error", err)
				continue
			}
			if _, err := r.refresher.RefreshSource(ctx, a); err != nil {
				slog.Warn("Schema introspection failed", "source", id, "error", err)
			}
		}
	}

	r.mu.Lock()
	r.cfg = next
	r.mu.Unlock()

	if len(changes.Restart) > 0 {
		slog.Warn("Configuration sections changed that need a restart", "sections", changes.Restart)
	}
	if !changes.Empty() {
		slog.Info("Configuration applied",
			"added", changes.Added,
			"updated", changes.Updated,
			"removed", changes.Removed)
	}
	return changes, errors.Join(errs...)
}

// OnChange adapts Apply to config.WithOnChange.
func (r *Runtime) OnChange(ctx context.Context) func(*config.Config) {
	return func(cfg *config.Config) {
		if _, err := r.Apply(ctx, cfg); err != nil {
			slog.Error("Failed to apply configuration", "error", err)
		}
	}
}

func diffSources(prev, next *config.Config) Changes {
	var c Changes
	for _, src := range next.Sources {
		old, ok := prev.Source(src.ID)
		switch {
		case !ok:
			c.Added = append(c.Added, src.ID)
		case !sameSection(*old, src):
			c.Updated = append(c.Updated, src.ID)
		}
	}
	for _, src := range prev.Sources {
		if _, ok := next.Source(src.ID); !ok {
			c.Removed = append(c.Removed, src.ID)
		}
	}
	return c
}

func restartSections(prev, next *config.Config) []string {
	sections := []struct {
		name string
		a, b any
	}{
		{"server", prev.Server, next.Server},
		{"observability", prev.Observability, next.Observability},
		{"classifier", prev.Classifier, next.Classifier},
		{"orchestrator", prev.Orchestrator, next.Orchestrator},
		{"index", prev.Index, next.Index},
		{"stream", prev.Stream, next.Stream},
	}
	var out []string
	for _, s := range sections {
		if !sameSection(s.a, s.b) {
			out = append(out, s.name)
		}
	}
	return out
}
