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

package adapter

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Factory constructs an adapter from its descriptor. Factories must not
// perform I/O; connections are opened on first use inside the adapter.
type Factory func(desc Descriptor) (Adapter, error)

type entry struct {
	desc    Descriptor
	factory Factory

	once sync.Once
	inst Adapter
	err  error

	// inflight counts Acquire holders. A retired entry closes its adapter
	// when the last holder releases it.
	mu        sync.Mutex
	inflight  int
	retired   bool
	closeOnce sync.Once
}

func (e *entry) resolve() (Adapter, error) {
	e.once.Do(func() {
		e.inst, e.err = e.factory(e.desc.Clone())
		if e.err == nil && e.inst == nil {
			e.err = fmt.Errorf("factory for %q returned nil adapter", e.desc.ID)
		}
	})
	return e.inst, e.err
}

// acquire resolves the adapter and pins it until release. ok is false when
// the entry was retired concurrently.
func (e *entry) acquire() (a Adapter, release func(), ok bool, err error) {
	e.mu.Lock()
	if e.retired {
		e.mu.Unlock()
		return nil, nil, false, nil
	}
	e.inflight++
	e.mu.Unlock()

	var once sync.Once
	release = func() { once.Do(e.release) }
	a, err = e.resolve()
	if err != nil {
		release()
		return nil, nil, true, err
	}
	return a, release, true, nil
}

func (e *entry) release() {
	e.mu.Lock()
	e.inflight--
	idle := e.retired && e.inflight == 0
	e.mu.Unlock()
	if idle {
		if err := e.closeInstance(); err != nil {
			slog.Warn("Failed to close replaced adapter", "adapter", e.desc.ID, "error", err)
		}
	}
}

// retire stops new acquisitions and closes the adapter once it is idle.
// closed reports whether the close happened now.
func (e *entry) retire() (closed bool, err error) {
	e.mu.Lock()
	e.retired = true
	idle := e.inflight == 0
	e.mu.Unlock()
	if !idle {
		return false, nil
	}
	return true, e.closeInstance()
}

// closeInstance closes the adapter if it was ever constructed.
func (e *entry) closeInstance() error {
	var err error
	e.closeOnce.Do(func() {
		e.once.Do(func() {
			e.err = fmt.Errorf("adapter %q removed", e.desc.ID)
		})
		if c, ok := e.inst.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}

type registerOptions struct {
	force bool
}

// RegisterOption tunes Register.
type RegisterOption func(*registerOptions)

// WithForce overwrites an existing registration with the same id.
func WithForce() RegisterOption {
	return func(o *registerOptions) { o.force = true }
}

// Registry maps source ids to adapters. Writers copy the map and swap it
// atomically, so Resolve never takes a lock.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]*entry]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]*entry{}
	r.snapshot.Store(&empty)
	return r
}

// Register adds a factory under desc.ID.
func (r *Registry) Register(desc Descriptor, factory Factory, opts ...RegisterOption) error {
	if desc.ID == "" {
		return errors.New("adapter id cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("adapter %q: nil factory", desc.ID)
	}

	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	previous, exists := current[desc.ID]
	if exists && !o.force {
		return &DuplicateAdapterError{ID: desc.ID}
	}

	next := make(map[string]*entry, len(current)+1)
	for id, e := range current {
		next[id] = e
	}
	next[desc.ID] = &entry{desc: desc.Clone(), factory: factory}
	r.snapshot.Store(&next)

	if exists {
		closed, err := previous.retire()
		if err != nil {
			slog.Warn("Failed to close replaced adapter", "adapter", desc.ID, "error", err)
		}
		if !closed {
			slog.Debug("Replaced adapter closes after in-flight calls", "adapter", desc.ID)
		}
	}
	slog.Debug("Registered adapter", "adapter", desc.ID, "scheme", desc.Scheme, "forced", exists)
	return nil
}

// RegisterInstance registers an already constructed adapter.
func (r *Registry) RegisterInstance(a Adapter, opts ...RegisterOption) error {
	if a == nil {
		return errors.New("adapter cannot be nil")
	}
	return r.Register(a.Descriptor(), func(Descriptor) (Adapter, error) { return a, nil }, opts...)
}

// Resolve returns the adapter registered under id, constructing it on the
// first call.
func (r *Registry) Resolve(id string) (Adapter, error) {
	e, ok := (*r.snapshot.Load())[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return e.resolve()
}

// Acquire is Resolve for calls that use the adapter. The adapter stays open
// until release is called, even if it is replaced or removed meanwhile.
func (r *Registry) Acquire(id string) (Adapter, func(), error) {
	for {
		e, ok := (*r.snapshot.Load())[id]
		if !ok {
			return nil, nil, &NotFoundError{ID: id}
		}
		a, release, live, err := e.acquire()
		if !live {
			continue
		}
		return a, release, err
	}
}

// Descriptor returns a copy of the descriptor registered under id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	e, ok := (*r.snapshot.Load())[id]
	if !ok {
		return Descriptor{}, false
	}
	return e.desc.Clone(), true
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	current := *r.snapshot.Load()
	out := make([]Descriptor, 0, len(current))
	for _, e := range current {
		out = append(out, e.desc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

// Remove unregisters id and closes its adapter once in-flight calls
// release it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	e, ok := current[id]
	if !ok {
		return &NotFoundError{ID: id}
	}

	next := make(map[string]*entry, len(current))
	for k, v := range current {
		if k != id {
			next[k] = v
		}
	}
	r.snapshot.Store(&next)
	_, err := e.retire()
	return err
}

// Close closes every constructed adapter.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, e := range *r.snapshot.Load() {
		if err := e.closeInstance(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
