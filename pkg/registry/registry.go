// Package registry provides a small concurrency-safe keyed registry used for
// scheme constructors and classifier backends.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrEmptyName is returned when registering under an empty key.
	ErrEmptyName = errors.New("name cannot be empty")

	// ErrExists is returned when a key is already taken.
	ErrExists = errors.New("already registered")

	// ErrNotFound is returned when removing an unknown key.
	ErrNotFound = errors.New("not found")
)

type Registry[T any] interface {
	Register(name string, item T) error
	Replace(name string, item T) error
	Get(name string) (T, bool)
	Names() []string
	Remove(name string) error
	Count() int
}

type BaseRegistry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{
		items: make(map[string]T),
	}
}

// Register adds item under name. It fails if name is taken.
func (r *BaseRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; exists {
		return fmt.Errorf("%q: %w", name, ErrExists)
	}

	r.items[name] = item
	return nil
}

// Replace adds or overwrites item under name.
func (r *BaseRegistry[T]) Replace(name string, item T) error {
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	r.items[name] = item
	r.mu.Unlock()
	return nil
}

func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, exists := r.items[name]
	return item, exists
}

// Names returns the registered keys in sorted order.
func (r *BaseRegistry[T]) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

func (r *BaseRegistry[T]) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; !exists {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	delete(r.items, name)
	return nil
}

func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}
