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

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the burst of events editors produce on save.
const debounceDelay = 100 * time.Millisecond

// FileProvider reads a local file and watches its directory.
type FileProvider struct {
	path string

	mu       sync.Mutex
	watchers []*fsnotify.Watcher
	closed   bool
}

// NewFileProvider creates a provider for path.
func NewFileProvider(path string) (*FileProvider, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &FileProvider{path: abs}, nil
}

func (p *FileProvider) Type() Type { return TypeFile }

// Path returns the absolute file path.
func (p *FileProvider) Path() string { return p.path }

func (p *FileProvider) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", p.path, err)
	}
	return data, nil
}

// Watch watches the parent directory so that atomic renames and
// delete-then-create saves are seen.
func (p *FileProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("provider is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	p.watchers = append(p.watchers, watcher)

	ch := make(chan struct{}, 1)
	go p.loop(ctx, watcher, ch)
	slog.Info("Watching config file", "path", p.path)
	return ch, nil
}

func (p *FileProvider) loop(ctx context.Context, watcher *fsnotify.Watcher, ch chan struct{}) {
	var (
		timer   *time.Timer
		timerMu sync.Mutex
		done    bool
	)
	defer func() {
		timerMu.Lock()
		done = true
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
		watcher.Close()
		close(ch)
	}()

	name := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceDelay, func() {
				timerMu.Lock()
				defer timerMu.Unlock()
				if done {
					return
				}
				if _, err := os.Stat(p.path); err != nil {
					return
				}
				slog.Debug("Config file changed", "path", p.path)
				notify(ch)
			})
			timerMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

// Close stops all watches.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var first error
	for _, w := range p.watchers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.watchers = nil
	return first
}

var _ Provider = (*FileProvider)(nil)
