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

// Package scheduler executes execution graphs. Ready nodes are packed into
// batches whose summed weight stays within a budget, each batch runs
// concurrently and completes before the next is formed, and fetch nodes
// additionally hold a per-source semaphore shared by every request in the
// process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/resilience"
	"github.com/kadirpekel/conduit/pkg/stream"
)

// Executor performs the work of one node kind.
type Executor interface {
	Execute(ctx context.Context, g *graph.Graph, n graph.Node) (graph.Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, g *graph.Graph, n graph.Node) (graph.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, g *graph.Graph, n graph.Node) (graph.Result, error) {
	return f(ctx, g, n)
}

// Executors maps node kinds to their executors.
type Executors map[graph.Kind]Executor

// Emitter receives node events.
type Emitter interface {
	Emit(e stream.Event) bool
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(stream.Event) bool { return true }

// SourceSettings is what the scheduler needs to know about a source.
type SourceSettings struct {
	Scheme      string
	Concurrency int
	Timeout     time.Duration
}

// SourceLookup returns the settings for a source id.
type SourceLookup func(sourceID string) SourceSettings

// NodeReport is the payload of node_finished events.
type NodeReport struct {
	SourceID   string           `json:"source_id,omitempty"`
	Weight     int              `json:"weight"`
	Reason     string           `json:"reason,omitempty"`
	Error      string           `json:"error,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	FromCache  bool             `json:"from_cache,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	Count      int              `json:"count"`
	Records    []adapter.Record `json:"records,omitempty"`
}

// DependencyError explains why a node was degraded without running.
type DependencyError struct {
	NodeID     string
	Dependency string
	Status     graph.Status
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("node %s skipped: dependency %s is %s", e.NodeID, e.Dependency, e.Status)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver is called after every node reaches a terminal status.
func WithObserver(fn func(requestID string, n graph.Node)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// WithBatchHook is called with every batch before it runs.
func WithBatchHook(fn func(batch []graph.Node)) Option {
	return func(s *Scheduler) { s.onBatch = fn }
}

// maxConcurrency is the capacity every source semaphore is created with.
// Permits above the configured limit are held back as reserve.
const maxConcurrency = 1 << 16

// limiter is a per-source semaphore that can be resized while permits are
// held. Shrinking withholds permits as holders release them, so the old
// holders count against the new limit.
type limiter struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	size int64
	debt int64
}

func newLimiter(size int64) *limiter {
	l := &limiter{sem: semaphore.NewWeighted(maxConcurrency), size: size}
	l.sem.TryAcquire(maxConcurrency - size)
	return l
}

func (l *limiter) resize(size int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case size > l.size:
		grow := size - l.size
		paid := min(grow, l.debt)
		l.debt -= paid
		if grow > paid {
			l.sem.Release(grow - paid)
		}
	case size < l.size:
		shrink := l.size - size
		for shrink > 0 && l.sem.TryAcquire(1) {
			shrink--
		}
		l.debt += shrink
	}
	l.size = size
}

func (l *limiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.debt > 0 {
		l.debt--
		return
	}
	l.sem.Release(1)
}

// Scheduler is process-lived; its per-source semaphores bound concurrency
// across all requests.
type Scheduler struct {
	cfg     Config
	sources SourceLookup
	observe func(string, graph.Node)
	onBatch func([]graph.Node)

	mu       sync.Mutex
	limiters map[string]*limiter
}

// New creates a scheduler. sources may be nil.
func New(cfg Config, sources SourceLookup, opts ...Option) *Scheduler {
	cfg.SetDefaults()
	if sources == nil {
		sources = func(string) SourceSettings { return SourceSettings{} }
	}
	s := &Scheduler{cfg: cfg, sources: sources, limiters: make(map[string]*limiter)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Run executes pending nodes until none can make progress. Nodes blocked by
// a failed or degraded dependency are degraded without running. When ctx is
// cancelled every unterminated node is failed with reason cancelled and
// ctx.Err() is returned.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, execs Executors, em Emitter) error {
	for {
		if err := ctx.Err(); err != nil {
			Abort(g, em, graph.ReasonCancelled, err)
			return err
		}
		if s.degradeBlocked(g, em) > 0 {
			continue
		}

		ready := g.Ready()
		if len(ready) == 0 {
			return nil
		}

		batch := Pack(ready, s.cfg.Budget)
		if s.onBatch != nil {
			s.onBatch(batch)
		}

		var eg errgroup.Group
		for _, n := range batch {
			eg.Go(func() error {
				s.runNode(ctx, g, n, execs[n.Kind], em)
				return nil
			})
		}
		_ = eg.Wait()
	}
}

// Pack returns the next batch: ready nodes in order whose summed weight
// fits budget, first fit. A node heavier than the whole budget runs alone.
func Pack(ready []graph.Node, budget int) []graph.Node {
	var batch []graph.Node
	used := 0
	for _, n := range ready {
		if used+n.Weight <= budget {
			batch = append(batch, n)
			used += n.Weight
			continue
		}
		if len(batch) == 0 {
			return []graph.Node{n}
		}
	}
	return batch
}

// Abort fails every unterminated node with reason.
func Abort(g *graph.Graph, em Emitter, reason string, err error) {
	for _, n := range g.Nodes() {
		if n.Status.Terminal() {
			continue
		}
		if g.MarkFailed(n.ID, reason, err, graph.Result{}) == nil {
			emitFinished(g, em, n.ID)
		}
	}
}

func (s *Scheduler) degradeBlocked(g *graph.Graph, em Emitter) int {
	count := 0
	for _, n := range g.Blocked() {
		depErr := &DependencyError{NodeID: n.ID}
		for _, dep := range n.Dependencies {
			d, _ := g.Node(dep)
			if d.Status == graph.StatusFailed || d.Status == graph.StatusDegraded {
				depErr.Dependency, depErr.Status = dep, d.Status
				break
			}
		}
		if err := g.MarkDegraded(n.ID, graph.ReasonDependency, depErr, graph.Result{}); err != nil {
			continue
		}
		count++
		slog.Debug("Node degraded by dependency", "request_id", g.RequestID, "node", n.ID, "dependency", depErr.Dependency)
		s.finished(g, em, n.ID)
	}
	return count
}

func (s *Scheduler) runNode(ctx context.Context, g *graph.Graph, n graph.Node, exec Executor, em Emitter) {
	if n.Kind == graph.KindFetch && n.SourceID != "" {
		release, err := s.acquire(ctx, n.SourceID)
		if err != nil {
			if g.MarkFailed(n.ID, graph.ReasonCancelled, err, graph.Result{}) == nil {
				s.finished(g, em, n.ID)
			}
			return
		}
		defer release()
	}

	if err := g.MarkRunning(n.ID); err != nil {
		slog.Error("Scheduler picked a node that cannot run", "request_id", g.RequestID, "node", n.ID, "error", err)
		return
	}
	em.Emit(stream.Event{
		Type:   stream.TypeNodeStarted,
		NodeID: n.ID,
		Kind:   string(n.Kind),
		Status: string(graph.StatusRunning),
	})

	timeout := s.timeout(n)
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := s.execute(nodeCtx, g, n, exec)
	cancel()

	if err == nil {
		_ = g.MarkDone(n.ID, res)
	} else {
		status, reason := classify(ctx, err)
		if reason == graph.ReasonTimeout {
			err = fmt.Errorf("%s node exceeded %s: %w", n.Kind, timeout, err)
		}
		if status == graph.StatusDegraded {
			_ = g.MarkDegraded(n.ID, reason, err, res)
		} else {
			_ = g.MarkFailed(n.ID, reason, err, res)
		}
		slog.Debug("Node did not complete", "request_id", g.RequestID, "node", n.ID, "status", status, "reason", reason, "error", err)
	}
	s.finished(g, em, n.ID)
}

func (s *Scheduler) execute(ctx context.Context, g *graph.Graph, n graph.Node, exec Executor) (res graph.Result, err error) {
	if exec == nil {
		return graph.Result{}, fmt.Errorf("no executor for %s nodes", n.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", n.ID, r)
		}
	}()
	return exec.Execute(ctx, g, n)
}

func classify(parent context.Context, err error) (graph.Status, string) {
	var translation *adapter.TranslationError
	var notFound *adapter.NotFoundError
	switch {
	case parent.Err() != nil:
		return graph.StatusFailed, graph.ReasonCancelled
	case resilience.IsCircuitOpen(err):
		return graph.StatusDegraded, graph.ReasonCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return graph.StatusFailed, graph.ReasonTimeout
	case errors.As(err, &translation):
		return graph.StatusFailed, graph.ReasonTranslation
	case errors.As(err, &notFound):
		return graph.StatusFailed, graph.ReasonAdapterNotFound
	case resilience.IsRetryExhausted(err):
		return graph.StatusFailed, graph.ReasonRetryExhausted
	default:
		return graph.StatusFailed, graph.ReasonExecution
	}
}

func (s *Scheduler) timeout(n graph.Node) time.Duration {
	t := s.cfg.Timeouts
	switch n.Kind {
	case graph.KindMetadata:
		return t.Metadata
	case graph.KindFetch:
		if d := s.sources(n.SourceID).Timeout; d > 0 {
			return d
		}
		return t.Fetch
	case graph.KindAggregate:
		return t.Aggregate
	default:
		return t.Analyze
	}
}

// Limit returns the concurrency limit for a source.
func (s *Scheduler) Limit(sourceID string) int {
	settings := s.sources(sourceID)
	if settings.Concurrency > 0 {
		return settings.Concurrency
	}
	if n, ok := s.cfg.SchemeConcurrency[settings.Scheme]; ok {
		return n
	}
	return s.cfg.DefaultConcurrency
}

func (s *Scheduler) acquire(ctx context.Context, sourceID string) (func(), error) {
	size := min(max(int64(s.Limit(sourceID)), 1), maxConcurrency)

	s.mu.Lock()
	l, ok := s.limiters[sourceID]
	if !ok {
		l = newLimiter(size)
		s.limiters[sourceID] = l
	} else {
		l.resize(size)
	}
	s.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return l.release, nil
}

func (s *Scheduler) finished(g *graph.Graph, em Emitter, id string) {
	n := emitFinished(g, em, id)
	if s.observe != nil {
		s.observe(g.RequestID, n)
	}
}

func emitFinished(g *graph.Graph, em Emitter, id string) graph.Node {
	n, _ := g.Node(id)
	report := NodeReport{
		SourceID:   n.SourceID,
		Weight:     n.Weight,
		Reason:     n.Reason,
		Attempts:   n.Attempts,
		FromCache:  n.FromCache,
		DurationMs: n.Duration().Milliseconds(),
		Count:      len(n.Output),
		Records:    n.Output,
	}
	if n.Err != nil {
		report.Error = n.Err.Error()
	}
	em.Emit(stream.Event{
		Type:    stream.TypeNodeFinished,
		NodeID:  n.ID,
		Kind:    string(n.Kind),
		Status:  string(n.Status),
		Payload: report,
	})
	return n
}
