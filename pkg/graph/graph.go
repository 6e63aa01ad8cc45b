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

// Package graph holds the per-request execution plan: a small DAG of
// metadata, fetch, aggregate and analyze nodes, and the pure Builder that
// compiles it from a classification, a query intent and the resolved
// sources.
package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/conduit/pkg/adapter"
)

// Kind is the operation a node performs.
type Kind string

const (
	KindMetadata  Kind = "metadata"
	KindFetch     Kind = "fetch"
	KindAggregate Kind = "aggregate"
	KindAnalyze   Kind = "analyze"
)

// Status is the lifecycle state of a node.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusDegraded
}

// Static complexity weights used by the scheduler's batch budget.
const (
	WeightLookup      = 1
	WeightAggregation = 2
	WeightSimilarity  = 3
	WeightJoin        = 4
)

// Reasons attached to failed and degraded nodes.
const (
	ReasonCancelled       = "cancelled"
	ReasonTimeout         = "timeout"
	ReasonCircuitOpen     = "circuit_open"
	ReasonDependency      = "dependency_unavailable"
	ReasonTranslation     = "translation_failed"
	ReasonExecution       = "execution_failed"
	ReasonRetryExhausted  = "retries_exhausted"
	ReasonAdapterNotFound = "adapter_not_found"
)

var (
	ErrNodeExists   = errors.New("node already exists")
	ErrNodeNotFound = errors.New("node not found")
)

// NotReadyError is returned by MarkRunning when the node is not pending or
// one of its dependencies is not done.
type NotReadyError struct {
	NodeID     string
	Status     Status
	Dependency string
}

func (e *NotReadyError) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("node %s cannot run: dependency %s is not done", e.NodeID, e.Dependency)
	}
	return fmt.Sprintf("node %s cannot run from status %s", e.NodeID, e.Status)
}

// Node is one operation in the plan. Fields below Weight are owned by the
// Graph and change only through its Mark methods.
type Node struct {
	ID           string   `json:"id"`
	Kind         Kind     `json:"kind"`
	Dependencies []string `json:"dependencies,omitempty"`
	SourceID     string   `json:"source_id,omitempty"`
	Weight       int      `json:"weight"`

	Status    Status           `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	Err       error            `json:"-"`
	Output    []adapter.Record `json:"-"`
	Attempts  int              `json:"attempts,omitempty"`
	FromCache bool             `json:"from_cache,omitempty"`
	Started   time.Time        `json:"started,omitempty"`
	Finished  time.Time        `json:"finished,omitempty"`
}

// Duration is the time spent running, zero until the node finishes.
func (n *Node) Duration() time.Duration {
	if n.Started.IsZero() || n.Finished.IsZero() {
		return 0
	}
	return n.Finished.Sub(n.Started)
}

// Result carries what a finished node produced.
type Result struct {
	Output    []adapter.Record
	Attempts  int
	FromCache bool
}

// Graph is a request's execution plan. Nodes are kept in insertion order,
// and every dependency must already exist when a node is added, so
// insertion order is a topological order and the graph is acyclic by
// construction.
type Graph struct {
	RequestID string

	mu    sync.RWMutex
	order []*Node
	index map[string]*Node
	now   func() time.Time
}

// New creates an empty graph.
func New(requestID string) *Graph {
	return &Graph{
		RequestID: requestID,
		index:     make(map[string]*Node),
		now:       time.Now,
	}
}

// Add inserts a pending node.
func (g *Graph) Add(n Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if n.ID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if _, ok := g.index[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.ID)
	}
	for _, dep := range n.Dependencies {
		if _, ok := g.index[dep]; !ok {
			return fmt.Errorf("node %s: %w: dependency %s", n.ID, ErrNodeNotFound, dep)
		}
	}
	if n.Weight <= 0 {
		n.Weight = WeightLookup
	}

	node := n
	node.Dependencies = append([]string(nil), n.Dependencies...)
	node.Status = StatusPending
	g.order = append(g.order, &node)
	g.index[node.ID] = &node
	return nil
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.index[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, len(g.order))
	for i, n := range g.order {
		out[i] = *n
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// OfKind returns copies of the nodes of one kind, in insertion order.
func (g *Graph) OfKind(kind Kind) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Node
	for _, n := range g.order {
		if n.Kind == kind {
			out = append(out, *n)
		}
	}
	return out
}

// Ready returns pending nodes whose dependencies are all done.
func (g *Graph) Ready() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Node
	for _, n := range g.order {
		if n.Status == StatusPending && g.depsDone(n) == "" {
			out = append(out, *n)
		}
	}
	return out
}

// Blocked returns pending nodes with at least one failed or degraded
// dependency. Such nodes can never run.
func (g *Graph) Blocked() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Node
	for _, n := range g.order {
		if n.Status != StatusPending {
			continue
		}
		for _, dep := range n.Dependencies {
			s := g.index[dep].Status
			if s == StatusFailed || s == StatusDegraded {
				out = append(out, *n)
				break
			}
		}
	}
	return out
}

// Complete reports whether every node is terminal.
func (g *Graph) Complete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.order {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// Outputs returns the outputs of the given node ids, skipping unknown ids.
func (g *Graph) Outputs(ids ...string) [][]adapter.Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([][]adapter.Record, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.index[id]; ok {
			out = append(out, n.Output)
		}
	}
	return out
}

// MarkRunning moves a node to running. It refuses unless the node is pending
// and every dependency is done.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Status != StatusPending {
		return &NotReadyError{NodeID: id, Status: n.Status}
	}
	if dep := g.depsDone(n); dep != "" {
		return &NotReadyError{NodeID: id, Status: n.Status, Dependency: dep}
	}
	n.Status = StatusRunning
	n.Started = g.now()
	return nil
}

// MarkDone finishes a running node successfully.
func (g *Graph) MarkDone(id string, res Result) error {
	return g.finish(id, StatusDone, "", nil, res)
}

// MarkFailed finishes a node as failed. Pending nodes may fail directly
// (cancellation).
func (g *Graph) MarkFailed(id, reason string, err error, res Result) error {
	return g.finish(id, StatusFailed, reason, err, res)
}

// MarkDegraded finishes a node as degraded. res.Output may hold a cached
// last-good value.
func (g *Graph) MarkDegraded(id, reason string, err error, res Result) error {
	return g.finish(id, StatusDegraded, reason, err, res)
}

func (g *Graph) finish(id string, status Status, reason string, err error, res Result) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Status.Terminal() {
		return fmt.Errorf("node %s already %s", id, n.Status)
	}
	if status == StatusDone && n.Status != StatusRunning {
		return &NotReadyError{NodeID: id, Status: n.Status}
	}

	n.Status = status
	n.Reason = reason
	n.Err = err
	n.Output = res.Output
	n.Attempts = res.Attempts
	n.FromCache = res.FromCache
	n.Finished = g.now()
	return nil
}

// depsDone returns the first dependency that is not done, or "".
func (g *Graph) depsDone(n *Node) string {
	for _, dep := range n.Dependencies {
		if g.index[dep].Status != StatusDone {
			return dep
		}
	}
	return ""
}
