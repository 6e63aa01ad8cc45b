package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conduit/pkg/adapter"
	"github.com/kadirpekel/conduit/pkg/graph"
	"github.com/kadirpekel/conduit/pkg/resilience"
	"github.com/kadirpekel/conduit/pkg/stream"
)

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) Emit(e stream.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recorder) count(typ stream.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func allKinds(exec Executor) Executors {
	return Executors{
		graph.KindMetadata:  exec,
		graph.KindFetch:     exec,
		graph.KindAggregate: exec,
		graph.KindAnalyze:   exec,
	}
}

func ok(_ context.Context, _ *graph.Graph, _ graph.Node) (graph.Result, error) {
	return graph.Result{Attempts: 1}, nil
}

func status(t *testing.T, g *graph.Graph, id string) graph.Node {
	t.Helper()
	n, found := g.Node(id)
	require.True(t, found, id)
	return n
}

// ===== TOPOLOGY =====

// TestRun_RandomDAGsRespectDependencies builds random DAGs, completes nodes
// in random order with random delays and checks that no node ever starts
// before all of its dependencies are done.
func TestRun_RandomDAGsRespectDependencies(t *testing.T) {
	for seed := uint64(0); seed < 40; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed*7+1))
		g := graph.New(fmt.Sprintf("dag-%d", seed))

		size := 2 + rng.IntN(14)
		for i := 0; i < size; i++ {
			var deps []string
			for j := 0; j < i; j++ {
				if rng.IntN(3) == 0 {
					deps = append(deps, fmt.Sprintf("n%d", j))
				}
			}
			require.NoError(t, g.Add(graph.Node{
				ID:           fmt.Sprintf("n%d", i),
				Kind:         graph.KindAggregate,
				Dependencies: deps,
				Weight:       1 + rng.IntN(5),
			}))
		}

		var violations atomic.Int32
		failAt := fmt.Sprintf("n%d", rng.IntN(size))
		delays := make(map[string]time.Duration, size)
		for i := 0; i < size; i++ {
			delays[fmt.Sprintf("n%d", i)] = time.Duration(rng.IntN(300)) * time.Microsecond
		}

		exec := ExecutorFunc(func(_ context.Context, g *graph.Graph, n graph.Node) (graph.Result, error) {
			for _, dep := range n.Dependencies {
				if d, _ := g.Node(dep); d.Status != graph.StatusDone {
					violations.Add(1)
				}
			}
			time.Sleep(delays[n.ID])
			if n.ID == failAt && seed%2 == 0 {
				return graph.Result{}, errors.New("injected")
			}
			return graph.Result{}, nil
		})

		s := New(Config{Budget: 6}, nil, WithBatchHook(func(batch []graph.Node) {
			total := 0
			for _, n := range batch {
				total += n.Weight
			}
			assert.True(t, total <= 6 || len(batch) == 1, "batch over budget")
		}))
		require.NoError(t, s.Run(context.Background(), g, allKinds(exec), NopEmitter{}))

		assert.Zero(t, violations.Load(), "seed %d", seed)
		assert.True(t, g.Complete(), "seed %d", seed)
		for _, n := range g.Nodes() {
			if n.Status == graph.StatusDegraded {
				assert.Equal(t, graph.ReasonDependency, n.Reason)
				assert.True(t, n.Started.IsZero(), "degraded node %s must not run", n.ID)
			}
		}
	}
}

func TestPack(t *testing.T) {
	nodes := func(weights ...int) []graph.Node {
		out := make([]graph.Node, len(weights))
		for i, w := range weights {
			out[i] = graph.Node{ID: fmt.Sprintf("n%d", i), Weight: w}
		}
		return out
	}
	weights := func(batch []graph.Node) []int {
		out := make([]int, len(batch))
		for i, n := range batch {
			out[i] = n.Weight
		}
		return out
	}

	assert.Equal(t, []int{4, 3, 1}, weights(Pack(nodes(4, 3, 3, 1), 8)))
	assert.Equal(t, []int{10}, weights(Pack(nodes(10, 1), 8)), "oversize node runs alone")
	assert.Equal(t, []int{1, 4}, weights(Pack(nodes(1, 10, 4), 8)))
	assert.Empty(t, Pack(nil, 8))
}

// ===== FAILURE HANDLING =====

func TestRun_FailedDependencyDegradesDependents(t *testing.T) {
	g := graph.New("r")
	require.NoError(t, g.Add(graph.Node{ID: "a", Kind: graph.KindFetch}))
	require.NoError(t, g.Add(graph.Node{ID: "b", Kind: graph.KindAggregate, Dependencies: []string{"a"}}))
	require.NoError(t, g.Add(graph.Node{ID: "c", Kind: graph.KindAnalyze, Dependencies: []string{"b"}}))

	var ran atomic.Int32
	exec := ExecutorFunc(func(_ context.Context, _ *graph.Graph, n graph.Node) (graph.Result, error) {
		ran.Add(1)
		if n.ID == "a" {
			return graph.Result{}, adapter.NewExecutionError("a", false, errors.New("syntax error"))
		}
		return graph.Result{}, nil
	})

	rec := &recorder{}
	require.NoError(t, New(Config{}, nil).Run(context.Background(), g, allKinds(exec), rec))

	assert.Equal(t, int32(1), ran.Load())
	a := status(t, g, "a")
	assert.Equal(t, graph.StatusFailed, a.Status)
	assert.Equal(t, graph.ReasonExecution, a.Reason)

	for _, id := range []string{"b", "c"} {
		n := status(t, g, id)
		assert.Equal(t, graph.StatusDegraded, n.Status)
		var depErr *DependencyError
		assert.ErrorAs(t, n.Err, &depErr)
	}
	assert.Equal(t, 1, rec.count(stream.TypeNodeStarted))
	assert.Equal(t, 3, rec.count(stream.TypeNodeFinished))
}

func TestRun_ErrorClassification(t *testing.T) {
	cached := []adapter.Record{adapter.NewRecord("pg", "row", map[string]any{"id": 1})}
	tests := []struct {
		name   string
		err    error
		status graph.Status
		reason string
	}{
		{"circuit open", &resilience.CircuitOpenError{Name: "pg"}, graph.StatusDegraded, graph.ReasonCircuitOpen},
		{"translation", &adapter.TranslationError{SourceID: "pg", Reason: "no table"}, graph.StatusFailed, graph.ReasonTranslation},
		{"not found", &adapter.NotFoundError{ID: "pg"}, graph.StatusFailed, graph.ReasonAdapterNotFound},
		{"retries", &resilience.RetryError{Operation: "pg", Attempts: 4, LastError: errors.New("x"), Exhausted: true}, graph.StatusFailed, graph.ReasonRetryExhausted},
		{"other", errors.New("boom"), graph.StatusFailed, graph.ReasonExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.New("r")
			require.NoError(t, g.Add(graph.Node{ID: "fetch:pg", Kind: graph.KindFetch, SourceID: "pg"}))

			exec := ExecutorFunc(func(context.Context, *graph.Graph, graph.Node) (graph.Result, error) {
				return graph.Result{Output: cached, FromCache: true}, tt.err
			})
			require.NoError(t, New(Config{}, nil).Run(context.Background(), g, allKinds(exec), NopEmitter{}))

			n := status(t, g, "fetch:pg")
			assert.Equal(t, tt.status, n.Status)
			assert.Equal(t, tt.reason, n.Reason)
			assert.ErrorIs(t, n.Err, tt.err)
		})
	}
}

func TestRun_PerKindTimeout(t *testing.T) {
	g := graph.New("r")
	require.NoError(t, g.Add(graph.Node{ID: "fetch:slow", Kind: graph.KindFetch, SourceID: "slow"}))

	lookup := func(string) SourceSettings { return SourceSettings{Timeout: 20 * time.Millisecond} }
	exec := ExecutorFunc(func(ctx context.Context, _ *graph.Graph, _ graph.Node) (graph.Result, error) {
		<-ctx.Done()
		return graph.Result{}, ctx.Err()
	})

	start := time.Now()
	require.NoError(t, New(Config{}, lookup).Run(context.Background(), g, allKinds(exec), NopEmitter{}))
	assert.Less(t, time.Since(start), time.Second)

	n := status(t, g, "fetch:slow")
	assert.Equal(t, graph.StatusFailed, n.Status)
	assert.Equal(t, graph.ReasonTimeout, n.Reason)
	assert.Contains(t, n.Err.Error(), "exceeded 20ms")
}

func TestRun_Cancellation(t *testing.T) {
	g := graph.New("r")
	require.NoError(t, g.Add(graph.Node{ID: "a", Kind: graph.KindFetch, SourceID: "pg"}))
	require.NoError(t, g.Add(graph.Node{ID: "b", Kind: graph.KindAggregate, Dependencies: []string{"a"}}))

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ *graph.Graph, _ graph.Node) (graph.Result, error) {
		close(started)
		<-ctx.Done()
		return graph.Result{}, ctx.Err()
	})

	go func() {
		<-started
		cancel()
	}()

	err := New(Config{}, nil).Run(ctx, g, allKinds(exec), NopEmitter{})
	require.ErrorIs(t, err, context.Canceled)

	for _, id := range []string{"a", "b"} {
		n := status(t, g, id)
		assert.Equal(t, graph.StatusFailed, n.Status, id)
		assert.Equal(t, graph.ReasonCancelled, n.Reason, id)
	}
}

func TestRun_PanicFailsNode(t *testing.T) {
	g := graph.New("r")
	require.NoError(t, g.Add(graph.Node{ID: "a", Kind: graph.KindAnalyze}))

	exec := ExecutorFunc(func(context.Context, *graph.Graph, graph.Node) (graph.Result, error) {
		panic("bad input")
	})
	require.NoError(t, New(Config{}, nil).Run(context.Background(), g, allKinds(exec), NopEmitter{}))
	assert.Equal(t, graph.StatusFailed, status(t, g, "a").Status)
}

func TestRun_MissingExecutor(t *testing.T) {
	g := graph.New("r")
	require.NoError(t, g.Add(graph.Node{ID: "a", Kind: graph.KindAnalyze}))
	require.NoError(t, New(Config{}, nil).Run(context.Background(), g, Executors{}, NopEmitter{}))
	assert.Equal(t, graph.StatusFailed, status(t, g, "a").Status)
}

// ===== CONCURRENCY LIMITS =====

func TestRun_PerSourceSemaphoreAcrossRequests(t *testing.T) {
	lookup := func(id string) SourceSettings {
		if id == "payu" {
			return SourceSettings{Scheme: "payu"}
		}
		return SourceSettings{Concurrency: 8}
	}
	s := New(Config{Budget: 100}, lookup)
	assert.Equal(t, 2, s.Limit("payu"))
	assert.Equal(t, 8, s.Limit("pg"))

	var inFlight, peak atomic.Int32
	exec := ExecutorFunc(func(context.Context, *graph.Graph, graph.Node) (graph.Result, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return graph.Result{}, nil
	})

	var wg sync.WaitGroup
	for r := 0; r < 3; r++ {
		g := graph.New(fmt.Sprintf("r%d", r))
		for i := 0; i < 4; i++ {
			require.NoError(t, g.Add(graph.Node{ID: fmt.Sprintf("f%d", i), Kind: graph.KindFetch, SourceID: "payu"}))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Run(context.Background(), g, allKinds(exec), NopEmitter{}))
			assert.True(t, g.Complete())
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestAcquire_ResizeCountsHolders(t *testing.T) {
	var limit atomic.Int32
	limit.Store(2)
	s := New(Config{}, func(string) SourceSettings { return SourceSettings{Concurrency: int(limit.Load())} })

	tryAcquire := func() (func(), error) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		return s.acquire(ctx, "pg")
	}

	r1, err := tryAcquire()
	require.NoError(t, err)
	r2, err := tryAcquire()
	require.NoError(t, err)

	limit.Store(1)
	_, err = tryAcquire()
	require.ErrorIs(t, err, context.DeadlineExceeded, "both holders count against the new limit")

	r1()
	_, err = tryAcquire()
	require.ErrorIs(t, err, context.DeadlineExceeded, "one holder still fills a limit of one")

	r2()
	r3, err := tryAcquire()
	require.NoError(t, err)

	limit.Store(3)
	r4, err := tryAcquire()
	require.NoError(t, err)
	r5, err := tryAcquire()
	require.NoError(t, err)
	_, err = tryAcquire()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r3()
	r4()
	r5()
}

func TestRun_BatchesCompleteBeforeNext(t *testing.T) {
	g := graph.New("r")
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Add(graph.Node{ID: fmt.Sprintf("j%d", i), Kind: graph.KindAggregate, Weight: graph.WeightJoin}))
	}

	var batches [][]string
	var inFlight, peak atomic.Int32
	exec := ExecutorFunc(func(context.Context, *graph.Graph, graph.Node) (graph.Result, error) {
		cur := inFlight.Add(1)
		if cur > peak.Load() {
			peak.Store(cur)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return graph.Result{}, nil
	})
	s := New(Config{Budget: 8}, nil, WithBatchHook(func(b []graph.Node) {
		var ids []string
		for _, n := range b {
			ids = append(ids, n.ID)
		}
		batches = append(batches, ids)
	}))

	require.NoError(t, s.Run(context.Background(), g, allKinds(exec), NopEmitter{}))
	assert.Equal(t, [][]string{{"j0", "j1"}, {"j2", "j3"}}, batches)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRun_ObserverAndEvents(t *testing.T) {
	g := graph.New("r")
	require.NoError(t, g.Add(graph.Node{ID: "metadata", Kind: graph.KindMetadata}))
	require.NoError(t, g.Add(graph.Node{ID: "fetch:pg", Kind: graph.KindFetch, SourceID: "pg", Dependencies: []string{"metadata"}}))

	var observed []string
	rec := &recorder{}
	s := New(Config{}, nil, WithObserver(func(requestID string, n graph.Node) {
		assert.Equal(t, "r", requestID)
		observed = append(observed, n.ID)
	}))
	require.NoError(t, s.Run(context.Background(), g, allKinds(ExecutorFunc(ok)), rec))

	assert.Equal(t, []string{"metadata", "fetch:pg"}, observed)
	require.Len(t, rec.events, 4)
	assert.Equal(t, stream.TypeNodeStarted, rec.events[0].Type)
	assert.Equal(t, stream.TypeNodeFinished, rec.events[1].Type)
	report, isReport := rec.events[3].Payload.(NodeReport)
	require.True(t, isReport)
	assert.Equal(t, "pg", report.SourceID)
	assert.Equal(t, 1, report.Attempts)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{SchemeConcurrency: map[string]int{"postgres": 3}}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultBudget, cfg.Budget)
	assert.Equal(t, 3, cfg.SchemeConcurrency["postgres"])
	assert.Equal(t, 2, cfg.SchemeConcurrency["payu"])
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.Metadata)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Analyze)

	cfg.SchemeConcurrency["bad"] = 0
	assert.Error(t, cfg.Validate())
}
