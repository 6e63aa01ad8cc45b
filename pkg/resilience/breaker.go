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

// Package resilience wraps calls to external dependencies with circuit
// breaking, retries and a last-good fallback.
package resilience

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is the circuit state of one dependency.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold int `yaml:"failure_threshold,omitempty"`

	// Cooldown is how long the circuit stays open before a probe is let
	// through.
	Cooldown time.Duration `yaml:"cooldown,omitempty"`
}

// SourceBreakerConfig is the default for data sources.
func SourceBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// ClassifierBreakerConfig is the default for the classification model.
func ClassifierBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second}
}

// SetDefaults fills zero fields from def.
func (c *BreakerConfig) SetDefaults(def BreakerConfig) {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
}

// TransitionFunc observes state changes.
type TransitionFunc func(name string, from, to State)

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook registers fn for every state change.
func WithTransitionHook(fn TransitionFunc) BreakerOption {
	return func(b *Breaker) { b.onTransition = fn }
}

// Breaker is a lock-free circuit breaker. Every state change is a
// compare-and-set on the state word, so concurrent callers agree on a
// single winner per transition.
type Breaker struct {
	name string
	cfg  BreakerConfig

	state    atomic.Int32
	failures atomic.Int32
	openedAt atomic.Int64
	probing  atomic.Bool

	now          func() time.Time
	onTransition TransitionFunc
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	cfg.SetDefaults(SourceBreakerConfig())
	b := &Breaker{name: name, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int { return int(b.failures.Load()) }

// Allow admits a call or returns *CircuitOpenError. After the cooldown the
// first caller moves the circuit to half_open and becomes the only probe.
func (b *Breaker) Allow() error {
	for {
		switch State(b.state.Load()) {
		case StateClosed:
			return nil

		case StateOpen:
			elapsed := b.now().Sub(time.Unix(0, b.openedAt.Load()))
			if elapsed < b.cfg.Cooldown {
				return &CircuitOpenError{Name: b.name, RetryIn: b.cfg.Cooldown - elapsed}
			}
			b.transition(StateOpen, StateHalfOpen)

		case StateHalfOpen:
			if b.probing.CompareAndSwap(false, true) {
				return nil
			}
			return &CircuitOpenError{Name: b.name, HalfOpen: true}
		}
	}
}

// OnSuccess records a successful call. A successful probe closes the
// circuit.
func (b *Breaker) OnSuccess() {
	b.failures.Store(0)
	if b.transition(StateHalfOpen, StateClosed) {
		b.probing.Store(false)
	}
}

// OnFailure records a failed call.
func (b *Breaker) OnFailure() {
	switch State(b.state.Load()) {
	case StateHalfOpen:
		b.openedAt.Store(b.now().UnixNano())
		if b.transition(StateHalfOpen, StateOpen) {
			b.probing.Store(false)
		}

	case StateClosed:
		if int(b.failures.Add(1)) < b.cfg.FailureThreshold {
			return
		}
		b.openedAt.Store(b.now().UnixNano())
		if b.transition(StateClosed, StateOpen) {
			b.failures.Store(0)
		}
	}
}

// Release gives back a probe slot taken by Allow when the call ended
// without an outcome, e.g. caller cancellation.
func (b *Breaker) Release() {
	if b.State() == StateHalfOpen {
		b.probing.Store(false)
	}
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	from := b.State()
	b.state.Store(int32(StateClosed))
	b.failures.Store(0)
	b.probing.Store(false)
	if from != StateClosed && b.onTransition != nil {
		b.onTransition(b.name, from, StateClosed)
	}
}

func (b *Breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	slog.Debug("Circuit state changed", "dependency", b.name, "from", from.String(), "to", to.String())
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
	return true
}

// Breakers holds one breaker per dependency name, created on first use.
type Breakers struct {
	cfg  BreakerConfig
	opts []BreakerOption
	m    sync.Map
}

// NewBreakers creates a breaker set sharing cfg.
func NewBreakers(cfg BreakerConfig, opts ...BreakerOption) *Breakers {
	return &Breakers{cfg: cfg, opts: opts}
}

// Get returns the breaker for name.
func (s *Breakers) Get(name string) *Breaker {
	if b, ok := s.m.Load(name); ok {
		return b.(*Breaker)
	}
	b, _ := s.m.LoadOrStore(name, NewBreaker(name, s.cfg, s.opts...))
	return b.(*Breaker)
}

// States returns a snapshot of every known breaker state.
func (s *Breakers) States() map[string]State {
	out := map[string]State{}
	s.m.Range(func(k, v any) bool {
		out[k.(string)] = v.(*Breaker).State()
		return true
	})
	return out
}

// Names returns the known dependency names, sorted.
func (s *Breakers) Names() []string {
	var names []string
	s.m.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}
