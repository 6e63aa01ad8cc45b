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

// Package classifier decides whether a question is trivial (a pure text
// transform the caller answers itself) or overpowered (it needs data from
// one or more sources).
//
// A single model call constrained to "true" (trivial) or "false"
// (overpowered) is tried first under a hard timeout. Timeouts, errors,
// out-of-vocabulary answers and low confidence all fall back to a
// deterministic keyword/length heuristic, which always decides.
//
// Ambiguous cases default to trivial. The graph builder still plans
// fetches for a trivial question whose intent needs data.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kadirpekel/conduit/pkg/resilience"
)

// Tier is the classification outcome.
type Tier string

const (
	TierTrivial     Tier = "trivial"
	TierOverpowered Tier = "overpowered"
)

// Path records which classifier produced a decision.
type Path string

const (
	PathModel    Path = "model"
	PathFallback Path = "fallback"
)

// Request is the classification input.
type Request struct {
	Text        string `json:"text"`
	ContextHint string `json:"context_hint,omitempty"`
}

// Decision is produced once per request.
type Decision struct {
	Tier       Tier          `json:"tier"`
	Confidence float64       `json:"confidence"`
	Latency    time.Duration `json:"latency_ms"`
	Path       Path          `json:"path"`
	Reason     string        `json:"reason,omitempty"`
}

// Verdict is a raw model answer. Confidence is zero when the backend does
// not report one.
type Verdict struct {
	Token      string
	Confidence float64
}

// Decider is a model backend answering with a single token.
type Decider interface {
	Name() string
	Decide(ctx context.Context, req Request) (Verdict, error)
}

// ClassificationTimeoutError is raised when the model misses its deadline.
// It never leaves this package.
type ClassificationTimeoutError struct {
	Backend string
	Timeout time.Duration
}

func (e *ClassificationTimeoutError) Error() string {
	return fmt.Sprintf("classifier %s exceeded %s", e.Backend, e.Timeout)
}

// VocabularyError is raised for answers other than "true" or "false".
type VocabularyError struct {
	Token string
}

func (e *VocabularyError) Error() string {
	return fmt.Sprintf("unexpected classifier answer %q", e.Token)
}

// Classifier implements the two-step decision.
type Classifier struct {
	cfg       Config
	decider   Decider
	heuristic *Heuristic
	guard     *resilience.Guard
	observe   func(Decision)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithObserver receives every decision, for metrics.
func WithObserver(fn func(Decision)) Option {
	return func(c *Classifier) { c.observe = fn }
}

// WithHeuristic replaces the fallback heuristic.
func WithHeuristic(h *Heuristic) Option {
	return func(c *Classifier) { c.heuristic = h }
}

// WithGuard shares a resilience guard instead of creating one.
func WithGuard(g *resilience.Guard) Option {
	return func(c *Classifier) { c.guard = g }
}

// New creates a classifier. decider may be nil, in which case every
// decision comes from the heuristic.
func New(cfg Config, decider Decider, opts ...Option) *Classifier {
	cfg.SetDefaults()
	c := &Classifier{cfg: cfg, decider: decider}
	for _, opt := range opts {
		opt(c)
	}
	if c.heuristic == nil {
		c.heuristic = NewHeuristic(WordCounter{}, cfg.LongQuestionTokens)
	}
	if c.guard == nil {
		c.guard = resilience.NewGuard(resilience.NewBreakers(cfg.Breaker), nil)
	}
	return c
}

// Classify always returns a decision.
func (c *Classifier) Classify(ctx context.Context, req Request) Decision {
	start := time.Now()
	d := c.classify(ctx, req)
	d.Latency = time.Since(start)
	if c.observe != nil {
		c.observe(d)
	}
	slog.Debug("Classified request", "tier", d.Tier, "path", d.Path, "confidence", d.Confidence, "latency", d.Latency)
	return d
}

func (c *Classifier) classify(ctx context.Context, req Request) Decision {
	if c.decider == nil {
		return c.fallback(req, "no model configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	call := resilience.Call{
		Dependency: "classifier:" + c.decider.Name(),
		Policy:     resilience.ClassifierPolicy(),
	}
	verdict, _, err := resilience.Execute(callCtx, c.guard, call, func(ctx context.Context) (Verdict, error) {
		v, err := c.decider.Decide(ctx, req)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return v, &ClassificationTimeoutError{Backend: c.decider.Name(), Timeout: c.cfg.Timeout}
			}
			return v, err
		}
		if _, ok := parseToken(v.Token); !ok {
			return v, &VocabularyError{Token: v.Token}
		}
		return v, nil
	})
	if err != nil {
		slog.Debug("Model classification failed, using heuristic", "backend", c.decider.Name(), "error", err)
		return c.fallback(req, err.Error())
	}

	tier, _ := parseToken(verdict.Token)
	confidence := verdict.Confidence
	if confidence <= 0 {
		confidence = 1
	}
	if confidence < c.cfg.ConfidenceThreshold {
		return c.fallback(req, fmt.Sprintf("model confidence %.2f below threshold", confidence))
	}

	return Decision{Tier: tier, Confidence: confidence, Path: PathModel}
}

func (c *Classifier) fallback(req Request, reason string) Decision {
	d := c.heuristic.Classify(req)
	if d.Reason == "" {
		d.Reason = reason
	} else {
		d.Reason = reason + "; " + d.Reason
	}
	return d
}

// parseToken maps the model answer onto a tier.
func parseToken(token string) (Tier, bool) {
	switch strings.ToLower(strings.Trim(token, " \t\r\n.\"'`")) {
	case "true":
		return TierTrivial, true
	case "false":
		return TierOverpowered, true
	default:
		return "", false
	}
}

// logprobConfidence converts a log-probability into [0,1].
func logprobConfidence(logprob float64) float64 {
	if logprob > 0 || math.IsNaN(logprob) {
		return 0
	}
	return math.Exp(logprob)
}
