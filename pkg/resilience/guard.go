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

package resilience

import (
	"context"
	"errors"
	"time"
)

// Call describes one guarded invocation.
type Call struct {
	// Dependency names the breaker, usually an adapter id.
	Dependency string

	// CacheKey enables the last-good fallback when non-empty.
	CacheKey string

	Policy Policy

	// Retryable classifies errors for the retryer.
	Retryable func(error) bool

	// Trips reports whether err counts against the breaker. Nil means
	// every error does. Errors that do not trip leave the circuit as is.
	Trips func(error) bool
}

// Outcome records what the guard did, for the caller's error summary.
type Outcome struct {
	Attempts       int
	ShortCircuited bool
	FromCache      bool
	CachedAt       time.Time
	Failures       []error
}

// Guard combines per-dependency breakers, retries and the last-good cache.
type Guard struct {
	breakers *Breakers
	cache    *LastGood
}

// NewGuard creates a guard. cache may be nil.
func NewGuard(breakers *Breakers, cache *LastGood) *Guard {
	return &Guard{breakers: breakers, cache: cache}
}

// Breakers returns the breaker set.
func (g *Guard) Breakers() *Breakers { return g.breakers }

// Execute runs fn under the guard. When the circuit is open the error is a
// *CircuitOpenError; if a last-good value exists it is returned alongside
// the error with Outcome.FromCache set.
func Execute[T any](ctx context.Context, g *Guard, call Call, fn func(context.Context) (T, error)) (T, Outcome, error) {
	var zero T
	var out Outcome
	b := g.breakers.Get(call.Dependency)

	retryer := NewRetryer(call.Policy, call.Retryable)
	result, _, err := Do(ctx, retryer, call.Dependency, func(ctx context.Context) (T, error) {
		if err := b.Allow(); err != nil {
			out.ShortCircuited = true
			return zero, err
		}
		out.Attempts++

		v, err := fn(ctx)
		switch {
		case err == nil:
			b.OnSuccess()
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			b.Release()
			out.Failures = append(out.Failures, err)
		case call.Trips != nil && !call.Trips(err):
			b.Release()
			out.Failures = append(out.Failures, err)
		default:
			b.OnFailure()
			out.Failures = append(out.Failures, err)
		}
		return v, err
	})

	if err == nil {
		g.cache.Put(call.CacheKey, result)
		return result, out, nil
	}

	if IsCircuitOpen(err) {
		if v, at, ok := g.cache.Get(call.CacheKey); ok {
			if typed, ok := v.(T); ok {
				out.FromCache = true
				out.CachedAt = at
				return typed, out, err
			}
		}
	}
	return zero, out, err
}
