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
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds retries for one class of operation.
type Policy struct {
	// MaxAttempts counts the first call. 1 disables retries.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BaseDelay is the delay before the first retry; it doubles each time.
	BaseDelay time.Duration `yaml:"base_delay,omitempty"`

	// MaxDelay caps a single delay.
	MaxDelay time.Duration `yaml:"max_delay,omitempty"`

	// Jitter randomizes each delay by up to this fraction (0.0-1.0).
	Jitter float64 `yaml:"jitter,omitempty"`
}

// FetchPolicy retries core data fetches aggressively.
func FetchPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2}
}

// AnalysisPolicy retries expensive analytical work conservatively.
func AnalysisPolicy() Policy {
	return Policy{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2}
}

// ClassifierPolicy never retries; the fallback classifier is cheaper than a
// second model call.
func ClassifierPolicy() Policy {
	return Policy{MaxAttempts: 1}
}

// SetDefaults fills zero fields from def.
func (p *Policy) SetDefaults(def Policy) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter <= 0 {
		p.Jitter = def.Jitter
	}
}

// Retryer executes operations with exponential backoff and jitter.
type Retryer struct {
	policy    Policy
	retryable func(error) bool
}

// NewRetryer creates a retryer. retryable decides which errors deserve
// another attempt; nil retries nothing.
func NewRetryer(p Policy, retryable func(error) bool) *Retryer {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	return &Retryer{policy: p, retryable: retryable}
}

// Policy returns the effective policy.
func (r *Retryer) Policy() Policy { return r.policy }

// Do runs fn until it succeeds, fails permanently or attempts run out. It
// returns the number of attempts made.
func Do[T any](ctx context.Context, r *Retryer, operation string, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, attempt, lastErr
			}
			return zero, attempt, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, attempt + 1, nil
		}
		lastErr = err

		if !r.retryable(err) {
			slog.Debug("Non-retryable error", "operation", operation, "attempt", attempt+1, "error", err)
			return zero, attempt + 1, err
		}

		if attempt+1 >= r.policy.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)
		slog.Debug("Retrying operation",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", r.policy.MaxAttempts,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt + 1, lastErr
		case <-timer.C:
		}
	}

	if r.policy.MaxAttempts == 1 {
		return zero, 1, lastErr
	}
	slog.Warn("Max retries exceeded", "operation", operation, "attempts", r.policy.MaxAttempts, "error", lastErr)
	return zero, r.policy.MaxAttempts, &RetryError{
		Operation: operation,
		Attempts:  r.policy.MaxAttempts,
		LastError: lastErr,
		Exhausted: true,
	}
}

func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.BaseDelay) * math.Pow(2, float64(attempt))

	if r.policy.Jitter > 0 {
		jitter := delay * r.policy.Jitter
		delay += (rand.Float64()*2 - 1) * jitter
	}

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
