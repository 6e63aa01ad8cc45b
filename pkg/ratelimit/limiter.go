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


// Package ratelimit enforces fixed-window request quotas per API caller.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrEmptyIdentifier is returned by Allow for an anonymous key.
var ErrEmptyIdentifier = errors.New("identifier cannot be empty")

// Limiter checks and records requests against every configured limit.
type Limiter struct {
	limits []Limit
	store  Store
	now    func() time.Time

	// check-then-increment must not interleave across callers
	mu sync.Mutex
}

// New creates a limiter. A nil store means a MemoryStore.
func New(cfg Config, store Store) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit config: %w", err)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{limits: cfg.Limits, store: store, now: time.Now}, nil
}

// Allow records one request for key unless that would exceed a limit. A
// rejected request is not counted.
func (l *Limiter) Allow(ctx context.Context, key Key) (*CheckResult, error) {
	if key.Identifier == "" {
		return nil, ErrEmptyIdentifier
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	result := &CheckResult{Allowed: true, Usages: make([]Usage, 0, len(l.limits))}

	var retryAt time.Time
	for _, limit := range l.limits {
		current, end, err := l.store.Get(ctx, key, limit.Window, now)
		if err != nil {
			return nil, fmt.Errorf("failed to get usage for %s window: %w", limit.Window, err)
		}
		u := Usage{Window: limit.Window, Current: current, Limit: limit.Requests, WindowEnd: end}
		if current+1 > limit.Requests {
			result.Allowed = false
			if result.Reason == "" {
				result.Reason = exceeded(u)
			}
			if end.After(retryAt) {
				retryAt = end
			}
		}
		result.Usages = append(result.Usages, u)
	}

	if !result.Allowed {
		result.RetryAfter = retryAt.Sub(now)
		for i := range result.Usages {
			result.Usages[i].Remaining = max(0, result.Usages[i].Limit-result.Usages[i].Current)
		}
		return result, nil
	}

	for i, limit := range l.limits {
		current, end, err := l.store.Increment(ctx, key, limit.Window, 1, now)
		if err != nil {
			return nil, fmt.Errorf("failed to record usage for %s window: %w", limit.Window, err)
		}
		u := &result.Usages[i]
		u.Current, u.WindowEnd = current, end
		u.Remaining = max(0, limit.Requests-current)
	}
	return result, nil
}

// ResetExpired drops counters whose window has ended.
func (l *Limiter) ResetExpired(ctx context.Context) error {
	return l.store.DeleteExpired(ctx, l.now())
}

// Run calls ResetExpired every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = l.ResetExpired(ctx)
		}
	}
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
