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


package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store keeps fixed-window counters.
type Store interface {
	// Get returns the count and window end for key, or zero and a fresh
	// window when none is open at now.
	Get(ctx context.Context, key Key, window TimeWindow, now time.Time) (int64, time.Time, error)

	// Increment adds amount, opening a new window when the old one ended.
	Increment(ctx context.Context, key Key, window TimeWindow, amount int64, now time.Time) (int64, time.Time, error)

	// DeleteExpired drops windows that ended before the given time.
	DeleteExpired(ctx context.Context, before time.Time) error

	Close() error
}

// Key identifies a caller.
type Key struct {
	Scope      Scope
	Identifier string
}

type usageKey struct {
	Key
	Window TimeWindow
}

type usageRecord struct {
	amount    int64
	windowEnd time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu   sync.Mutex
	data map[usageKey]*usageRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[usageKey]*usageRecord)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key Key, window TimeWindow, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[usageKey{key, window}]
	if !ok || !rec.windowEnd.After(now) {
		return 0, now.Add(window.Duration()), nil
	}
	return rec.amount, rec.windowEnd, nil
}

// Increment implements Store.
func (s *MemoryStore) Increment(_ context.Context, key Key, window TimeWindow, amount int64, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := usageKey{key, window}
	rec, ok := s.data[k]
	if !ok {
		rec = &usageRecord{}
		s.data[k] = rec
	}
	if !rec.windowEnd.After(now) {
		rec.amount = 0
		rec.windowEnd = now.Add(window.Duration())
	}
	rec.amount += amount
	return rec.amount, rec.windowEnd, nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, rec := range s.data {
		if rec.windowEnd.Before(before) {
			delete(s.data, k)
		}
	}
	return nil
}

// Len returns the number of open counters.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[usageKey]*usageRecord)
	return nil
}
