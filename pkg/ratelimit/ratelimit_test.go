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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conduit/pkg/auth"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, limits ...Limit) (*Limiter, *clock, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	l, err := New(Config{Limits: limits}, store)
	require.NoError(t, err)
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l.now = c.now
	return l, c, store
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		limits  []Limit
		wantErr string
	}{
		{name: "none"},
		{name: "valid", limits: []Limit{{Window: WindowMinute, Requests: 10}, {Window: WindowDay, Requests: 1000}}},
		{name: "unknown window", limits: []Limit{{Window: "fortnight", Requests: 1}}, wantErr: "unknown window"},
		{name: "zero requests", limits: []Limit{{Window: WindowHour}}, wantErr: "must be positive"},
		{name: "duplicate", limits: []Limit{{Window: WindowHour, Requests: 1}, {Window: WindowHour, Requests: 2}}, wantErr: "duplicate window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Limits: tt.limits}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLimiter_Allow(t *testing.T) {
	l, c, _ := newTestLimiter(t, Limit{Window: WindowMinute, Requests: 2}, Limit{Window: WindowHour, Requests: 3})
	ctx := context.Background()
	alice := Key{Scope: ScopeSubject, Identifier: "alice"}

	for i := range 2 {
		res, err := l.Allow(ctx, alice)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}

	res, err := l.Allow(ctx, alice)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "minute window (2/2)")
	assert.Equal(t, time.Minute, res.RetryAfter)

	// other callers are independent
	res, err = l.Allow(ctx, Key{Scope: ScopeClient, Identifier: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	c.advance(61 * time.Second)
	res, err = l.Allow(ctx, alice)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	hour := res.Usages[1]
	assert.Equal(t, int64(3), hour.Current)
	assert.Equal(t, int64(0), hour.Remaining)

	c.advance(61 * time.Second)
	res, err = l.Allow(ctx, alice)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "hour window")
	tight, ok := res.Tightest()
	require.True(t, ok)
	assert.Equal(t, WindowHour, tight.Window)

	_, err = l.Allow(ctx, Key{Scope: ScopeClient})
	assert.ErrorIs(t, err, ErrEmptyIdentifier)
}

func TestLimiter_RejectedRequestsAreNotCounted(t *testing.T) {
	l, c, _ := newTestLimiter(t, Limit{Window: WindowMinute, Requests: 1}, Limit{Window: WindowDay, Requests: 2})
	ctx := context.Background()
	key := Key{Scope: ScopeSubject, Identifier: "bob"}

	res, _ := l.Allow(ctx, key)
	require.True(t, res.Allowed)
	for range 5 {
		res, _ = l.Allow(ctx, key)
		require.False(t, res.Allowed)
	}

	c.advance(2 * time.Minute)
	res, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "day quota must only hold accepted requests")
}

func TestLimiter_ResetExpired(t *testing.T) {
	l, c, store := newTestLimiter(t, Limit{Window: WindowMinute, Requests: 5})
	ctx := context.Background()

	_, _ = l.Allow(ctx, Key{Scope: ScopeClient, Identifier: "a"})
	_, _ = l.Allow(ctx, Key{Scope: ScopeClient, Identifier: "b"})
	assert.Equal(t, 2, store.Len())

	require.NoError(t, l.ResetExpired(ctx))
	assert.Equal(t, 2, store.Len())

	c.advance(2 * time.Minute)
	require.NoError(t, l.ResetExpired(ctx))
	assert.Equal(t, 0, store.Len())
	require.NoError(t, l.Close())
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _, _ := newTestLimiter(t, Limit{Window: WindowMinute, Requests: 50})
	ctx := context.Background()
	key := Key{Scope: ScopeSubject, Identifier: "carol"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Allow(ctx, key)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMiddleware(t *testing.T) {
	l, _, _ := newTestLimiter(t, Limit{Window: WindowMinute, Requests: 1})

	var limited bool
	handler := Middleware(MiddlewareConfig{
		Limiter: l,
		OnLimited: func(w http.ResponseWriter, r *http.Request, result *CheckResult) {
			limited = true
			w.WriteHeader(http.StatusTooManyRequests)
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote, subject string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/sources", nil)
		req.RemoteAddr = remote
		if subject != "" {
			req = req.WithContext(auth.ContextWithClaims(req.Context(), &auth.Claims{Subject: subject}))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	rec := do("10.0.0.1:5000", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))

	// same host, different port
	rec = do("10.0.0.1:6000", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.True(t, limited)

	// an authenticated caller from the same host has its own quota
	rec = do("10.0.0.1:7000", "alice")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_NilLimiter(t *testing.T) {
	handler := Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}
