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
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 256

type cached struct {
	value any
	at    time.Time
}

// LastGood remembers the most recent successful result per key so an open
// circuit can still answer with stale data.
type LastGood struct {
	entries *lru.Cache[string, cached]
	maxAge  time.Duration
	now     func() time.Time
}

// NewLastGood creates a cache with room for size entries. maxAge of zero
// keeps entries until evicted.
func NewLastGood(size int, maxAge time.Duration) (*LastGood, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[string, cached](size)
	if err != nil {
		return nil, err
	}
	return &LastGood{entries: entries, maxAge: maxAge, now: time.Now}, nil
}

// Put stores value under key.
func (c *LastGood) Put(key string, value any) {
	if c == nil || key == "" {
		return
	}
	c.entries.Add(key, cached{value: value, at: c.now()})
}

// Get returns the value stored under key and when it was stored.
func (c *LastGood) Get(key string) (any, time.Time, bool) {
	if c == nil || key == "" {
		return nil, time.Time{}, false
	}
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, time.Time{}, false
	}
	if c.maxAge > 0 && c.now().Sub(e.at) > c.maxAge {
		c.entries.Remove(key)
		return nil, time.Time{}, false
	}
	return e.value, e.at, true
}

// Len returns the number of cached entries.
func (c *LastGood) Len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// CacheKey joins a dependency name and a request fingerprint.
func CacheKey(dependency, fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	return dependency + "\x00" + fingerprint
}
