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
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/kadirpekel/conduit/pkg/auth"
)

// IdentifierFunc names the caller of r.
type IdentifierFunc func(r *http.Request) Key

// DefaultIdentifier uses the authenticated subject, or the client address
// for unauthenticated requests.
func DefaultIdentifier(r *http.Request) Key {
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.Subject != "" {
		return Key{Scope: ScopeSubject, Identifier: claims.Subject}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return Key{Scope: ScopeClient, Identifier: host}
}

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Limiter *Limiter

	// IdentifierFunc defaults to DefaultIdentifier.
	IdentifierFunc IdentifierFunc

	// OnLimited writes the 429 body. Headers are already set.
	OnLimited func(w http.ResponseWriter, r *http.Request, result *CheckResult)
}

// Middleware rejects requests over quota with 429 and sets the
// X-RateLimit-* headers on every checked response. Store failures let the
// request through.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.IdentifierFunc == nil {
		cfg.IdentifierFunc = DefaultIdentifier
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = func(w http.ResponseWriter, _ *http.Request, result *CheckResult) {
			http.Error(w, result.Reason, http.StatusTooManyRequests)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := cfg.IdentifierFunc(r)
			if key.Identifier == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := cfg.Limiter.Allow(r.Context(), key)
			if err != nil {
				slog.Error("Rate limit check failed", "error", err, "identifier", key.Identifier)
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, result)
			if !result.Allowed {
				slog.Debug("Rate limited", "scope", key.Scope, "identifier", key.Identifier, "reason", result.Reason)
				secs := int64(result.RetryAfter.Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
				cfg.OnLimited(w, r, result)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, result *CheckResult) {
	u, ok := result.Tightest()
	if !ok {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(u.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(u.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(u.WindowEnd.Unix(), 10))
}
