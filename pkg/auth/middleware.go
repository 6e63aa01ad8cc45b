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

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, status int, message string)

// Middleware requires "Authorization: Bearer <token>" accepted by a. A nil
// authenticator passes every request through.
func Middleware(a Authenticator, onError ErrorWriter) func(http.Handler) http.Handler {
	if onError == nil {
		onError = func(w http.ResponseWriter, status int, message string) {
			http.Error(w, message, status)
		}
	}
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="conduit"`)
				onError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := a.Authenticate(r.Context(), token)
			if err != nil {
				var forbidden *ForbiddenError
				if errors.As(err, &forbidden) {
					onError(w, http.StatusForbidden, forbidden.Error())
					return
				}
				slog.Debug("Rejected bearer token", "path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="conduit", error="invalid_token"`)
				onError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
		})
	}
}
