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

// Package auth authenticates API callers by static bearer token or by JWTs
// verified against an identity provider's JWKS.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidToken is returned for tokens that fail every configured check.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator turns a bearer token into claims.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Claims, error)
}

// New builds the authenticator for cfg, or returns nil when cfg enables
// nothing. The JWKS cache refreshes in the background until ctx is done.
func New(ctx context.Context, cfg Config) (Authenticator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var chain anyOf
	if cfg.Token != "" {
		chain = append(chain, StaticToken(cfg.Token))
	}
	if cfg.JWKSURL != "" {
		v, err := NewJWTValidator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		chain = append(chain, v)
	}

	switch len(chain) {
	case 0:
		return nil, nil
	case 1:
		return chain[0], nil
	default:
		return chain, nil
	}
}

// StaticToken admits exactly one shared secret.
type StaticToken string

// Authenticate compares token in constant time.
func (s StaticToken) Authenticate(_ context.Context, token string) (*Claims, error) {
	if s == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s)) != 1 {
		return nil, ErrInvalidToken
	}
	return &Claims{Subject: "token"}, nil
}

type anyOf []Authenticator

func (a anyOf) Authenticate(ctx context.Context, token string) (*Claims, error) {
	var errs []error
	for _, auth := range a {
		claims, err := auth.Authenticate(ctx, token)
		if err == nil {
			return claims, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// JWTValidator verifies JWTs against a cached, auto-refreshed JWKS.
type JWTValidator struct {
	jwksURL  string
	cache    *jwk.Cache
	issuer   string
	audience string
	role     string
}

// NewJWTValidator registers cfg.JWKSURL and fetches it once so that a bad
// URL fails at startup rather than on the first request.
func NewJWTValidator(ctx context.Context, cfg Config) (*JWTValidator, error) {
	cfg.SetDefaults()
	if cfg.JWKSURL == "" {
		return nil, errors.New("auth: jwks_url is required")
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(cfg.RefreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &JWTValidator{
		jwksURL:  cfg.JWKSURL,
		cache:    cache,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		role:     cfg.RequiredRole,
	}, nil
}

// Authenticate checks signature, expiry, issuer, audience and, when
// configured, the role claim.
func (v *JWTValidator) Authenticate(ctx context.Context, token string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	parsed, err := jwt.Parse(
		[]byte(token),
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := claimsFrom(parsed)
	if v.role != "" && claims.Role != v.role {
		return nil, &ForbiddenError{Subject: claims.Subject, Role: v.role}
	}
	return claims, nil
}

// ForbiddenError is a valid token that lacks the required role.
type ForbiddenError struct {
	Subject string
	Role    string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("subject %q lacks role %q", e.Subject, e.Role)
}

func claimsFrom(token jwt.Token) *Claims {
	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]any),
	}
	for key, value := range token.PrivateClaims() {
		s, _ := value.(string)
		switch key {
		case "email":
			claims.Email = s
		case "role":
			claims.Role = s
		case "tenant_id":
			claims.TenantID = s
		default:
			claims.Custom[key] = value
		}
	}
	return claims
}
