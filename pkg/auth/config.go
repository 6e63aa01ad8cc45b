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
	"time"
)

// Config configures request authentication. A static token, a JWKS-backed
// JWT validator, or both may be enabled; either one admits a request.
type Config struct {
	// Token is a shared bearer secret.
	Token string `yaml:"token,omitempty"`

	// JWKSURL points at the identity provider's key set.
	JWKSURL  string `yaml:"jwks_url,omitempty"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`

	// RefreshInterval is the minimum time between key set fetches.
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty" jsonschema:"default=15m"`

	// RequiredRole, when set, rejects JWTs whose role claim differs.
	RequiredRole string `yaml:"required_role,omitempty"`
}

// Enabled reports whether any authentication method is configured.
func (c Config) Enabled() bool {
	return c.Token != "" || c.JWKSURL != ""
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.JWKSURL != "" && c.RefreshInterval <= 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.JWKSURL == "" {
		if c.Issuer != "" || c.Audience != "" || c.RequiredRole != "" {
			return errors.New("auth: issuer, audience and required_role need jwks_url")
		}
		return nil
	}
	if c.Issuer == "" {
		return errors.New("auth: issuer is required with jwks_url")
	}
	if c.Audience == "" {
		return errors.New("auth: audience is required with jwks_url")
	}
	return nil
}
