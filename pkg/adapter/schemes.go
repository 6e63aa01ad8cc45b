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

package adapter

import (
	"fmt"

	"github.com/kadirpekel/conduit/pkg/registry"
)

// Schemes maps a connection scheme ("postgres", "payu", ...) to the factory
// that builds adapters of that type.
type Schemes struct {
	factories *registry.BaseRegistry[Factory]
}

// NewSchemes creates an empty scheme table.
func NewSchemes() *Schemes {
	return &Schemes{factories: registry.NewBaseRegistry[Factory]()}
}

// Register adds a factory for scheme.
func (s *Schemes) Register(scheme string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("scheme %q: nil factory", scheme)
	}
	if err := s.factories.Register(scheme, factory); err != nil {
		return fmt.Errorf("register scheme: %w", err)
	}
	return nil
}

// Factory returns the factory for scheme.
func (s *Schemes) Factory(scheme string) (Factory, error) {
	f, ok := s.factories.Get(scheme)
	if !ok {
		return nil, fmt.Errorf("unknown scheme %q (known: %v)", scheme, s.factories.Names())
	}
	return f, nil
}

// Names lists the known schemes.
func (s *Schemes) Names() []string {
	return s.factories.Names()
}

// RegisterSource looks up the factory for desc.Scheme and registers it in r.
func (s *Schemes) RegisterSource(r *Registry, desc Descriptor, opts ...RegisterOption) error {
	f, err := s.Factory(desc.Scheme)
	if err != nil {
		return fmt.Errorf("source %q: %w", desc.ID, err)
	}
	return r.Register(desc, f, opts...)
}
