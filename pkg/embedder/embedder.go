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

// Package embedder turns text into vectors for the schema index and the
// vector adapters. The default hashing embedder runs locally and needs no
// model; Ollama serves real embedding models on-prem.
package embedder

import (
	"context"
	"fmt"
	"time"
)

// Embedder converts text to vector embeddings.
type Embedder interface {
	// Embed converts text to a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts to vector embeddings.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name being used.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}

// Config selects and configures an embedder.
type Config struct {
	// Provider is "hash" (default) or "ollama".
	Provider string `yaml:"provider,omitempty" jsonschema:"enum=hash,enum=ollama,default=hash"`

	Model     string        `yaml:"model,omitempty"`
	Host      string        `yaml:"host,omitempty"`
	Dimension int           `yaml:"dimension,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "hash"
	}
	if c.Provider == "hash" && c.Dimension <= 0 {
		c.Dimension = DefaultHashDimension
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case "hash", "ollama":
		return nil
	default:
		return fmt.Errorf("embedder: unknown provider %q (valid: hash, ollama)", c.Provider)
	}
}

// New creates the configured embedder.
func New(cfg Config) (Embedder, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "ollama":
		return NewOllama(OllamaConfig{BaseURL: cfg.Host, Model: cfg.Model, Dimension: cfg.Dimension, Timeout: cfg.Timeout}), nil
	default:
		return NewHash(cfg.Dimension), nil
	}
}
