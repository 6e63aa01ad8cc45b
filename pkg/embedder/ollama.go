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

package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/conduit/pkg/httpclient"
)

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	// BaseURL for Ollama API (default: http://localhost:11434).
	BaseURL string

	// Model name (default: nomic-embed-text).
	Model string

	// Dimension of embeddings (default: 768 for nomic-embed-text).
	Dimension int

	// Timeout for API requests (default: 30s).
	Timeout time.Duration
}

// Ollama embeds text with a local Ollama server.
type Ollama struct {
	client    *httpclient.Client
	baseURL   string
	model     string
	dimension int
}

type ollamaRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllama creates an Ollama embedder.
func NewOllama(cfg OllamaConfig) *Ollama {
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	dimension := cfg.Dimension
	if dimension == 0 {
		switch model {
		case "all-minilm:l6-v2", "bge-small-en-v1.5":
			dimension = 384
		case "bge-large-en-v1.5", "mxbai-embed-large":
			dimension = 1024
		default:
			dimension = 768
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Ollama{
		client:    httpclient.New(httpclient.WithTimeout(timeout)),
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
	}
}

func (e *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("received empty embedding from Ollama")
	}
	return embeddings[0], nil
}

func (e *Ollama) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var input any = texts
	if len(texts) == 1 {
		input = texts[0]
	}

	body, err := json.Marshal(ollamaRequest{Model: e.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		slog.Error("Ollama embedding failed", "error", err, "model", e.model)
		return nil, fmt.Errorf("ollama embed: %w", err)
	}

	var response ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Embeddings))
	}
	return response.Embeddings, nil
}

func (e *Ollama) Dimension() int { return e.dimension }
func (e *Ollama) Model() string  { return e.model }
func (e *Ollama) Close() error   { return nil }
