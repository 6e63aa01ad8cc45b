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

package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kadirpekel/conduit/pkg/httpclient"
)

const systemInstruction = "Answer with exactly one word. Reply true if the user request can be " +
	"answered by transforming the given text alone. Reply false if it needs records from a " +
	"database, API or other data source."

func userPrompt(req Request) string {
	if req.ContextHint == "" {
		return req.Text
	}
	return req.Text + "\n\nContext: " + req.ContextHint
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func postJSON(ctx context.Context, client *httpclient.Client, url, apiKey string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Ollama asks a local Ollama server.
type Ollama struct {
	baseURL string
	model   string
	client  *httpclient.Client
}

// NewOllama creates the Ollama backend.
func NewOllama(cfg Config) *Ollama {
	return &Ollama{
		baseURL: strings.TrimSuffix(cfg.Host, "/"),
		model:   cfg.Model,
		client:  httpclient.New(httpclient.WithMaxRetries(0)),
	}
}

func (o *Ollama) Name() string { return "ollama" }

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

func (o *Ollama) Decide(ctx context.Context, req Request) (Verdict, error) {
	body := ollamaRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: userPrompt(req)},
		},
		Options: map[string]any{"temperature": 0, "num_predict": 2},
	}

	var resp ollamaResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/api/chat", "", body, &resp); err != nil {
		return Verdict{}, fmt.Errorf("ollama: %w", err)
	}
	if resp.Error != "" {
		return Verdict{}, fmt.Errorf("ollama: %s", resp.Error)
	}
	return Verdict{Token: resp.Message.Content}, nil
}

// OpenAI asks an OpenAI-compatible chat completions server, typically a
// self-hosted vLLM or llama.cpp endpoint.
type OpenAI struct {
	baseURL string
	model   string
	apiKey  string
	client  *httpclient.Client
}

// NewOpenAI creates the OpenAI-compatible backend.
func NewOpenAI(cfg Config) *OpenAI {
	return &OpenAI{
		baseURL: strings.TrimSuffix(cfg.Host, "/"),
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  httpclient.New(httpclient.WithMaxRetries(0)),
	}
}

func (o *OpenAI) Name() string { return "openai" }

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Logprobs    bool          `json:"logprobs"`
}

type openAIResponse struct {
	Choices []struct {
		Message  chatMessage `json:"message"`
		Logprobs *struct {
			Content []struct {
				Token   string  `json:"token"`
				Logprob float64 `json:"logprob"`
			} `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
}

func (o *OpenAI) Decide(ctx context.Context, req Request) (Verdict, error) {
	body := openAIRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: userPrompt(req)},
		},
		MaxTokens: 1,
		Logprobs:  true,
	}

	var resp openAIResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/v1/chat/completions", o.apiKey, body, &resp); err != nil {
		return Verdict{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, fmt.Errorf("openai: empty response")
	}

	choice := resp.Choices[0]
	v := Verdict{Token: choice.Message.Content}
	if choice.Logprobs != nil && len(choice.Logprobs.Content) > 0 {
		v.Confidence = logprobConfidence(choice.Logprobs.Content[0].Logprob)
	}
	return v, nil
}
