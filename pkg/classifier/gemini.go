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
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// Gemini asks Google Gemini. Only the question text is sent.
type Gemini struct {
	apiKey string
	model  string

	once   sync.Once
	client *genai.Client
	err    error
}

// NewGemini creates the Gemini backend. The client is created lazily.
func NewGemini(cfg Config) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	return &Gemini{apiKey: cfg.APIKey, model: cfg.Model}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Decide(ctx context.Context, req Request) (Verdict, error) {
	g.once.Do(func() {
		g.client, g.err = genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: g.apiKey})
	})
	if g.err != nil {
		return Verdict{}, fmt.Errorf("gemini: failed to create client: %w", g.err)
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: userPrompt(req)}},
	}}
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: systemInstruction}}},
		Temperature:       genai.Ptr(float32(0)),
		MaxOutputTokens:   2,
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return Verdict{}, fmt.Errorf("gemini: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Verdict{}, fmt.Errorf("gemini: empty response")
	}

	candidate := resp.Candidates[0]
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	v := Verdict{Token: text.String()}
	if candidate.AvgLogprobs != 0 {
		v.Confidence = logprobConfidence(candidate.AvgLogprobs)
	}
	return v, nil
}
