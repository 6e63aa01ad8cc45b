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
	"fmt"
	"time"

	"github.com/kadirpekel/conduit/pkg/resilience"
)

// Config configures the classifier.
type Config struct {
	// Backend selects the model: "ollama", "openai", "gemini" or "none".
	Backend string `yaml:"backend,omitempty" jsonschema:"enum=ollama,enum=openai,enum=gemini,enum=none,default=none"`

	// Model is the backend model name.
	Model string `yaml:"model,omitempty"`

	// Host is the backend base URL (ollama, openai-compatible servers).
	Host string `yaml:"host,omitempty"`

	// APIKey authenticates against the backend when required.
	APIKey string `yaml:"api_key,omitempty"`

	// Timeout is the hard deadline for one model call.
	Timeout time.Duration `yaml:"timeout,omitempty" jsonschema:"default=180ms"`

	// ConfidenceThreshold below which the heuristic decides instead.
	ConfidenceThreshold float64 `yaml:"confidence_threshold,omitempty" jsonschema:"minimum=0,maximum=1,default=0.6"`

	// Tokenizer selects the tiktoken encoding for the length feature; empty
	// counts words.
	Tokenizer string `yaml:"tokenizer,omitempty"`

	// LongQuestionTokens is the length above which a question leans
	// overpowered.
	LongQuestionTokens int `yaml:"long_question_tokens,omitempty"`

	Breaker resilience.BreakerConfig `yaml:"breaker,omitempty"`
}

const (
	DefaultTimeout             = 180 * time.Millisecond
	DefaultConfidenceThreshold = 0.6
	DefaultLongQuestionTokens  = 40
)

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "none"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.LongQuestionTokens <= 0 {
		c.LongQuestionTokens = DefaultLongQuestionTokens
	}
	c.Breaker.SetDefaults(resilience.ClassifierBreakerConfig())

	switch c.Backend {
	case "ollama":
		if c.Host == "" {
			c.Host = "http://localhost:11434"
		}
		if c.Model == "" {
			c.Model = "qwen2.5:0.5b"
		}
	case "openai":
		if c.Host == "" {
			c.Host = "http://localhost:8000"
		}
	case "gemini":
		if c.Model == "" {
			c.Model = "gemini-2.0-flash"
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case "none", "ollama":
	case "openai":
		if c.Model == "" {
			return fmt.Errorf("classifier: model is required for openai backend")
		}
	case "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("classifier: api_key is required for gemini backend")
		}
	default:
		return fmt.Errorf("classifier: unknown backend %q (valid: none, ollama, openai, gemini)", c.Backend)
	}
	if c.ConfidenceThreshold > 1 {
		return fmt.Errorf("classifier: confidence_threshold must be within [0,1]")
	}
	return nil
}

// NewDecider builds the configured backend; it returns nil for "none".
func NewDecider(cfg Config) (Decider, error) {
	switch cfg.Backend {
	case "none", "":
		return nil, nil
	case "ollama":
		return NewOllama(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "gemini":
		g, err := NewGemini(cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown classifier backend %q", cfg.Backend)
	}
}

// NewFromConfig builds the classifier, its backend and its tokenizer.
func NewFromConfig(cfg Config, opts ...Option) (*Classifier, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	decider, err := NewDecider(cfg)
	if err != nil {
		return nil, err
	}

	var counter TokenCounter = WordCounter{}
	if cfg.Tokenizer != "" {
		counter = NewTiktokenCounter(cfg.Tokenizer)
	}
	opts = append([]Option{WithHeuristic(NewHeuristic(counter, cfg.LongQuestionTokens))}, opts...)
	return New(cfg, decider, opts...), nil
}
