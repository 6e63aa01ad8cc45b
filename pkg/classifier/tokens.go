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
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures question length.
type TokenCounter interface {
	Count(text string) int
}

// WordCounter counts whitespace-separated words.
type WordCounter struct{}

func (WordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// TiktokenCounter counts BPE tokens. When the encoding cannot be loaded
// (offline hosts without a cached vocabulary) it degrades to word counts
// for the life of the process, so results stay deterministic.
type TiktokenCounter struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktokenCounter creates a counter for an encoding such as
// "cl100k_base". The encoding is loaded on first use.
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	return &TiktokenCounter{encoding: encoding}
}

func (c *TiktokenCounter) Count(text string) int {
	c.once.Do(c.load)
	if c.enc == nil {
		return WordCounter{}.Count(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *TiktokenCounter) load() {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if enc, ok := encodingCache[c.encoding]; ok {
		c.enc = enc
		return
	}

	enc, err := tiktoken.GetEncoding(c.encoding)
	if err != nil {
		enc, err = tiktoken.EncodingForModel(c.encoding)
	}
	if err != nil {
		slog.Warn("Tokenizer unavailable, counting words instead", "encoding", c.encoding, "error", err)
		return
	}
	encodingCache[c.encoding] = enc
	c.enc = enc
}
