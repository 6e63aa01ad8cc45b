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
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension is the vector size of the hashing embedder.
const DefaultHashDimension = 512

// Hash is a feature-hashing embedder over word unigrams, word bigrams and
// character trigrams. It is deterministic and offline, which makes it
// suitable for matching questions to schema descriptions without sending
// text anywhere.
type Hash struct {
	dim int
}

// NewHash creates a hashing embedder.
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return &Hash{dim: dim}
}

func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	words := tokenize(text)

	for i, w := range words {
		h.add(vec, "w:"+w, 1)
		if i > 0 {
			h.add(vec, "b:"+words[i-1]+"_"+w, 0.5)
		}
		padded := "#" + w + "#"
		for j := 0; j+3 <= len(padded); j++ {
			h.add(vec, "c:"+padded[j:j+3], 0.25)
		}
	}
	normalize(vec)
	return vec, nil
}

func (h *Hash) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i], _ = h.Embed(ctx, t)
	}
	return out, nil
}

func (h *Hash) Dimension() int { return h.dim }
func (h *Hash) Model() string  { return "hash" }
func (h *Hash) Close() error   { return nil }

func (h *Hash) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dim))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		out = append(out, stem(f))
	}
	return out
}

// stem folds the plural forms that matter for table and entity names.
func stem(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	default:
		return w
	}
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
