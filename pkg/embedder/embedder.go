// Copyright 2026 Parley Authors
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

// Package embedder turns text into vectors for similarity search.
package embedder

import (
	"context"
	"fmt"
	"math"

	"github.com/parleyhq/parley/pkg/config"
)

// MaxBatchSize caps the number of texts sent to a backend in one call.
const MaxBatchSize = 64

// Embedder produces embedding vectors for batches of text. Returned
// vectors are L2-normalized so cosine similarity reduces to a dot
// product.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the vector dimension this embedder produces.
	Dimension() int
	// Model returns the backend model name.
	Model() string
	Close() error
}

// New builds an embedder from configuration.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case config.EmbedderProviderOpenAI:
		return NewOpenAIEmbedder(cfg)
	case config.EmbedderProviderOllama:
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", cfg.Provider)
	}
}

// normalize scales v to unit length in place and returns it. Zero
// vectors are returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// batches splits texts into runs of at most size elements.
func batches(texts []string, size int) [][]string {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}
	var out [][]string
	for i := 0; i < len(texts); i += size {
		end := i + size
		if end > len(texts) {
			end = len(texts)
		}
		out = append(out, texts[i:end])
	}
	return out
}
