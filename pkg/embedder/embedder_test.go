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

package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/config"
)

func TestNormalize(t *testing.T) {
	v := normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestBatches(t *testing.T) {
	texts := make([]string, 150)
	got := batches(texts, 64)
	require.Len(t, got, 3)
	assert.Len(t, got[0], 64)
	assert.Len(t, got[1], 64)
	assert.Len(t, got[2], 22)

	// Oversized batch size is clamped to the cap.
	got = batches(texts, 1000)
	require.Len(t, got, 3)
}

func TestOpenAIEmbedderBatchesAndOrders(t *testing.T) {
	var batchSizes []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		batchSizes = append(batchSizes, len(req.Input))

		// Return embeddings in reverse order to exercise index-based
		// reassembly.
		resp := openAIEmbedResponse{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i + 1), 0}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(&config.EmbedderConfig{
		Provider:  config.EmbedderProviderOpenAI,
		APIKey:    "test",
		BaseURL:   srv.URL,
		BatchSize: 2,
	})
	require.NoError(t, err)

	texts := []string{"a", "b", "c"}
	vecs, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []int{2, 1}, batchSizes)

	// Index i maps back to position i within its batch, normalized.
	assert.InDelta(t, 1.0, float64(vecs[0][0]), 1e-6)
	assert.InDelta(t, 1.0, float64(vecs[1][0]), 1e-6)

	for _, v := range vecs {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
	}
}

func TestOpenAIEmbedderRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIEmbedder(&config.EmbedderConfig{})
	assert.Error(t, err)
}

func TestOllamaEmbedderIteratesBatch(t *testing.T) {
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompts = append(prompts, req.Prompt)
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: []float32{1, 1}})
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(&config.EmbedderConfig{
		Provider: config.EmbedderProviderOllama,
		BaseURL:  srv.URL,
	})
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []string{"x", "y"}, prompts)
	assert.InDelta(t, 1/math.Sqrt2, float64(vecs[0][0]), 1e-6)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(&config.EmbedderConfig{Provider: "bogus"})
	assert.Error(t, err)
}
