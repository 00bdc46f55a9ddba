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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/config"
)

// Serializes Ollama embedding requests. Ollama's llama runner crashes
// with SIGABRT when it receives concurrent embedding requests.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder calls a local Ollama instance. The API embeds one
// text per request, so batches are iterated.
type OllamaEmbedder struct {
	client    *http.Client
	baseURL   string
	model     string
	dimension int
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder builds an embedder from config. The model defaults
// to nomic-embed-text.
func NewOllamaEmbedder(cfg *config.EmbedderConfig) (*OllamaEmbedder, error) {
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = 768
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &OllamaEmbedder{
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	results := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		results = append(results, normalize(vec))
	}
	return results, nil
}

func (e *OllamaEmbedder) embedOne(ctx context.Context, text string) ([]float32, error) {
	slog.Debug("ollama embedding request", "model", e.model, "text_length", len(text))

	reqBody, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from Ollama")
	}
	return response.Embedding, nil
}

func (e *OllamaEmbedder) Dimension() int { return e.dimension }
func (e *OllamaEmbedder) Model() string { return e.model }
func (e *OllamaEmbedder) Close() error { return nil }
