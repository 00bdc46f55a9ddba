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

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/httpclient"
)

// OllamaProvider speaks the Ollama /api/chat endpoint. Responses stream as
// newline-delimited JSON; tool calls arrive complete, not fragmented.
type OllamaProvider struct {
	cfg        *config.LLMConfig
	httpClient *httpclient.Client
	baseURL    string
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaTool struct {
	Type     string             `json:"type"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type ollamaToolCall struct {
	Function ollamaToolCallFunction `json:"function"`
}

type ollamaToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

type ollamaStreamChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

type ollamaTagList struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewOllamaProvider creates a provider for a local Ollama instance.
func NewOllamaProvider(cfg *config.LLMConfig) *OllamaProvider {
	return &OllamaProvider{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
		),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
	}
}

func (p *OllamaProvider) ModelName() string { return p.cfg.Model }
func (p *OllamaProvider) ContextLength() int { return p.cfg.ContextLength }
func (p *OllamaProvider) MaxTokens() int { return p.cfg.MaxTokens }
func (p *OllamaProvider) Close() error { return nil }

// StreamChat implements Provider.
func (p *OllamaProvider) StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (<-chan Delta, error) {
	request := p.buildRequest(messages, tools, params)

	resp, err := withRetries(ctx, func() (*http.Response, error) {
		return p.post(ctx, "/api/chat", request)
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Delta, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := p.readStream(ctx, resp.Body, out); err != nil {
			select {
			case out <- Delta{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

// ListModels implements Provider.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return nil, &TransportError{Provider: "ollama", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus("ollama", resp.StatusCode, string(body))
	}

	var list ollamaTagList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode tag list: %w", err)
	}
	models := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, m.Name)
	}
	return models, nil
}

func (p *OllamaProvider) buildRequest(messages []Message, tools []ToolDefinition, params Params) ollamaRequest {
	oMessages := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		oMsg := ollamaMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		for _, tc := range msg.ToolCalls {
			oMsg.ToolCalls = append(oMsg.ToolCalls, ollamaToolCall{
				Function: ollamaToolCallFunction{
					Name:      tc.Name,
					Arguments: tc.Args,
				},
			})
		}
		oMessages = append(oMessages, oMsg)
	}

	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	temperature := params.Temperature
	if temperature == nil {
		temperature = p.cfg.Temperature
	}

	request := ollamaRequest{
		Model:    p.cfg.Model,
		Messages: oMessages,
		Stream:   true,
		Options: &ollamaOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
			Stop:        params.Stop,
			Seed:        params.Seed,
		},
	}

	for _, tool := range tools {
		request.Tools = append(request.Tools, ollamaTool{
			Type:     "function",
			Function: ollamaToolFunction(tool),
		})
	}

	return request
}

func (p *OllamaProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	// The retrying client reports every non-2xx as an error; classify
	// from the status whenever a response exists so 401/429/overflow
	// keep their taxonomy instead of collapsing into TransportError.
	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return nil, &TransportError{Provider: "ollama", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus("ollama", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (p *OllamaProvider) readStream(ctx context.Context, body io.Reader, out chan<- Delta) error {
	usage := &Usage{}

	emit := func(d Delta) bool {
		select {
		case out <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: API error: %s", chunk.Error)
		}

		if chunk.Message.Thinking != "" {
			if !emit(Delta{Type: DeltaReasoning, Text: chunk.Message.Thinking}) {
				return ctx.Err()
			}
		}
		if chunk.Message.Content != "" {
			if !emit(Delta{Type: DeltaContent, Text: chunk.Message.Content}) {
				return ctx.Err()
			}
		}

		// Ollama does not assign tool call ids; mint them so results can be
		// matched downstream.
		for _, tc := range chunk.Message.ToolCalls {
			if !emit(Delta{Type: DeltaToolCall, ToolCall: &ToolCall{
				ID:   "call_" + uuid.NewString(),
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			}}) {
				return ctx.Err()
			}
		}

		if chunk.Done {
			usage.PromptTokens = chunk.PromptEvalCount
			usage.CompletionTokens = chunk.EvalCount
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			if !emit(Delta{Type: DeltaFinish, Usage: usage}) {
				return ctx.Err()
			}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return &TransportError{Provider: "ollama", Err: err}
	}

	if !emit(Delta{Type: DeltaFinish, Usage: usage}) {
		return ctx.Err()
	}
	return nil
}
