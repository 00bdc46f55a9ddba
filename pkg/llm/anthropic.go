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

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/httpclient"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Anthropic messages API.
type AnthropicProvider struct {
	cfg        *config.LLMConfig
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Message      *anthropicMsgMeta `json:"message,omitempty"`
	Usage        *anthropicUsage   `json:"usage,omitempty"`
	Error        *anthropicError   `json:"error,omitempty"`
}

type anthropicMsgMeta struct {
	Usage *anthropicUsage `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// NewAnthropicProvider creates a provider for the Anthropic API.
func NewAnthropicProvider(cfg *config.LLMConfig) *AnthropicProvider {
	return &AnthropicProvider{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}
}

func (p *AnthropicProvider) ModelName() string { return p.cfg.Model }
func (p *AnthropicProvider) ContextLength() int { return p.cfg.ContextLength }
func (p *AnthropicProvider) MaxTokens() int { return p.cfg.MaxTokens }
func (p *AnthropicProvider) Close() error { return nil }

// StreamChat implements Provider.
func (p *AnthropicProvider) StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (<-chan Delta, error) {
	request := p.buildRequest(messages, tools, params)

	resp, err := withRetries(ctx, func() (*http.Response, error) {
		return p.post(ctx, "/messages", request)
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
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return nil, &TransportError{Provider: "anthropic", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus("anthropic", resp.StatusCode, string(body))
	}

	var list anthropicModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

// buildRequest converts messages to the Anthropic shape. System messages
// collapse into the request-level system field; tool results become user
// messages with tool_result blocks.
func (p *AnthropicProvider) buildRequest(messages []Message, tools []ToolDefinition, params Params) anthropicRequest {
	var system []string
	var aMessages []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.Content)

		case RoleTool:
			aMessages = append(aMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropicContent
				if msg.Content != "" {
					blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
				}
				for _, tc := range msg.ToolCalls {
					args := tc.Args
					blocks = append(blocks, anthropicContent{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Name,
						Input: &args,
					})
				}
				aMessages = append(aMessages, anthropicMessage{Role: "assistant", Content: blocks})
			} else {
				aMessages = append(aMessages, anthropicMessage{Role: "assistant", Content: msg.Content})
			}

		default:
			aMessages = append(aMessages, anthropicMessage{Role: "user", Content: msg.Content})
		}
	}

	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	temperature := params.Temperature
	if temperature == nil {
		temperature = p.cfg.Temperature
	}

	request := anthropicRequest{
		Model:       p.cfg.Model,
		Messages:    aMessages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      true,
		System:      strings.Join(system, "\n\n"),
		StopSeqs:    params.Stop,
	}

	for _, tool := range tools {
		request.Tools = append(request.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	return request
}

func (p *AnthropicProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	// The retrying client reports every non-2xx as an error; classify
	// from the status whenever a response exists so 401/429/overflow
	// keep their taxonomy instead of collapsing into TransportError.
	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return nil, &TransportError{Provider: "anthropic", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus("anthropic", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (p *AnthropicProvider) readStream(ctx context.Context, body io.Reader, out chan<- Delta) error {
	// Tool input JSON arrives as partial_json fragments per content block.
	toolCalls := make(map[int]*ToolCall)
	toolJSONBuffers := make(map[int]string)
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

		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "error":
			if event.Error != nil {
				return fmt.Errorf("anthropic: API error: %s", event.Error.Message)
			}

		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				usage.PromptTokens = event.Message.Usage.InputTokens
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				toolCalls[event.Index] = &ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
					Args: make(map[string]any),
				}
				toolJSONBuffers[event.Index] = ""
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				if !emit(Delta{Type: DeltaContent, Text: event.Delta.Text}) {
					return ctx.Err()
				}
			}
			if event.Delta.Thinking != "" {
				if !emit(Delta{Type: DeltaReasoning, Text: event.Delta.Thinking}) {
					return ctx.Err()
				}
			}
			if event.Delta.Type == "input_json_delta" && event.Delta.PartialJSON != "" {
				toolJSONBuffers[event.Index] += event.Delta.PartialJSON
			}

		case "content_block_stop":
			if tc, exists := toolCalls[event.Index]; exists {
				if jsonStr := toolJSONBuffers[event.Index]; jsonStr != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(jsonStr), &args); err == nil {
						tc.Args = args
					}
				}
				if !emit(Delta{Type: DeltaToolCall, ToolCall: tc}) {
					return ctx.Err()
				}
				delete(toolCalls, event.Index)
				delete(toolJSONBuffers, event.Index)
			}

		case "message_delta":
			if event.Usage != nil {
				usage.CompletionTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			if !emit(Delta{Type: DeltaFinish, Usage: usage}) {
				return ctx.Err()
			}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return &TransportError{Provider: "anthropic", Err: err}
	}

	// Stream ended without message_stop.
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	if !emit(Delta{Type: DeltaFinish, Usage: usage}) {
		return ctx.Err()
	}
	return nil
}
