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
	"time"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/httpclient"
)

// OpenAIProvider speaks the OpenAI chat completions API. It also serves
// any OpenAI-compatible endpoint via a custom base URL.
type OpenAIProvider struct {
	cfg        *config.LLMConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Seed        *int            `json:"seed,omitempty"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	StreamOpts  *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

type openAIModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// NewOpenAIProvider creates a provider for an OpenAI-compatible endpoint.
func NewOpenAIProvider(cfg *config.LLMConfig) *OpenAIProvider {
	return &OpenAIProvider{
		cfg: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}
}

func (p *OpenAIProvider) ModelName() string { return p.cfg.Model }
func (p *OpenAIProvider) ContextLength() int { return p.cfg.ContextLength }
func (p *OpenAIProvider) MaxTokens() int { return p.cfg.MaxTokens }
func (p *OpenAIProvider) Close() error { return nil }

// StreamChat implements Provider.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (<-chan Delta, error) {
	request := p.buildRequest(messages, tools, params)

	resp, err := withRetries(ctx, func() (*http.Response, error) {
		return p.post(ctx, "/chat/completions", request)
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
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return nil, &TransportError{Provider: "openai", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatus("openai", resp.StatusCode, string(body))
	}

	var list openAIModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}

	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []ToolDefinition, params Params) openAIRequest {
	oaMessages := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		oaMsg := openAIMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Args)
			oaMsg.ToolCalls = append(oaMsg.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(argsJSON),
				},
			})
		}
		oaMessages = append(oaMessages, oaMsg)
	}

	request := openAIRequest{
		Model:       p.cfg.Model,
		Messages:    oaMessages,
		Temperature: params.Temperature,
		Stop:        params.Stop,
		Seed:        params.Seed,
		Stream:      true,
		StreamOpts:  &streamOptions{IncludeUsage: true},
	}

	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens > 0 {
		request.MaxTokens = &maxTokens
	}
	if request.Temperature == nil {
		request.Temperature = p.cfg.Temperature
	}

	if len(tools) > 0 {
		request.Tools = make([]openAITool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = openAITool{
				Type:     "function",
				Function: openAIToolFunction(tool),
			}
		}
		request.ToolChoice = "auto"
	}

	return request
}

func (p *OpenAIProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
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
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	// The retrying client reports every non-2xx as an error; classify
	// from the status whenever a response exists so 401/429/overflow
	// keep their taxonomy instead of collapsing into TransportError.
	resp, err := p.httpClient.Do(req)
	if resp == nil {
		return nil, &TransportError{Provider: "openai", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyStatus("openai", resp.StatusCode, string(body))
	}
	return resp, nil
}

// readStream consumes the SSE completion stream, assembling fragmented
// tool-call arguments before emitting complete tool calls.
func (p *OpenAIProvider) readStream(ctx context.Context, body io.Reader, out chan<- Delta) error {
	reader := bufio.NewReader(body)

	var toolCalls []*openAIToolCall
	var usage *Usage

	emit := func(d Delta) bool {
		select {
		case out <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushToolCalls := func() bool {
		for _, tc := range toolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				if !emit(Delta{Err: fmt.Errorf("malformed tool call arguments for %s: %w", tc.Function.Name, err)}) {
					return false
				}
				continue
			}
			if !emit(Delta{Type: DeltaToolCall, ToolCall: &ToolCall{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			}}) {
				return false
			}
		}
		toolCalls = nil
		return true
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return &TransportError{Provider: "openai", Err: err}
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]
		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			return fmt.Errorf("openai: API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			usage = &Usage{
				PromptTokens:     streamResp.Usage.PromptTokens,
				CompletionTokens: streamResp.Usage.CompletionTokens,
				TotalTokens:      streamResp.Usage.TotalTokens,
			}
		}
		if len(streamResp.Choices) == 0 {
			continue
		}
		choice := streamResp.Choices[0]

		if choice.Delta.Reasoning != "" {
			if !emit(Delta{Type: DeltaReasoning, Text: choice.Delta.Reasoning}) {
				return ctx.Err()
			}
		}
		if choice.Delta.Content != "" {
			if !emit(Delta{Type: DeltaContent, Text: choice.Delta.Content}) {
				return ctx.Err()
			}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				tc := deltaCall
				toolCalls = append(toolCalls, &tc)
			} else if len(toolCalls) > 0 {
				last := toolCalls[len(toolCalls)-1]
				last.Function.Arguments += deltaCall.Function.Arguments
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			if !flushToolCalls() {
				return ctx.Err()
			}
		}
	}

	if !flushToolCalls() {
		return ctx.Err()
	}
	if !emit(Delta{Type: DeltaFinish, Usage: usage}) {
		return ctx.Err()
	}
	return nil
}
