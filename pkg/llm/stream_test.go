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
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/config"
)

func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
	}
}

func collectDeltas(t *testing.T, ch <-chan Delta) []Delta {
	t.Helper()
	var out []Delta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("timed out waiting for deltas")
		}
	}
}

func openAIConfig(baseURL string) *config.LLMConfig {
	cfg := &config.LLMConfig{
		Provider: config.LLMProviderOpenAI,
		Model:    "gpt-test",
		BaseURL:  baseURL,
	}
	cfg.SetDefaults()
	return cfg
}

func TestOpenAIStreamContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := NewOpenAIProvider(openAIConfig(srv.URL))
	ch, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, Params{})
	require.NoError(t, err)

	deltas := collectDeltas(t, ch)
	require.Len(t, deltas, 3)
	assert.Equal(t, DeltaContent, deltas[0].Type)
	assert.Equal(t, "Hel", deltas[0].Text)
	assert.Equal(t, "lo", deltas[1].Text)
	assert.Equal(t, DeltaFinish, deltas[2].Type)
	require.NotNil(t, deltas[2].Usage)
	assert.Equal(t, 7, deltas[2].Usage.TotalTokens)
}

func TestOpenAIStreamAssemblesToolCallFragments(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"calc","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"{\"expr\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"\"2+2\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := NewOpenAIProvider(openAIConfig(srv.URL))
	ch, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "calc"}}, nil, Params{})
	require.NoError(t, err)

	deltas := collectDeltas(t, ch)
	require.Len(t, deltas, 2)
	require.Equal(t, DeltaToolCall, deltas[0].Type)
	require.NotNil(t, deltas[0].ToolCall)
	assert.Equal(t, "call_1", deltas[0].ToolCall.ID)
	assert.Equal(t, "calc", deltas[0].ToolCall.Name)
	assert.Equal(t, map[string]any{"expr": "2+2"}, deltas[0].ToolCall.Args)
	assert.Equal(t, DeltaFinish, deltas[1].Type)
}

func TestOpenAIAuthErrorNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(openAIConfig(srv.URL))
	_, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, Params{})
	require.Error(t, err)

	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Equal(t, 1, calls)
}

func TestOpenAIContextOverflowClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"this model's maximum context length is 8192 tokens"}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(openAIConfig(srv.URL))
	_, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, Params{})
	require.Error(t, err)

	var overflow *ContextOverflowError
	assert.True(t, errors.As(err, &overflow))
}

func TestAnthropicAuthErrorNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"type":"error","error":{"type":"permission_error","message":"forbidden"}}`)
	}))
	defer srv.Close()

	cfg := &config.LLMConfig{
		Provider: config.LLMProviderAnthropic,
		Model:    "claude-test",
		BaseURL:  srv.URL,
	}
	cfg.SetDefaults()

	p := NewAnthropicProvider(cfg)
	_, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, Params{})
	require.Error(t, err)

	var authErr *AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Equal(t, 1, calls)
}

func TestAnthropicStreamToolUse(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"type":"message_start","message":{"usage":{"input_tokens":11}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Using the tool."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"search"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","usage":{"output_tokens":6}}`,
		`{"type":"message_stop"}`,
	}))
	defer srv.Close()

	cfg := &config.LLMConfig{
		Provider: config.LLMProviderAnthropic,
		Model:    "claude-test",
		BaseURL:  srv.URL,
	}
	cfg.SetDefaults()

	p := NewAnthropicProvider(cfg)
	ch, err := p.StreamChat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, Params{})
	require.NoError(t, err)

	deltas := collectDeltas(t, ch)
	require.Len(t, deltas, 3)
	assert.Equal(t, DeltaContent, deltas[0].Type)
	assert.Equal(t, "Using the tool.", deltas[0].Text)

	require.Equal(t, DeltaToolCall, deltas[1].Type)
	assert.Equal(t, "toolu_1", deltas[1].ToolCall.ID)
	assert.Equal(t, "search", deltas[1].ToolCall.Name)
	assert.Equal(t, map[string]any{"query": "go"}, deltas[1].ToolCall.Args)

	require.Equal(t, DeltaFinish, deltas[2].Type)
	require.NotNil(t, deltas[2].Usage)
	assert.Equal(t, 11, deltas[2].Usage.PromptTokens)
	assert.Equal(t, 6, deltas[2].Usage.CompletionTokens)
	assert.Equal(t, 17, deltas[2].Usage.TotalTokens)
}

func TestNewProviderDispatch(t *testing.T) {
	for _, tc := range []struct {
		provider config.LLMProvider
		model    string
	}{
		{config.LLMProviderOpenAI, "gpt-test"},
		{config.LLMProviderAnthropic, "claude-test"},
		{config.LLMProviderOllama, "llama-test"},
	} {
		cfg := &config.LLMConfig{Provider: tc.provider, Model: tc.model}
		cfg.SetDefaults()
		p, err := NewProvider(cfg)
		require.NoError(t, err)
		assert.Equal(t, tc.model, p.ModelName())
	}

	_, err := NewProvider(&config.LLMConfig{Provider: "unknown"})
	assert.Error(t, err)
}
