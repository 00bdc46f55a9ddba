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

// Package llm provides a uniform streaming chat capability over multiple
// LLM vendors. Providers assemble fragmented tool-call JSON internally and
// surface only complete tool calls.
package llm

import (
	"context"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one chat message. Immutable once emitted.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a complete, assembled tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Params are per-request generation parameters.
type Params struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	ContextLength int      `json:"context_length,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
}

// Usage reports token consumption for one completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DeltaType tags a streaming delta.
type DeltaType string

const (
	// DeltaContent carries a fragment of assistant text.
	DeltaContent DeltaType = "content"
	// DeltaReasoning carries a fragment of model thinking, when surfaced.
	DeltaReasoning DeltaType = "reasoning"
	// DeltaToolCall carries one fully assembled tool call.
	DeltaToolCall DeltaType = "tool_call"
	// DeltaFinish closes the stream; Usage may be set.
	DeltaFinish DeltaType = "finish"
)

// Delta is one streaming unit from a provider.
type Delta struct {
	Type     DeltaType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Err      error
}

// Provider is the uniform LLM capability set.
type Provider interface {
	// StreamChat starts a streaming completion. The returned channel is
	// closed after a finish delta or an error delta. Cancelling ctx stops
	// the stream.
	StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (<-chan Delta, error)

	// ListModels returns the model identifiers the provider can serve.
	ListModels(ctx context.Context) ([]string, error)

	// ModelName returns the configured model.
	ModelName() string

	// ContextLength returns the model context window in tokens.
	ContextLength() int

	// MaxTokens returns the configured completion budget.
	MaxTokens() int

	Close() error
}
