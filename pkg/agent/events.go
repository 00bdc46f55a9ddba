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

// Package agent drives one chat turn: context assembly, the streaming
// tool-use loop against the LLM, and the event sequence consumed by
// the HTTP layer.
package agent

import (
	"github.com/parleyhq/parley/pkg/knowledge"
	"github.com/parleyhq/parley/pkg/llm"
)

// EventType tags a StreamEvent variant.
type EventType string

const (
	EventThinking           EventType = "thinking"
	EventContent            EventType = "content"
	EventToolCallStart      EventType = "tool_call_start"
	EventToolCallResult     EventType = "tool_call_result"
	EventKnowledgeCitations EventType = "knowledge_citations"
	EventError              EventType = "error"
	EventDone               EventType = "done"
)

// ErrorKind classifies an error event. Some kinds are warnings that
// leave the turn running; the rest are terminal.
type ErrorKind string

const (
	KindAuth              ErrorKind = "auth_error"
	KindForbiddenKB       ErrorKind = "forbidden_kb"
	KindUnknownServer     ErrorKind = "unknown_server"
	KindUnknownModel      ErrorKind = "unknown_model"
	KindRateLimited       ErrorKind = "rate_limited"
	KindTransport         ErrorKind = "transport_error"
	KindContextOverflow   ErrorKind = "context_overflow"
	KindToolLoopLimit     ErrorKind = "tool_loop_limit"
	KindCancelled         ErrorKind = "cancelled"
	KindTurnTimeout       ErrorKind = "turn_timeout"
	KindPoolConnectFailed ErrorKind = "pool_connect_failed"
	KindToolNameCollision ErrorKind = "tool_name_collision"
	KindRetrievalDegraded ErrorKind = "retrieval_degraded"
)

// warningKinds leave the turn running after emission.
var warningKinds = map[ErrorKind]bool{
	KindPoolConnectFailed: true,
	KindToolNameCollision: true,
	KindRetrievalDegraded: true,
}

// IsWarning reports whether an error kind is non-terminal.
func (k ErrorKind) IsWarning() bool { return warningKinds[k] }

// StreamEvent is one frame of the turn's event sequence. The Type tag
// decides which fields are populated.
type StreamEvent struct {
	Type EventType `json:"type"`

	// Thinking and content deltas.
	Delta string `json:"delta,omitempty"`

	// Tool call start and result.
	ID      string         `json:"id,omitempty"`
	Name    string         `json:"name,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	OK      *bool          `json:"ok,omitempty"`
	Payload string         `json:"payload,omitempty"`

	// Knowledge citations.
	Citations []knowledge.Result `json:"citations,omitempty"`

	// Errors and warnings.
	Kind     ErrorKind `json:"kind,omitempty"`
	Message  string    `json:"message,omitempty"`
	ServerID string    `json:"server_id,omitempty"`
	Chosen   string    `json:"chosen,omitempty"`

	// Done.
	Usage *llm.Usage `json:"usage,omitempty"`
}

// Terminal reports whether this event ends the sequence.
func (e StreamEvent) Terminal() bool {
	if e.Type == EventDone {
		return true
	}
	return e.Type == EventError && !e.Kind.IsWarning()
}

func thinkingEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventThinking, Delta: delta}
}

func contentEvent(delta string) StreamEvent {
	return StreamEvent{Type: EventContent, Delta: delta}
}

func toolCallStartEvent(call llm.ToolCall) StreamEvent {
	return StreamEvent{Type: EventToolCallStart, ID: call.ID, Name: call.Name, Args: call.Args}
}

func toolCallResultEvent(id string, ok bool, payload string) StreamEvent {
	return StreamEvent{Type: EventToolCallResult, ID: id, OK: &ok, Payload: payload}
}

func citationsEvent(results []knowledge.Result) StreamEvent {
	return StreamEvent{Type: EventKnowledgeCitations, Citations: results}
}

func errorEvent(kind ErrorKind, message string) StreamEvent {
	return StreamEvent{Type: EventError, Kind: kind, Message: message}
}

func doneEvent(usage *llm.Usage) StreamEvent {
	return StreamEvent{Type: EventDone, Usage: usage}
}
