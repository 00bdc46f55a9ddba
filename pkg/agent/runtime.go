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

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/chunk"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/knowledge"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/mcp"
	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/store"
)

const (
	retrievalDeadline = 2 * time.Second
	ensureDeadline    = 3 * time.Second

	// rough per-message framing cost added to the token count
	messageOverheadTokens = 4
)

// ChatRequest is one chat turn as received from the HTTP layer. The
// last message is the current user message.
type ChatRequest struct {
	UserID           string        `json:"-"`
	Model            string        `json:"model,omitempty"`
	Messages         []llm.Message `json:"messages"`
	KnowledgeBaseIDs []string      `json:"knowledge_base_ids,omitempty"`
	MCPServerIDs     []string      `json:"mcp_server_ids,omitempty"`
	UseWebSearch     bool          `json:"use_web_search,omitempty"`
	Stream           bool          `json:"stream,omitempty"`
}

// Runtime orchestrates chat turns. It is stateless across turns; all
// shared state lives in the pool and the stores it borrows.
type Runtime struct {
	cfg       *config.Config
	store     *store.Store
	knowledge *knowledge.Service
	tools     *mcp.Service
	metrics   *metrics.Metrics
	counter   *chunk.TokenCounter
	webSearch *webSearchTool

	// swapped in tests
	newProvider func(*config.LLMConfig) (llm.Provider, error)
}

// Option customizes runtime construction.
type Option func(*Runtime)

// WithProviderFactory overrides how LLM provider handles are built,
// for caching layers or test doubles.
func WithProviderFactory(f func(*config.LLMConfig) (llm.Provider, error)) Option {
	return func(r *Runtime) { r.newProvider = f }
}

func NewRuntime(cfg *config.Config, st *store.Store, ks *knowledge.Service, ms *mcp.Service, m *metrics.Metrics, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:         cfg,
		store:       st,
		knowledge:   ks,
		tools:       ms,
		metrics:     m,
		counter:     chunk.NewTokenCounter(),
		webSearch:   newWebSearchTool(),
		newProvider: llm.NewProvider,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ChatTurn runs one turn and returns its event sequence. The channel
// is closed after the terminal event. Cancelling ctx stops the turn.
func (r *Runtime) ChatTurn(ctx context.Context, req *ChatRequest) <-chan StreamEvent {
	events := make(chan StreamEvent, 32)
	go func() {
		defer close(events)
		turnTimeout := time.Duration(r.cfg.Runtime.TurnTimeout) * time.Second
		turnCtx, cancel := context.WithTimeout(ctx, turnTimeout)
		defer cancel()
		t := &turn{r: r, req: req, parent: ctx, ctx: turnCtx, events: events}
		t.run()
	}()
	return events
}

// turn is the per-request state the driver advances.
type turn struct {
	r      *Runtime
	req    *ChatRequest
	parent context.Context
	ctx    context.Context
	events chan<- StreamEvent

	llmName  string
	provider llm.Provider
	messages []llm.Message
	toolDefs []llm.ToolDefinition
	routes   map[string]string
	usage    llm.Usage
}

// emit delivers one event in FIFO order. It fails only when the
// consumer is gone.
func (t *turn) emit(ev StreamEvent) bool {
	if t.parent.Err() != nil {
		return false
	}
	select {
	case t.events <- ev:
		return true
	case <-t.parent.Done():
		return false
	}
}

// emitFinal delivers a terminal event. Unlike emit it still tries
// after cancellation, since an observer draining the stream should
// see how it ended, but it gives up quickly if nobody is reading.
func (t *turn) emitFinal(ev StreamEvent) {
	select {
	case t.events <- ev:
	case <-time.After(100 * time.Millisecond):
	}
}

// abortOnCtx closes the sequence after the turn context ends:
// cancellation from the caller wins over the turn deadline.
func (t *turn) abortOnCtx() {
	if t.parent.Err() != nil {
		t.emitFinal(errorEvent(KindCancelled, "turn cancelled"))
		return
	}
	t.emitFinal(errorEvent(KindTurnTimeout, "turn exceeded its time budget"))
	t.emitFinal(doneEvent(&t.usage))
}

func (t *turn) run() {
	defer func() {
		if t.provider != nil {
			if err := t.provider.Close(); err != nil {
				slog.Debug("provider close failed", "error", err)
			}
		}
	}()
	if !t.assembleContext() {
		return
	}
	t.reactLoop()
}

// assembleContext is Phase A: resolve the provider, retrieve knowledge
// context, bring up tool sessions and trim history. Returns false when
// the turn already terminated.
func (t *turn) assembleContext() bool {
	if err := t.resolveProvider(); err != nil {
		t.emit(errorEvent(KindUnknownModel, err.Error()))
		return false
	}

	t.messages = append([]llm.Message(nil), t.req.Messages...)

	if len(t.req.KnowledgeBaseIDs) > 0 {
		if !t.retrieve() {
			return false
		}
	}
	if len(t.req.MCPServerIDs) > 0 {
		if !t.connectTools() {
			return false
		}
	}
	if t.req.UseWebSearch {
		t.toolDefs = append(t.toolDefs, t.r.webSearch.Definition())
	}

	t.trimHistory()
	return true
}

func (t *turn) resolveProvider() error {
	name := t.req.Model
	if name == "" {
		stored, err := t.r.store.GetUserLLM(t.ctx, t.req.UserID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		name = stored
	}
	if name == "" {
		name = t.r.cfg.DefaultLLM()
	}
	llmCfg, ok := t.r.cfg.LLMs[name]
	if !ok {
		return fmt.Errorf("no LLM configuration named %q", name)
	}
	provider, err := t.r.newProvider(llmCfg)
	if err != nil {
		return err
	}
	t.llmName = name
	t.provider = provider
	return nil
}

// retrieve queries the referenced knowledge bases with the last user
// message and prepends a system message carrying the snippets. Returns
// false only on ownership violations; other retrieval failures degrade
// to a warning.
func (t *turn) retrieve() bool {
	ctx, cancel := context.WithTimeout(t.ctx, retrievalDeadline)
	defer cancel()

	query := lastUserText(t.req.Messages)
	results, err := t.r.knowledge.Query(ctx, t.req.UserID, t.req.KnowledgeBaseIDs, query, 0, 0)
	if err != nil {
		if knowledge.IsForbidden(err) {
			t.emit(errorEvent(KindForbiddenKB, err.Error()))
			return false
		}
		slog.Warn("retrieval degraded", "user", t.req.UserID, "error", err)
		t.emit(errorEvent(KindRetrievalDegraded, "knowledge retrieval unavailable, continuing without context"))
		return true
	}
	if len(results) == 0 {
		return true
	}

	t.messages = append([]llm.Message{{Role: llm.RoleSystem, Content: knowledgeContext(results)}}, t.messages...)
	return t.emit(citationsEvent(results))
}

// connectTools brings up the referenced sessions and publishes the
// turn's tool set. Servers that do not come up in time are reported
// and skipped.
func (t *turn) connectTools() bool {
	servers, err := t.r.tools.ResolveServers(t.ctx, t.req.UserID, t.req.MCPServerIDs)
	if err != nil {
		t.emit(errorEvent(KindUnknownServer, err.Error()))
		return false
	}

	ensureCtx, cancel := context.WithTimeout(t.ctx, ensureDeadline)
	failed := t.r.tools.EnsureServers(ensureCtx, t.req.UserID, servers)
	cancel()
	for _, serverID := range failed {
		ev := errorEvent(KindPoolConnectFailed, "server did not connect; its tools are unavailable this turn")
		ev.ServerID = serverID
		if !t.emit(ev) {
			t.abortOnCtx()
			return false
		}
	}

	set, err := t.r.tools.UserTools(t.ctx, t.req.UserID, servers)
	if err != nil {
		slog.Warn("tool discovery failed", "user", t.req.UserID, "error", err)
		return true
	}
	for _, c := range set.Collisions {
		ev := errorEvent(KindToolNameCollision, fmt.Sprintf("multiple servers expose %q", c.Tool))
		ev.Name = c.Tool
		ev.Chosen = c.Winner
		if !t.emit(ev) {
			t.abortOnCtx()
			return false
		}
	}

	t.routes = set.Routes
	for _, tool := range set.Tools {
		t.toolDefs = append(t.toolDefs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	return true
}

// trimHistory drops the oldest messages until the prompt fits in
// context_length minus the completion budget. The first system message
// always survives.
func (t *turn) trimHistory() {
	llmCfg := t.r.cfg.LLMs[t.llmName]
	budget := llmCfg.ContextLength - llmCfg.MaxTokens
	if budget <= 0 {
		return
	}

	var system *llm.Message
	rest := t.messages
	if len(rest) > 0 && rest[0].Role == llm.RoleSystem {
		system = &rest[0]
		rest = rest[1:]
		budget -= t.messageCost(*system)
	}

	total := 0
	keepFrom := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		cost := t.messageCost(rest[i])
		if total+cost > budget && keepFrom < len(rest) {
			break
		}
		total += cost
		keepFrom = i
	}

	trimmed := rest[keepFrom:]
	// never orphan a tool result from its assistant message
	for len(trimmed) > 0 && trimmed[0].Role == llm.RoleTool {
		trimmed = trimmed[1:]
	}

	if system != nil {
		t.messages = append([]llm.Message{*system}, trimmed...)
	} else {
		t.messages = trimmed
	}
}

func (t *turn) messageCost(m llm.Message) int {
	n, err := t.r.counter.Count(m.Content)
	if err != nil {
		n = len(m.Content) / 4
	}
	for _, call := range m.ToolCalls {
		if args, err := json.Marshal(call.Args); err == nil {
			if c, err := t.r.counter.Count(string(args)); err == nil {
				n += c
			}
		}
	}
	return n + messageOverheadTokens
}

// reactLoop is Phase B: stream completions, dispatch assembled tool
// calls, and feed results back until the model answers without tools
// or the step limit is reached.
func (t *turn) reactLoop() {
	params := t.paramsFor()
	maxSteps := t.r.cfg.Runtime.MaxReactSteps

	for step := 0; step < maxSteps; step++ {
		deltas, err := t.provider.StreamChat(t.ctx, t.messages, t.toolDefs, params)
		if err != nil {
			t.failProvider(err)
			return
		}
		t.r.metrics.ObserveLLMRequest(t.llmName)

		var content strings.Builder
		var calls []llm.ToolCall
		var toolMsgs []llm.Message
		var streamErr error

	deltaLoop:
		for d := range deltas {
			if d.Err != nil {
				streamErr = d.Err
				break
			}
			switch d.Type {
			case llm.DeltaContent:
				content.WriteString(d.Text)
				if !t.emit(contentEvent(d.Text)) {
					t.abortOnCtx()
					return
				}
			case llm.DeltaReasoning:
				if !t.emit(thinkingEvent(d.Text)) {
					t.abortOnCtx()
					return
				}
			case llm.DeltaToolCall:
				call := *d.ToolCall
				if call.ID == "" {
					call.ID = fmt.Sprintf("call_%d_%d", step, len(calls))
				}
				msg, ok := t.dispatchToolCall(call)
				if !ok {
					return
				}
				calls = append(calls, call)
				toolMsgs = append(toolMsgs, msg)
			case llm.DeltaFinish:
				if d.Usage != nil {
					t.usage.PromptTokens += d.Usage.PromptTokens
					t.usage.CompletionTokens += d.Usage.CompletionTokens
					t.usage.TotalTokens += d.Usage.TotalTokens
					t.r.metrics.ObserveLLMTokens(t.llmName, int64(d.Usage.PromptTokens), int64(d.Usage.CompletionTokens))
				}
				break deltaLoop
			}
		}

		if t.ctx.Err() != nil {
			t.abortOnCtx()
			return
		}
		if streamErr != nil {
			t.failProvider(streamErr)
			return
		}
		if len(calls) == 0 {
			t.emitFinal(doneEvent(&t.usage))
			return
		}

		t.messages = append(t.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   content.String(),
			ToolCalls: calls,
		})
		t.messages = append(t.messages, toolMsgs...)
	}

	t.emitFinal(errorEvent(KindToolLoopLimit, fmt.Sprintf("stopped after %d tool steps", maxSteps)))
	t.emitFinal(doneEvent(&t.usage))
}

// dispatchToolCall emits the start event, runs the call, and emits the
// result. The payload is always JSON so the model can parse failures
// too. Returns false when the turn terminated during the call.
func (t *turn) dispatchToolCall(call llm.ToolCall) (llm.Message, bool) {
	if !t.emit(toolCallStartEvent(call)) {
		t.abortOnCtx()
		return llm.Message{}, false
	}

	var res *mcp.ToolResult
	var err error
	if t.req.UseWebSearch && call.Name == webSearchToolName {
		res, err = t.r.webSearch.Call(t.ctx, call.Args)
	} else {
		res, err = t.r.tools.CallToolForUser(t.ctx, t.req.UserID, call.Name, call.Args, t.routes)
	}
	if err != nil {
		t.abortOnCtx()
		return llm.Message{}, false
	}

	payload := toolPayload(res)
	if !t.emit(toolCallResultEvent(call.ID, res.OK, payload)) {
		t.abortOnCtx()
		return llm.Message{}, false
	}
	return llm.Message{Role: llm.RoleTool, Content: payload, ToolCallID: call.ID}, true
}

func (t *turn) paramsFor() llm.Params {
	llmCfg := t.r.cfg.LLMs[t.llmName]
	return llm.Params{
		Temperature:   llmCfg.Temperature,
		MaxTokens:     llmCfg.MaxTokens,
		ContextLength: llmCfg.ContextLength,
	}
}

// failProvider maps a provider error to the terminal event taxonomy.
func (t *turn) failProvider(err error) {
	if t.ctx.Err() != nil {
		t.abortOnCtx()
		return
	}

	var auth *llm.AuthError
	var overflow *llm.ContextOverflowError
	var rate *llm.RateLimitedError
	switch {
	case errors.As(err, &auth):
		t.emitFinal(errorEvent(KindAuth, err.Error()))
	case errors.As(err, &overflow):
		t.emitFinal(errorEvent(KindContextOverflow, "prompt exceeds the model context window; reduce history or retrieved context"))
	case errors.As(err, &rate):
		t.emitFinal(errorEvent(KindRateLimited, err.Error()))
	default:
		t.emitFinal(errorEvent(KindTransport, err.Error()))
	}
}

// toolPayload renders a tool result as a JSON value. Output that is
// already valid JSON passes through unchanged.
func toolPayload(res *mcp.ToolResult) string {
	if res.OK {
		text := strings.TrimSpace(res.Text)
		if text != "" && json.Valid([]byte(text)) {
			return text
		}
		out, err := json.Marshal(res.Text)
		if err != nil {
			return `""`
		}
		return string(out)
	}
	out, err := json.Marshal(map[string]string{"error": res.Text})
	if err != nil {
		return `{"error":"tool call failed"}`
	}
	return string(out)
}

func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// knowledgeContext renders retrieved snippets as a system message,
// each attributed by document and structural path.
func knowledgeContext(results []knowledge.Result) string {
	var b strings.Builder
	b.WriteString("Relevant excerpts from the user's knowledge bases. Cite the source document when you use one.\n")
	for _, r := range results {
		fmt.Fprintf(&b, "\n[%s · %s]\n%s\n", r.DocName, r.Path, r.Text)
	}
	return b.String()
}
