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

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleyhq/parley/pkg/httpclient"
	"github.com/parleyhq/parley/pkg/store"
)

// httpTransport speaks MCP streamable-HTTP: each request is a POST and
// the server answers with either a plain JSON body or an SSE stream
// carrying the JSON-RPC response. The mcp-session-id header, once
// issued by the server, rides along on every subsequent request.
type httpTransport struct {
	cfg    *store.MCPServer
	client *httpclient.Client

	nextID    atomic.Int64
	sessionMu sync.RWMutex
	sessionID string
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newHTTPTransport(cfg *store.MCPServer) *httpTransport {
	return &httpTransport{
		cfg: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
			httpclient.WithMaxRetries(2),
		),
	}
}

func (t *httpTransport) Initialize(ctx context.Context) error {
	resp, err := t.request(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error: %s", resp.Error.Message)
	}

	// The initialized notification completes the handshake; servers
	// that do not track it return 202 and we ignore the body.
	_ = t.notify(ctx, "notifications/initialized")
	return nil
}

func (t *httpTransport) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := t.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list error: %s", resp.Error.Message)
	}

	var result struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/list result: %w", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, rt := range result.Tools {
		tools = append(tools, Tool{
			Name:        rt.Name,
			Description: rt.Description,
			InputSchema: rt.InputSchema,
		})
	}
	return tools, nil
}

func (t *httpTransport) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	resp, err := t.request(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("tools/call failed: %w", err)
	}
	if resp.Error != nil {
		return &ToolResult{OK: false, Text: resp.Error.Message}, nil
	}

	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools/call result: %w", err)
	}

	var texts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	return &ToolResult{
		OK:   !result.IsError,
		Text: joinTexts(texts),
	}, nil
}

func (t *httpTransport) Ping(ctx context.Context) error {
	resp, err := t.request(ctx, "ping", nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ping error: %s", resp.Error.Message)
	}
	return nil
}

// OnToolsChanged is a no-op: a POST-only client has no channel for
// server notifications. The tool cache refreshes on reconnect.
func (t *httpTransport) OnToolsChanged(func()) {}

func (t *httpTransport) Close() error {
	return nil
}

func (t *httpTransport) request(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(respBody))
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(httpResp.Body)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

func (t *httpTransport) notify(ctx context.Context, method string) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	})
	if err != nil {
		return err
	}
	resp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (t *httpTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.cfg.Env {
		req.Header.Set(k, v)
	}

	t.sessionMu.RLock()
	sessionID := t.sessionID
	t.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		slog.Debug("mcp http request failed",
			"server_id", t.cfg.ID, "url", t.cfg.URL, "error", err)
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		t.sessionMu.Lock()
		t.sessionID = newSessionID
		t.sessionMu.Unlock()
	}
	return resp, nil
}

// readSSEResponse returns the first complete JSON-RPC response carried
// on the event stream.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	reader := bufio.NewReader(body)
	var data strings.Builder

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("SSE read error: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			if data.Len() > 0 {
				var resp jsonRPCResponse
				if parseErr := json.Unmarshal([]byte(data.String()), &resp); parseErr == nil {
					return &resp, nil
				}
				data.Reset()
			}
			continue
		}
		if after, ok := strings.CutPrefix(line, "data:"); ok {
			data.WriteString(strings.TrimSpace(after))
		}
	}

	if data.Len() > 0 {
		var resp jsonRPCResponse
		if err := json.Unmarshal([]byte(data.String()), &resp); err == nil {
			return &resp, nil
		}
	}
	return nil, fmt.Errorf("SSE stream ended without complete message")
}

var _ Transport = (*httpTransport)(nil)
