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
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/parleyhq/parley/pkg/store"
)

// stdioTransport runs the configured command as a subprocess and
// frames JSON-RPC messages over its stdin/stdout. Subprocess stderr is
// drained into the diagnostic log.
type stdioTransport struct {
	cfg *store.MCPServer

	mu      sync.Mutex
	client  *client.Client
	changed func()
}

func newStdioTransport(cfg *store.MCPServer) *stdioTransport {
	return &stdioTransport{cfg: cfg}
}

func (t *stdioTransport) Initialize(ctx context.Context) error {
	env := make([]string, 0, len(t.cfg.Env))
	for k, v := range t.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, env, t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create stdio client: %w", err)
	}

	if stderr, ok := client.GetStderr(mcpClient); ok {
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				slog.Debug("mcp server stderr",
					"server_id", t.cfg.ID, "server", t.cfg.Name, "line", scanner.Text())
			}
		}()
	}

	mcpClient.OnNotification(func(n mcpgo.JSONRPCNotification) {
		if n.Method != "notifications/tools/list_changed" {
			return
		}
		t.mu.Lock()
		fn := t.changed
		t.mu.Unlock()
		if fn != nil {
			fn()
		}
	})

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("failed to start stdio client: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	initReq.Params.ProtocolVersion = protocolVersion
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return fmt.Errorf("initialize failed: %w", err)
	}

	t.mu.Lock()
	t.client = mcpClient
	t.mu.Unlock()
	return nil
}

func (t *stdioTransport) getClient() (*client.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, fmt.Errorf("transport not initialized")
	}
	return t.client, nil
}

func (t *stdioTransport) ListTools(ctx context.Context) ([]Tool, error) {
	c, err := t.getClient()
	if err != nil {
		return nil, err
	}

	resp, err := c.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}

	tools := make([]Tool, 0, len(resp.Tools))
	for _, mt := range resp.Tools {
		tools = append(tools, Tool{
			Name:        mt.Name,
			Description: mt.Description,
			InputSchema: convertSchema(mt.InputSchema),
		})
	}
	return tools, nil
}

func (t *stdioTransport) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	c, err := t.getClient()
	if err != nil {
		return nil, err
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tools/call failed: %w", err)
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return &ToolResult{
		OK:   !resp.IsError,
		Text: joinTexts(texts),
	}, nil
}

func (t *stdioTransport) Ping(ctx context.Context) error {
	c, err := t.getClient()
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

func (t *stdioTransport) OnToolsChanged(fn func()) {
	t.mu.Lock()
	t.changed = fn
	t.mu.Unlock()
}

func (t *stdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

func convertSchema(schema mcpgo.ToolInputSchema) map[string]any {
	return map[string]any{
		"type":       schema.Type,
		"properties": schema.Properties,
		"required":   schema.Required,
	}
}

func joinTexts(texts []string) string {
	switch len(texts) {
	case 0:
		return ""
	case 1:
		return texts[0]
	default:
		out := texts[0]
		for _, t := range texts[1:] {
			out += "\n" + t
		}
		return out
	}
}

var _ Transport = (*stdioTransport)(nil)
