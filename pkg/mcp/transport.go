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

// Package mcp hosts the MCP client transports, the process-wide
// connection pool and the tool routing service.
package mcp

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/pkg/store"
)

const (
	clientName      = "parley"
	clientVersion   = "1.0.0"
	protocolVersion = "2024-11-05"
)

// Tool is one tool advertised by an MCP server.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolResult is the outcome of a tools/call. A failed call is data,
// not an error: OK=false with the error text in Text.
type ToolResult struct {
	OK   bool   `json:"ok"`
	Text string `json:"text"`
}

// Transport is a live MCP connection speaking JSON-RPC 2.0. Initialize
// must succeed before any other method is used.
type Transport interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	Ping(ctx context.Context) error
	// OnToolsChanged registers a callback fired when the server sends a
	// tools/list_changed notification. Transports that cannot receive
	// notifications never fire it.
	OnToolsChanged(fn func())
	Close() error
}

// newTransport builds the transport matching the server config. It
// does not dial; Initialize does.
func newTransport(cfg *store.MCPServer) (Transport, error) {
	switch cfg.Transport {
	case store.TransportStdio:
		return newStdioTransport(cfg), nil
	case store.TransportHTTP:
		return newHTTPTransport(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}
