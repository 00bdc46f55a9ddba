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
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Status of one pool entry.
type Status string

const (
	StatusAbsent       Status = "absent"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Session is a live MCP connection for one (user, server) pair. The
// pool owns the session lifecycle; callers borrow it via acquire and
// must release. The transport closes only after the last borrower
// releases.
type Session struct {
	UserID   string
	ServerID string

	transport Transport

	mu      sync.Mutex
	refs    int
	closing bool

	toolsMu    sync.RWMutex
	tools      []Tool
	toolsValid bool
}

func newSession(userID, serverID string, transport Transport) *Session {
	s := &Session{
		UserID:    userID,
		ServerID:  serverID,
		transport: transport,
	}
	transport.OnToolsChanged(func() {
		slog.Debug("tool list changed", "user", userID, "server_id", serverID)
		s.invalidateTools()
	})
	return s
}

// acquire registers a borrower. It fails once the pool has started
// closing the session.
func (s *Session) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.refs++
	return true
}

// release drops a borrow. The last release after closeWhenIdle closes
// the transport.
func (s *Session) release() {
	s.mu.Lock()
	s.refs--
	shouldClose := s.closing && s.refs == 0
	s.mu.Unlock()
	if shouldClose {
		if err := s.transport.Close(); err != nil {
			slog.Warn("session close failed", "user", s.UserID, "server_id", s.ServerID, "error", err)
		}
	}
}

// closeWhenIdle marks the session for close. If no borrower holds it
// the transport closes immediately; otherwise the last release does.
func (s *Session) closeWhenIdle() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	idle := s.refs == 0
	s.mu.Unlock()
	if idle {
		if err := s.transport.Close(); err != nil {
			slog.Warn("session close failed", "user", s.UserID, "server_id", s.ServerID, "error", err)
		}
	}
}

func (s *Session) invalidateTools() {
	s.toolsMu.Lock()
	s.toolsValid = false
	s.tools = nil
	s.toolsMu.Unlock()
}

// Tools returns the server's tool list, cached until the server
// signals a change.
func (s *Session) Tools(ctx context.Context) ([]Tool, error) {
	s.toolsMu.RLock()
	if s.toolsValid {
		tools := s.tools
		s.toolsMu.RUnlock()
		return tools, nil
	}
	s.toolsMu.RUnlock()

	tools, err := s.transport.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("tools/list on server %s: %w", s.ServerID, err)
	}

	s.toolsMu.Lock()
	s.tools = tools
	s.toolsValid = true
	s.toolsMu.Unlock()
	return tools, nil
}

// CallTool forwards to the transport.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	return s.transport.CallTool(ctx, name, args)
}

// Ping forwards to the transport.
func (s *Session) Ping(ctx context.Context) error {
	return s.transport.Ping(ctx)
}
