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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Transport names for MCP servers.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// MCPServer is a user-registered MCP server configuration.
type MCPServer struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Validate checks transport-specific required fields.
func (m *MCPServer) Validate() error {
	if m.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch m.Transport {
	case TransportStdio:
		if m.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case TransportHTTP:
		if m.URL == "" {
			return fmt.Errorf("url is required for http transport")
		}
	default:
		return fmt.Errorf("unsupported transport: %s", m.Transport)
	}
	return nil
}

// CreateMCPServer inserts a new server config, assigning an ID.
func (s *Store) CreateMCPServer(ctx context.Context, srv *MCPServer) error {
	if err := srv.Validate(); err != nil {
		return err
	}
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now

	args, err := json.Marshal(srv.Args)
	if err != nil {
		return fmt.Errorf("failed to serialize args: %w", err)
	}
	env, err := json.Marshal(srv.Env)
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}

	query := s.rebind(`
INSERT INTO mcp_servers (id, user_id, name, transport, command, args, url, env, active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		srv.ID, srv.UserID, srv.Name, srv.Transport, srv.Command, string(args), srv.URL, string(env), srv.Active, srv.CreatedAt, srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert mcp server: %w", err)
	}
	return nil
}

// UpdateMCPServer rewrites a server config owned by the given user.
func (s *Store) UpdateMCPServer(ctx context.Context, srv *MCPServer) error {
	if err := srv.Validate(); err != nil {
		return err
	}
	srv.UpdatedAt = time.Now().UTC()

	args, err := json.Marshal(srv.Args)
	if err != nil {
		return fmt.Errorf("failed to serialize args: %w", err)
	}
	env, err := json.Marshal(srv.Env)
	if err != nil {
		return fmt.Errorf("failed to serialize env: %w", err)
	}

	query := s.rebind(`
UPDATE mcp_servers SET name = ?, transport = ?, command = ?, args = ?, url = ?, env = ?, active = ?, updated_at = ?
WHERE id = ? AND user_id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		srv.Name, srv.Transport, srv.Command, string(args), srv.URL, string(env), srv.Active, srv.UpdatedAt, srv.ID, srv.UserID)
	if err != nil {
		return fmt.Errorf("failed to update mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMCPServer fetches a single server config owned by the user.
func (s *Store) GetMCPServer(ctx context.Context, userID, id string) (*MCPServer, error) {
	query := s.rebind(`
SELECT id, user_id, name, transport, command, args, url, env, active, created_at, updated_at
FROM mcp_servers WHERE id = ? AND user_id = ?`)
	row := s.db.QueryRowContext(ctx, query, id, userID)
	srv, err := scanMCPServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return srv, err
}

// ListMCPServers returns all server configs for a user, ordered by id
// so dedup and collision decisions are stable.
func (s *Store) ListMCPServers(ctx context.Context, userID string) ([]*MCPServer, error) {
	query := s.rebind(`
SELECT id, user_id, name, transport, command, args, url, env, active, created_at, updated_at
FROM mcp_servers WHERE user_id = ? ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp servers: %w", err)
	}
	defer rows.Close()

	var out []*MCPServer
	for rows.Next() {
		srv, err := scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// DeleteMCPServer removes a server config owned by the user.
func (s *Store) DeleteMCPServer(ctx context.Context, userID, id string) error {
	query := s.rebind(`DELETE FROM mcp_servers WHERE id = ? AND user_id = ?`)
	res, err := s.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMCPServer(row rowScanner) (*MCPServer, error) {
	var (
		srv       MCPServer
		args, env string
	)
	err := row.Scan(&srv.ID, &srv.UserID, &srv.Name, &srv.Transport, &srv.Command, &args, &srv.URL, &env, &srv.Active, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &srv.Args); err != nil {
			return nil, fmt.Errorf("failed to decode args: %w", err)
		}
	}
	if env != "" {
		if err := json.Unmarshal([]byte(env), &srv.Env); err != nil {
			return nil, fmt.Errorf("failed to decode env: %w", err)
		}
	}
	return &srv, nil
}
