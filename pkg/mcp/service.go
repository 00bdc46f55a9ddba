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
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/store"
)

const ensurePollInterval = 100 * time.Millisecond

// Collision records two or more servers advertising the same tool
// name. The winner is the session actually routed to; losers are
// shadowed for the turn.
type Collision struct {
	Tool   string
	Winner string
	Losers []string
}

// ToolSet is the published tool surface for one user at one point in
// time. Routes pins each tool name to the session that won it, so
// dispatch during a turn stays consistent even if servers change
// underneath.
type ToolSet struct {
	Tools      []Tool
	Routes     map[string]string
	Collisions []Collision
}

// Service adapts persisted server configs to pool operations.
type Service struct {
	store *store.Store
	pool  *Pool
}

func NewService(st *store.Store, pool *Pool) *Service {
	return &Service{store: st, pool: pool}
}

// ResolveServers loads the server configs a turn references. An empty
// ids slice means every active server the user owns. Explicit ids are
// ownership-checked and must be active.
func (s *Service) ResolveServers(ctx context.Context, userID string, ids []string) ([]*store.MCPServer, error) {
	if len(ids) == 0 {
		all, err := s.store.ListMCPServers(ctx, userID)
		if err != nil {
			return nil, err
		}
		var active []*store.MCPServer
		for _, srv := range all {
			if srv.Active {
				active = append(active, srv)
			}
		}
		return active, nil
	}

	servers := make([]*store.MCPServer, 0, len(ids))
	for _, id := range ids {
		srv, err := s.store.GetMCPServer(ctx, userID, id)
		if err != nil {
			return nil, fmt.Errorf("resolve server %s: %w", id, err)
		}
		if !srv.Active {
			continue
		}
		servers = append(servers, srv)
	}
	// id order keeps tool dedup deterministic regardless of request order
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return servers, nil
}

// EnsureServers brings up sessions for the given servers and waits,
// within the context deadline, for each to settle. A key already
// flagged disconnected is refreshed rather than left stale. Returns
// the ids that did not reach connected; those servers contribute no
// tools this turn.
func (s *Service) EnsureServers(ctx context.Context, userID string, servers []*store.MCPServer) []string {
	var mu sync.Mutex
	refreshing := make(map[string]bool, len(servers))
	for _, srv := range servers {
		if s.pool.Status(userID, srv.ID) == StatusDisconnected {
			refreshing[srv.ID] = true
		}
	}
	for _, srv := range servers {
		if refreshing[srv.ID] {
			go func(srv *store.MCPServer) {
				s.pool.Refresh(srv, userID)
				mu.Lock()
				refreshing[srv.ID] = false
				mu.Unlock()
			}(srv)
			continue
		}
		if err := s.pool.Ensure(srv, userID); err != nil {
			slog.Warn("ensure failed", "user", userID, "server_id", srv.ID, "error", err)
		}
	}

	pending := make(map[string]bool, len(servers))
	for _, srv := range servers {
		pending[srv.ID] = true
	}
	for len(pending) > 0 {
		for id := range pending {
			switch s.pool.Status(userID, id) {
			case StatusConnected:
				delete(pending, id)
			case StatusDisconnected, StatusAbsent:
				// Settled only once no refresh is in flight; a key that
				// failed its connect attempt will not come up this turn,
				// so there is nothing left to wait for.
				mu.Lock()
				inFlight := refreshing[id]
				mu.Unlock()
				if !inFlight {
					delete(pending, id)
				}
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			var failed []string
			for _, srv := range servers {
				if s.pool.Status(userID, srv.ID) != StatusConnected {
					failed = append(failed, srv.ID)
				}
			}
			return failed
		case <-time.After(ensurePollInterval):
		}
	}

	var failed []string
	for _, srv := range servers {
		if s.pool.Status(userID, srv.ID) != StatusConnected {
			failed = append(failed, srv.ID)
		}
	}
	return failed
}

// UserTools publishes the union of tools/list over the user's
// connected sessions. Duplicate names deduplicate deterministically:
// servers are visited in id order and a later server's tool replaces
// an earlier one's, with the collision recorded so callers can warn.
func (s *Service) UserTools(ctx context.Context, userID string, servers []*store.MCPServer) (*ToolSet, error) {
	set := &ToolSet{Routes: make(map[string]string)}
	losers := make(map[string][]string)

	for _, srv := range servers {
		if s.pool.Status(userID, srv.ID) != StatusConnected {
			continue
		}
		tools, err := s.pool.Tools(ctx, userID, srv.ID)
		if err != nil {
			slog.Warn("tools/list failed", "user", userID, "server_id", srv.ID, "error", err)
			continue
		}
		for _, tool := range tools {
			if prev, ok := set.Routes[tool.Name]; ok {
				losers[tool.Name] = append(losers[tool.Name], prev)
				for i := range set.Tools {
					if set.Tools[i].Name == tool.Name {
						set.Tools[i] = tool
						break
					}
				}
			} else {
				set.Tools = append(set.Tools, tool)
			}
			set.Routes[tool.Name] = srv.ID
		}
	}

	for _, tool := range set.Tools {
		if shadowed, ok := losers[tool.Name]; ok {
			set.Collisions = append(set.Collisions, Collision{
				Tool:   tool.Name,
				Winner: set.Routes[tool.Name],
				Losers: shadowed,
			})
		}
	}
	return set, nil
}

// CallToolForUser dispatches to the session pinned at publication
// time. An unrouted name falls back to trying the user's sessions in
// insertion order.
func (s *Service) CallToolForUser(ctx context.Context, userID, name string, args map[string]any, routes map[string]string) (*ToolResult, error) {
	if serverID, ok := routes[name]; ok {
		res, err := s.pool.CallToolOn(ctx, userID, serverID, name, args)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		// route went stale (session evicted); fall through
	}
	return s.pool.CallTool(ctx, userID, name, args)
}

// RefreshServer re-dials one server and reports the settled status.
func (s *Service) RefreshServer(ctx context.Context, userID, serverID string) (Status, error) {
	srv, err := s.store.GetMCPServer(ctx, userID, serverID)
	if err != nil {
		return StatusAbsent, err
	}
	return s.pool.Refresh(srv, userID), nil
}

// ServerStatus reports the pool status for one server.
func (s *Service) ServerStatus(userID, serverID string) Status {
	return s.pool.Status(userID, serverID)
}
