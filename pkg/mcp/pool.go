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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/store"
)

// ErrPoolClosed is returned by pool operations after Close.
var ErrPoolClosed = errors.New("mcp: pool is closed")

// ErrNoSession is returned when no live session exists for a key.
var ErrNoSession = errors.New("mcp: no session for server")

const (
	connectOutcomeSuccess = "success"
	connectOutcomeFailure = "failure"
	refreshPollInterval   = 500 * time.Millisecond
	refreshPollBudget     = 5 * time.Second
	pingTimeout           = 5 * time.Second
)

// DialFunc builds a transport for a server config. Production uses
// newTransport; tests substitute fakes.
type DialFunc func(cfg *store.MCPServer) (Transport, error)

// Pool is the process-wide registry of MCP sessions keyed by
// (user, server). One mutex guards map mutation only; session I/O
// never runs under it. Sessions are reference counted so eviction
// while a call is in flight defers the transport close to the last
// borrower.
type Pool struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Session
	status   map[string]map[string]Status
	order    map[string][]string
	closed   bool

	dial            DialFunc
	metrics         *metrics.Metrics
	connectTimeout  time.Duration
	toolCallTimeout time.Duration
	healthInterval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds the pool and starts its health loop. Exactly one
// pool instance exists per process; Close stops the loop and tears
// down every session.
func NewPool(rc *config.RuntimeConfig, m *metrics.Metrics) *Pool {
	return NewPoolWithDial(rc, m, nil)
}

// NewPoolWithDial builds a pool with a custom transport factory. A nil
// dial uses the standard transports.
func NewPoolWithDial(rc *config.RuntimeConfig, m *metrics.Metrics, dial DialFunc) *Pool {
	if dial == nil {
		dial = newTransport
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sessions:        make(map[string]map[string]*Session),
		status:          make(map[string]map[string]Status),
		order:           make(map[string][]string),
		dial:            dial,
		metrics:         m,
		connectTimeout:  time.Duration(rc.PoolConnectTimeout) * time.Second,
		toolCallTimeout: time.Duration(rc.ToolCallTimeout) * time.Second,
		healthInterval:  time.Duration(rc.PoolHealthInterval) * time.Second,
		ctx:             ctx,
		cancel:          cancel,
	}
	p.wg.Add(1)
	go p.healthLoop()
	return p
}

// Ensure brings up a session for (user, server) if none exists. The
// fast path returns immediately when an entry is present. Otherwise
// the key is marked connecting and the dial runs asynchronously; a
// second Ensure during the dial is a no-op, so at most one connect is
// ever in flight per key.
func (p *Pool) Ensure(cfg *store.MCPServer, userID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, ok := p.sessions[userID][cfg.ID]; ok {
		p.mu.Unlock()
		return nil
	}
	if p.status[userID][cfg.ID] == StatusConnecting {
		p.mu.Unlock()
		return nil
	}
	p.setStatusLocked(userID, cfg.ID, StatusConnecting)
	p.recordOrderLocked(userID, cfg.ID)
	p.mu.Unlock()

	p.wg.Add(1)
	go p.connect(cfg, userID)
	return nil
}

// connect dials and initializes under the connect deadline, then
// inserts the session. On failure the key flips to disconnected with
// no entry inserted, so the next Ensure retries.
func (p *Pool) connect(cfg *store.MCPServer, userID string) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.connectTimeout)
	defer cancel()

	transport, err := p.dial(cfg)
	if err == nil {
		err = transport.Initialize(ctx)
		if err != nil {
			_ = transport.Close()
		}
	}
	if err != nil {
		slog.Warn("mcp connect failed",
			"user", userID, "server_id", cfg.ID, "server", cfg.Name, "error", err)
		p.metrics.ObserveConnect(connectOutcomeFailure)
		p.mu.Lock()
		if !p.closed && p.status[userID][cfg.ID] == StatusConnecting {
			p.setStatusLocked(userID, cfg.ID, StatusDisconnected)
		}
		p.mu.Unlock()
		return
	}

	session := newSession(userID, cfg.ID, transport)

	p.mu.Lock()
	// The key must still carry the marker this connect set. If it was
	// evicted outright in the meantime the session is stale; discard it
	// rather than insert over whatever state the key is in now.
	if p.closed || p.status[userID][cfg.ID] != StatusConnecting {
		p.mu.Unlock()
		session.closeWhenIdle()
		return
	}
	if p.sessions[userID] == nil {
		p.sessions[userID] = make(map[string]*Session)
	}
	p.sessions[userID][cfg.ID] = session
	p.setStatusLocked(userID, cfg.ID, StatusConnected)
	p.metrics.SetPoolSessions(p.sessionCountLocked())
	p.mu.Unlock()

	p.metrics.ObserveConnect(connectOutcomeSuccess)
	slog.Info("mcp session connected", "user", userID, "server_id", cfg.ID, "server", cfg.Name)
}

// CallTool tries the user's sessions in insertion order under the
// per-call deadline. The first completed RPC wins, even when the tool
// itself reports failure. If every session errors the failure comes
// back as tool result data rather than an error; only cancellation
// and pool shutdown surface as errors.
func (p *Pool) CallTool(ctx context.Context, userID, name string, args map[string]any) (*ToolResult, error) {
	sessions := p.acquireAll(userID)
	if len(sessions) == 0 {
		return &ToolResult{OK: false, Text: fmt.Sprintf("no connected server advertises tool %q", name)}, nil
	}
	defer func() {
		for _, s := range sessions {
			s.release()
		}
	}()

	var lastErr error
	for _, s := range sessions {
		res, err := p.callOn(ctx, s, name, args)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || p.ctx.Err() != nil {
			p.metrics.ObserveToolCall("cancelled")
			return nil, fmt.Errorf("tool call %s cancelled: %w", name, err)
		}
		lastErr = err
	}
	p.metrics.ObserveToolCall("error")
	return &ToolResult{OK: false, Text: fmt.Sprintf("tool %s failed on all servers: %v", name, lastErr)}, nil
}

// CallToolOn invokes a tool on one specific session.
func (p *Pool) CallToolOn(ctx context.Context, userID, serverID, name string, args map[string]any) (*ToolResult, error) {
	s, ok := p.acquire(userID, serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, serverID)
	}
	defer s.release()

	res, err := p.callOn(ctx, s, name, args)
	if err != nil {
		if ctx.Err() != nil || p.ctx.Err() != nil {
			p.metrics.ObserveToolCall("cancelled")
			return nil, fmt.Errorf("tool call %s cancelled: %w", name, err)
		}
		p.metrics.ObserveToolCall("error")
		return &ToolResult{OK: false, Text: fmt.Sprintf("tool %s failed: %v", name, err)}, nil
	}
	return res, nil
}

func (p *Pool) callOn(ctx context.Context, s *Session, name string, args map[string]any) (*ToolResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.toolCallTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	res, err := s.CallTool(callCtx, name, args)
	if err != nil {
		return nil, err
	}
	if res.OK {
		p.metrics.ObserveToolCall("ok")
	} else {
		p.metrics.ObserveToolCall("tool_error")
	}
	return res, nil
}

// Tools returns the tool list of one session.
func (p *Pool) Tools(ctx context.Context, userID, serverID string) ([]Tool, error) {
	s, ok := p.acquire(userID, serverID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, serverID)
	}
	defer s.release()
	return s.Tools(ctx)
}

// Status reports the state of a key. Keys never seen, or evicted,
// report absent.
func (p *Pool) Status(userID, serverID string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.status[userID][serverID]; ok {
		return st
	}
	return StatusAbsent
}

// ServerIDs returns the user's server ids in insertion order,
// restricted to keys that currently hold a live session.
func (p *Pool) ServerIDs(userID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for _, id := range p.order[userID] {
		if _, ok := p.sessions[userID][id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Refresh evicts the session, closes it once idle, re-ensures, and
// waits briefly for the reconnect to settle. Returns the final
// observed status.
func (p *Pool) Refresh(cfg *store.MCPServer, userID string) Status {
	p.evict(userID, cfg.ID)
	if err := p.Ensure(cfg, userID); err != nil {
		return StatusAbsent
	}

	deadline := time.Now().Add(refreshPollBudget)
	for {
		st := p.Status(userID, cfg.ID)
		if st == StatusConnected || st == StatusDisconnected {
			return st
		}
		if time.Now().After(deadline) {
			return st
		}
		select {
		case <-p.ctx.Done():
			return p.Status(userID, cfg.ID)
		case <-time.After(refreshPollInterval):
		}
	}
}

// evict removes the key from the maps and schedules the session close.
// In-flight borrowers keep the transport alive until they release.
// A key that is mid-connect has no session to drop; the connecting
// marker stays put so the follow-up Ensure does not start a second
// dial while the first is still in flight.
func (p *Pool) evict(userID, serverID string) {
	p.mu.Lock()
	s := p.sessions[userID][serverID]
	if s == nil && p.status[userID][serverID] == StatusConnecting {
		p.mu.Unlock()
		return
	}
	delete(p.sessions[userID], serverID)
	delete(p.status[userID], serverID)
	p.metrics.SetPoolSessions(p.sessionCountLocked())
	p.mu.Unlock()
	if s != nil {
		s.closeWhenIdle()
	}
}

// Close tears down every session and stops the health loop. In-flight
// tool calls observe cancellation.
func (p *Pool) Close() {
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var all []*Session
	for _, byServer := range p.sessions {
		for _, s := range byServer {
			all = append(all, s)
		}
	}
	p.sessions = make(map[string]map[string]*Session)
	p.status = make(map[string]map[string]Status)
	p.order = make(map[string][]string)
	p.metrics.SetPoolSessions(0)
	p.mu.Unlock()

	for _, s := range all {
		s.closeWhenIdle()
	}
	p.wg.Wait()
}

// healthLoop pings every session on the health interval. A failed ping
// flips the key to disconnected but leaves the session in place; the
// next use goes through Refresh. A later successful ping restores
// connected.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	type entry struct {
		userID, serverID string
		session          *Session
	}
	var entries []entry
	p.mu.Lock()
	for userID, byServer := range p.sessions {
		for serverID, s := range byServer {
			entries = append(entries, entry{userID, serverID, s})
		}
	}
	p.mu.Unlock()

	for _, e := range entries {
		if !e.session.acquire() {
			continue
		}
		ctx, cancel := context.WithTimeout(p.ctx, pingTimeout)
		err := e.session.Ping(ctx)
		cancel()
		e.session.release()

		p.mu.Lock()
		if _, live := p.sessions[e.userID][e.serverID]; live {
			if err != nil {
				p.setStatusLocked(e.userID, e.serverID, StatusDisconnected)
			} else {
				p.setStatusLocked(e.userID, e.serverID, StatusConnected)
			}
		}
		p.mu.Unlock()
		if err != nil {
			slog.Warn("mcp health check failed", "user", e.userID, "server_id", e.serverID, "error", err)
		}
	}
}

func (p *Pool) setStatusLocked(userID, serverID string, st Status) {
	if p.status[userID] == nil {
		p.status[userID] = make(map[string]Status)
	}
	p.status[userID][serverID] = st
}

func (p *Pool) recordOrderLocked(userID, serverID string) {
	for _, id := range p.order[userID] {
		if id == serverID {
			return
		}
	}
	p.order[userID] = append(p.order[userID], serverID)
}

func (p *Pool) sessionCountLocked() int {
	n := 0
	for _, byServer := range p.sessions {
		n += len(byServer)
	}
	return n
}

func (p *Pool) acquire(userID, serverID string) (*Session, bool) {
	p.mu.Lock()
	s, ok := p.sessions[userID][serverID]
	p.mu.Unlock()
	if !ok || !s.acquire() {
		return nil, false
	}
	return s, true
}

// acquireAll borrows the user's sessions in insertion order.
func (p *Pool) acquireAll(userID string) []*Session {
	p.mu.Lock()
	var ordered []*Session
	for _, id := range p.order[userID] {
		if s, ok := p.sessions[userID][id]; ok {
			ordered = append(ordered, s)
		}
	}
	p.mu.Unlock()

	acquired := ordered[:0]
	for _, s := range ordered {
		if s.acquire() {
			acquired = append(acquired, s)
		}
	}
	return acquired
}
