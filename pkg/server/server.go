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

// Package server is the HTTP surface: the SSE chat endpoint, the MCP
// server and knowledge base CRUD, and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/knowledge"
	"github.com/parleyhq/parley/pkg/mcp"
	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/store"
)

type Server struct {
	cfg       *config.Config
	runtime   *agent.Runtime
	knowledge *knowledge.Service
	mcp       *mcp.Service
	store     *store.Store
	metrics   *metrics.Metrics

	httpServer *http.Server
}

func New(cfg *config.Config, rt *agent.Runtime, ks *knowledge.Service, ms *mcp.Service, st *store.Store, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		runtime:   rt,
		knowledge: ks,
		mcp:       ms,
		store:     st,
		metrics:   m,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed so tests can drive the
// handlers without a listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestLogger)
	r.Use(s.countRequests)
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireUser)

		r.Post("/chat/stream", s.handleChatStream)

		r.Route("/mcp/servers", func(r chi.Router) {
			r.Get("/", s.handleListMCPServers)
			r.Post("/", s.handleCreateMCPServer)
			r.Get("/{id}", s.handleGetMCPServer)
			r.Put("/{id}", s.handleUpdateMCPServer)
			r.Delete("/{id}", s.handleDeleteMCPServer)
			r.Post("/{id}/refresh", s.handleRefreshMCPServer)
		})

		r.Route("/knowledge", func(r chi.Router) {
			r.Get("/bases", s.handleListKBs)
			r.Post("/bases", s.handleCreateKB)
			r.Delete("/bases/{id}", s.handleDeleteKB)
			r.Get("/bases/{id}/documents", s.handleListDocuments)
			r.Post("/bases/{id}/documents", s.handleUploadDocument)
			r.Delete("/bases/{id}/documents/{docID}", s.handleDeleteDocument)
			r.Post("/query", s.handleKnowledgeQuery)
		})

		r.Get("/llms", s.handleListLLMs)
		r.Put("/llm", s.handleSetUserLLM)
	})

	return r
}

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	if status >= 500 {
		s.metrics.IncrementHTTPErrors()
	}
	respondJSON(w, status, map[string]string{"error": msg})
}

// errStatus maps service errors to HTTP status codes.
func (s *Server) errStatus(err error) int {
	switch {
	case knowledge.IsForbidden(err):
		return http.StatusForbidden
	case isNotFound(err):
		return http.StatusNotFound
	case isDuplicate(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
