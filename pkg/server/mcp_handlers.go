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

package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/parleyhq/parley/pkg/store"
)

func (s *Server) handleListMCPServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListMCPServers(r.Context(), userID(r))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type serverView struct {
		*store.MCPServer
		Status string `json:"status"`
	}
	out := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		out = append(out, serverView{
			MCPServer: srv,
			Status:    string(s.mcp.ServerStatus(userID(r), srv.ID)),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateMCPServer(w http.ResponseWriter, r *http.Request) {
	var srv store.MCPServer
	if err := json.NewDecoder(r.Body).Decode(&srv); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	srv.UserID = userID(r)
	if err := srv.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateMCPServer(r.Context(), &srv); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, &srv)
}

func (s *Server) handleGetMCPServer(w http.ResponseWriter, r *http.Request) {
	srv, err := s.store.GetMCPServer(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, srv)
}

func (s *Server) handleUpdateMCPServer(w http.ResponseWriter, r *http.Request) {
	var srv store.MCPServer
	if err := json.NewDecoder(r.Body).Decode(&srv); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	srv.ID = chi.URLParam(r, "id")
	srv.UserID = userID(r)
	if err := srv.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateMCPServer(r.Context(), &srv); err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, &srv)
}

func (s *Server) handleDeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteMCPServer(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// handleRefreshMCPServer re-dials the server and reports the settled
// pool status.
func (s *Server) handleRefreshMCPServer(w http.ResponseWriter, r *http.Request) {
	status, err := s.mcp.RefreshServer(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}
