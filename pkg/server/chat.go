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
	"fmt"
	"net/http"
	"sort"

	"github.com/parleyhq/parley/pkg/agent"
)

// handleChatStream runs one chat turn and relays its events as SSE
// frames. The client disconnecting cancels the turn through the
// request context.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req agent.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Messages) == 0 {
		s.respondError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	req.UserID = userID(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.runtime.ChatTurn(r.Context(), &req) {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleListLLMs exposes the configured model entries.
func (s *Server) handleListLLMs(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		Name    string `json:"name"`
		Model   string `json:"model"`
		Default bool   `json:"default"`
	}
	out := make([]entry, 0, len(s.cfg.LLMs))
	defaultName := s.cfg.DefaultLLM()
	for name, llmCfg := range s.cfg.LLMs {
		out = append(out, entry{Name: name, Model: llmCfg.Model, Default: name == defaultName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	respondJSON(w, http.StatusOK, out)
}

// handleSetUserLLM persists the caller's model selection.
func (s *Server) handleSetUserLLM(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, ok := s.cfg.LLMs[body.Name]; !ok {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("no LLM configuration named %q", body.Name))
		return
	}

	if err := s.store.SetUserLLM(r.Context(), userID(r), body.Name); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"name": body.Name})
}
