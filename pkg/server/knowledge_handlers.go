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
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// uploads are held in memory during ingestion
const maxUploadBytes = 32 << 20

func (s *Server) handleListKBs(w http.ResponseWriter, r *http.Request) {
	kbs, err := s.knowledge.ListKBs(r.Context(), userID(r))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, kbs)
}

func (s *Server) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		s.respondError(w, http.StatusBadRequest, "a knowledge base name is required")
		return
	}
	kb, err := s.knowledge.CreateKB(r.Context(), userID(r), body.Name)
	if err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, kb)
}

func (s *Server) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	if err := s.knowledge.DeleteKB(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.knowledge.ListDocuments(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, docs)
}

// handleUploadDocument ingests one multipart file field named "file".
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "a file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	doc, err := s.knowledge.IngestDocument(r.Context(), userID(r), chi.URLParam(r, "id"),
		header.Filename, data, header.Header.Get("Content-Type"))
	if err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	s.metrics.ObserveIngest(doc.ChunkCount)
	respondJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	err := s.knowledge.DeleteDocument(r.Context(), userID(r),
		chi.URLParam(r, "id"), chi.URLParam(r, "docID"))
	if err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// handleKnowledgeQuery runs an ad-hoc retrieval over the caller's
// knowledge bases.
func (s *Server) handleKnowledgeQuery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		KnowledgeBaseIDs []string `json:"knowledge_base_ids"`
		Text             string   `json:"text"`
		K                int      `json:"k,omitempty"`
		MinScore         float32  `json:"min_score,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.KnowledgeBaseIDs) == 0 || body.Text == "" {
		s.respondError(w, http.StatusBadRequest, "knowledge_base_ids and text are required")
		return
	}

	results, err := s.knowledge.Query(r.Context(), userID(r), body.KnowledgeBaseIDs, body.Text, body.K, body.MinScore)
	if err != nil {
		s.respondError(w, s.errStatus(err), err.Error())
		return
	}
	s.metrics.ObserveKnowledgeQuery()
	respondJSON(w, http.StatusOK, results)
}
