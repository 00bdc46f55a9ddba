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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// KnowledgeBase is the persisted metadata for one vector collection.
type KnowledgeBase struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	EmbeddingModel string    `json:"embedding_model"`
	CreatedAt      time.Time `json:"created_at"`
}

// Document records one ingested upload within a knowledge base.
type Document struct {
	ID          string    `json:"id"`
	KBID        string    `json:"kb_id"`
	Name        string    `json:"name"`
	ContentHash string    `json:"content_hash"`
	ChunkCount  int       `json:"chunk_count"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// CreateKnowledgeBase inserts a KB row, assigning an ID.
func (s *Store) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	if kb.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if kb.Name == "" {
		return fmt.Errorf("name is required")
	}
	if kb.ID == "" {
		kb.ID = uuid.NewString()
	}
	kb.CreatedAt = time.Now().UTC()

	query := s.rebind(`
INSERT INTO knowledge_bases (id, user_id, name, embedding_model, created_at)
VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, kb.ID, kb.UserID, kb.Name, kb.EmbeddingModel, kb.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

// GetKnowledgeBase fetches a KB owned by the user.
func (s *Store) GetKnowledgeBase(ctx context.Context, userID, id string) (*KnowledgeBase, error) {
	query := s.rebind(`
SELECT id, user_id, name, embedding_model, created_at
FROM knowledge_bases WHERE id = ? AND user_id = ?`)
	var kb KnowledgeBase
	err := s.db.QueryRowContext(ctx, query, id, userID).
		Scan(&kb.ID, &kb.UserID, &kb.Name, &kb.EmbeddingModel, &kb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	return &kb, nil
}

// GetKnowledgeBaseByName fetches a KB by owner and display name.
func (s *Store) GetKnowledgeBaseByName(ctx context.Context, userID, name string) (*KnowledgeBase, error) {
	query := s.rebind(`
SELECT id, user_id, name, embedding_model, created_at
FROM knowledge_bases WHERE user_id = ? AND name = ?`)
	var kb KnowledgeBase
	err := s.db.QueryRowContext(ctx, query, userID, name).
		Scan(&kb.ID, &kb.UserID, &kb.Name, &kb.EmbeddingModel, &kb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	return &kb, nil
}

// ListKnowledgeBases returns all KBs for a user ordered by name.
func (s *Store) ListKnowledgeBases(ctx context.Context, userID string) ([]*KnowledgeBase, error) {
	query := s.rebind(`
SELECT id, user_id, name, embedding_model, created_at
FROM knowledge_bases WHERE user_id = ? ORDER BY name`)
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeBase
	for rows.Next() {
		var kb KnowledgeBase
		if err := rows.Scan(&kb.ID, &kb.UserID, &kb.Name, &kb.EmbeddingModel, &kb.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &kb)
	}
	return out, rows.Err()
}

// DeleteKnowledgeBase removes a KB and its document rows in one
// transaction.
func (s *Store) DeleteKnowledgeBase(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM knowledge_bases WHERE id = ? AND user_id = ?`), id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete knowledge base: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM documents WHERE kb_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}

	return tx.Commit()
}

// UpsertDocument inserts a document row or, when a row with the same
// ID exists, replaces its hash and chunk count.
func (s *Store) UpsertDocument(ctx context.Context, doc *Document) error {
	if doc.KBID == "" {
		return fmt.Errorf("kb_id is required")
	}
	if doc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.UploadedAt = time.Now().UTC()

	update := s.rebind(`
UPDATE documents SET name = ?, content_hash = ?, chunk_count = ?, uploaded_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, update, doc.Name, doc.ContentHash, doc.ChunkCount, doc.UploadedAt, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	insert := s.rebind(`
INSERT INTO documents (id, kb_id, name, content_hash, chunk_count, uploaded_at)
VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, insert, doc.ID, doc.KBID, doc.Name, doc.ContentHash, doc.ChunkCount, doc.UploadedAt); err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// GetDocumentByName fetches a document within a KB by source name.
func (s *Store) GetDocumentByName(ctx context.Context, kbID, name string) (*Document, error) {
	query := s.rebind(`
SELECT id, kb_id, name, content_hash, chunk_count, uploaded_at
FROM documents WHERE kb_id = ? AND name = ?`)
	var doc Document
	err := s.db.QueryRowContext(ctx, query, kbID, name).
		Scan(&doc.ID, &doc.KBID, &doc.Name, &doc.ContentHash, &doc.ChunkCount, &doc.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// GetDocumentByHash fetches a document within a KB by content hash.
func (s *Store) GetDocumentByHash(ctx context.Context, kbID, hash string) (*Document, error) {
	query := s.rebind(`
SELECT id, kb_id, name, content_hash, chunk_count, uploaded_at
FROM documents WHERE kb_id = ? AND content_hash = ?`)
	var doc Document
	err := s.db.QueryRowContext(ctx, query, kbID, hash).
		Scan(&doc.ID, &doc.KBID, &doc.Name, &doc.ContentHash, &doc.ChunkCount, &doc.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// ListDocuments returns all documents in a KB ordered by name.
func (s *Store) ListDocuments(ctx context.Context, kbID string) ([]*Document, error) {
	query := s.rebind(`
SELECT id, kb_id, name, content_hash, chunk_count, uploaded_at
FROM documents WHERE kb_id = ? ORDER BY name`)
	rows, err := s.db.QueryContext(ctx, query, kbID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.KBID, &doc.Name, &doc.ContentHash, &doc.ChunkCount, &doc.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, &doc)
	}
	return out, rows.Err()
}

// DeleteDocument removes a single document row.
func (s *Store) DeleteDocument(ctx context.Context, kbID, id string) error {
	query := s.rebind(`DELETE FROM documents WHERE id = ? AND kb_id = ?`)
	res, err := s.db.ExecContext(ctx, query, id, kbID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
