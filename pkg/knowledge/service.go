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

// Package knowledge implements knowledge base management: ingestion of
// uploaded documents into chunked embeddings, and similarity queries
// with ownership enforcement.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/pkg/chunk"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/embedder"
	"github.com/parleyhq/parley/pkg/extract"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/vector"
)

const (
	DefaultTopK     = 5
	DefaultMinScore = 0.3
)

// Result is one retrieved chunk with its attribution.
type Result struct {
	ChunkID string  `json:"chunk_id"`
	Text    string  `json:"text"`
	Score   float32 `json:"score"`
	KBID    string  `json:"kb_id"`
	DocName string  `json:"doc_name"`
	Path    string  `json:"path"`
	Ordinal int     `json:"ordinal"`
}

// Service ties the metadata store, vector store, embedder and
// extractors together. Reads are concurrent; writes to one KB are
// serialized by a per-KB lock.
type Service struct {
	store     *store.Store
	vectors   vector.Provider
	embedder  embedder.Embedder
	extractor *extract.Registry
	chunker   *chunk.Chunker

	topK     int
	minScore float32

	mu      sync.Mutex
	kbLocks map[string]*sync.Mutex
}

// NewService builds the knowledge service. Chunk sizing and retrieval
// defaults come from the runtime config.
func NewService(st *store.Store, vectors vector.Provider, emb embedder.Embedder, rc *config.RuntimeConfig) (*Service, error) {
	chunker, err := chunk.New(chunk.Config{Size: rc.ChunkSize, Overlap: rc.ChunkOverlap})
	if err != nil {
		return nil, err
	}

	topK := rc.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	minScore := float32(rc.MinRetrievalScore)
	if minScore <= 0 {
		minScore = DefaultMinScore
	}

	return &Service{
		store:     st,
		vectors:   vectors,
		embedder:  emb,
		extractor: extract.NewRegistry(),
		chunker:   chunker,
		topK:      topK,
		minScore:  minScore,
		kbLocks:   make(map[string]*sync.Mutex),
	}, nil
}

func (s *Service) kbLock(kbID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.kbLocks[kbID]
	if !ok {
		l = &sync.Mutex{}
		s.kbLocks[kbID] = l
	}
	return l
}

// requireKB resolves a KB and enforces ownership.
func (s *Service) requireKB(ctx context.Context, userID, kbID string) (*store.KnowledgeBase, error) {
	kb, err := s.store.GetKnowledgeBase(ctx, userID, kbID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ForbiddenKBError{KBID: kbID}
	}
	if err != nil {
		return nil, err
	}
	return kb, nil
}

// CreateKB creates a knowledge base and its vector collection.
func (s *Service) CreateKB(ctx context.Context, userID, name string) (*store.KnowledgeBase, error) {
	if _, err := s.store.GetKnowledgeBaseByName(ctx, userID, name); err == nil {
		return nil, ErrDuplicateName
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	kb := &store.KnowledgeBase{
		UserID:         userID,
		Name:           name,
		EmbeddingModel: s.embedder.Model(),
	}
	if err := s.store.CreateKnowledgeBase(ctx, kb); err != nil {
		return nil, err
	}
	if err := s.vectors.EnsureCollection(ctx, kb.ID, s.embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("failed to create vector collection: %w", err)
	}
	return kb, nil
}

// ListKBs returns a user's knowledge bases.
func (s *Service) ListKBs(ctx context.Context, userID string) ([]*store.KnowledgeBase, error) {
	return s.store.ListKnowledgeBases(ctx, userID)
}

// ListDocuments returns the documents in a KB the user owns.
func (s *Service) ListDocuments(ctx context.Context, userID, kbID string) ([]*store.Document, error) {
	if _, err := s.requireKB(ctx, userID, kbID); err != nil {
		return nil, err
	}
	return s.store.ListDocuments(ctx, kbID)
}

// IngestDocument extracts, chunks, embeds and stores one upload.
// Re-ingesting identical bytes is a no-op keyed on content hash.
func (s *Service) IngestDocument(ctx context.Context, userID, kbID, name string, data []byte, mimeType string) (*store.Document, error) {
	kb, err := s.requireKB(ctx, userID, kbID)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	lock := s.kbLock(kbID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.store.GetDocumentByHash(ctx, kbID, hash); err == nil {
		slog.Debug("document already ingested", "kb_id", kbID, "doc_id", existing.ID, "hash", hash)
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	blocks, err := s.extractor.Extract(ctx, data, name, mimeType)
	if err != nil {
		return nil, fmt.Errorf("extraction failed: %w", err)
	}
	chunks, err := s.chunker.Chunk(blocks)
	if err != nil {
		return nil, fmt.Errorf("chunking failed: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document %q produced no chunks", name)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("expected %d vectors, got %d", len(chunks), len(vectors))
	}

	// A re-upload under the same name with changed content replaces the
	// old document and its chunks.
	doc := &store.Document{KBID: kbID, Name: name, ContentHash: hash, ChunkCount: len(chunks)}
	if prev, err := s.store.GetDocumentByName(ctx, kbID, name); err == nil {
		doc.ID = prev.ID
		if err := s.vectors.DeleteByFilter(ctx, kbID, map[string]any{"document_id": prev.ID}); err != nil {
			return nil, fmt.Errorf("failed to remove stale chunks: %w", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	records := make([]vector.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vector.Record{
			ID:      fmt.Sprintf("%s:%d", doc.ID, c.Ordinal),
			Vector:  vectors[i],
			Content: c.Text,
			Metadata: map[string]any{
				"document_id": doc.ID,
				"doc_name":    name,
				"ordinal":     c.Ordinal,
				"path":        c.Path,
			},
		}
	}
	if err := s.vectors.Upsert(ctx, kbID, records); err != nil {
		return nil, fmt.Errorf("failed to store chunks: %w", err)
	}
	if err := s.store.UpsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	slog.Info("document ingested",
		"kb_id", kbID, "kb_name", kb.Name, "doc_id", doc.ID, "chunks", len(chunks))
	return doc, nil
}

// DeleteDocument removes a document and all of its chunks.
func (s *Service) DeleteDocument(ctx context.Context, userID, kbID, docID string) error {
	if _, err := s.requireKB(ctx, userID, kbID); err != nil {
		return err
	}

	lock := s.kbLock(kbID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.vectors.DeleteByFilter(ctx, kbID, map[string]any{"document_id": docID}); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return s.store.DeleteDocument(ctx, kbID, docID)
}

// DeleteKB removes a knowledge base, its documents and its vector
// collection.
func (s *Service) DeleteKB(ctx context.Context, userID, kbID string) error {
	if _, err := s.requireKB(ctx, userID, kbID); err != nil {
		return err
	}

	lock := s.kbLock(kbID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.vectors.DeleteCollection(ctx, kbID); err != nil {
		return fmt.Errorf("failed to delete vector collection: %w", err)
	}
	if err := s.store.DeleteKnowledgeBase(ctx, userID, kbID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.kbLocks, kbID)
	s.mu.Unlock()
	return nil
}

// Query embeds the text and searches the given KBs. Results are merged
// across KBs, filtered by minScore, ordered by score descending with
// ties broken by doc name then ordinal, and capped at k. Zero k or
// minScore fall back to the configured defaults.
func (s *Service) Query(ctx context.Context, userID string, kbIDs []string, text string, k int, minScore float32) ([]Result, error) {
	if k <= 0 {
		k = s.topK
	}
	if minScore <= 0 {
		minScore = s.minScore
	}

	for _, kbID := range kbIDs {
		if _, err := s.requireKB(ctx, userID, kbID); err != nil {
			return nil, err
		}
	}

	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	queryVec := vecs[0]

	perKB := make([][]Result, len(kbIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, kbID := range kbIDs {
		g.Go(func() error {
			hits, err := s.vectors.Search(gctx, kbID, queryVec, k)
			if err != nil {
				return fmt.Errorf("search in %s failed: %w", kbID, err)
			}
			results := make([]Result, 0, len(hits))
			for _, h := range hits {
				if h.Score < minScore {
					continue
				}
				results = append(results, Result{
					ChunkID: h.ID,
					Text:    h.Content,
					Score:   h.Score,
					KBID:    kbID,
					DocName: asString(h.Metadata["doc_name"]),
					Path:    asString(h.Metadata["path"]),
					Ordinal: asInt(h.Metadata["ordinal"]),
				})
			}
			perKB[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Result
	for _, results := range perKB {
		merged = append(merged, results...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		if merged[i].DocName != merged[j].DocName {
			return merged[i].DocName < merged[j].DocName
		}
		return merged[i].Ordinal < merged[j].Ordinal
	})

	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Metadata round-trips through backends as strings, ints or floats
// depending on the store.
func asInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		return 0
	}
}
