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

package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemProvider stores vectors in-process with optional gob file
// persistence. Single-process and memory-bound, but zero-config.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string
	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	embeddingFunc chromem.EmbeddingFunc
}

// ChromemConfig configures the chromem provider. An empty PersistPath
// keeps everything in memory.
type ChromemConfig struct {
	PersistPath string
}

// NewChromemProvider opens or creates a chromem database.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		dbPath := cfg.PersistPath + "/vectors.gob"
		if _, statErr := os.Stat(dbPath); statErr == nil {
			var err error
			db, err = chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				slog.Warn("failed to load existing vector database, creating new",
					"path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("loaded vector database", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed; the embedding function must never run.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	return &ChromemProvider{
		db:            db,
		persistPath:   cfg.PersistPath,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}, nil
}

func (p *ChromemProvider) getCollection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if col, ok := p.collections[name]; ok {
		return col, nil
	}
	col, err := p.db.GetOrCreateCollection(name, nil, p.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}

func (p *ChromemProvider) EnsureCollection(_ context.Context, collection string, _ int) error {
	_, err := p.getCollection(collection)
	return err
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(records))
	for _, rec := range records {
		strMetadata := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			strMetadata[k] = fmt.Sprint(v)
		}
		docs = append(docs, chromem.Document{
			ID:        rec.ID,
			Content:   rec.Content,
			Metadata:  strMetadata,
			Embedding: rec.Vector,
		})
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}
	if err := p.persist(); err != nil {
		slog.Warn("failed to persist after upsert", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem errors when asked for more results than stored.
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		out = append(out, Result{
			ID:       r.ID,
			Score:    r.Similarity,
			Content:  r.Content,
			Metadata: metadata,
		})
	}
	return out, nil
}

func (p *ChromemProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	whereFilter := make(map[string]string, len(filter))
	for k, v := range filter {
		whereFilter[k] = fmt.Sprint(v)
	}

	if err := col.Delete(ctx, whereFilter, nil); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	if err := p.persist(); err != nil {
		slog.Warn("failed to persist after delete", "error", err)
	}
	return nil
}

func (p *ChromemProvider) DeleteCollection(_ context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	delete(p.collections, collection)

	if err := p.persist(); err != nil {
		slog.Warn("failed to persist after collection delete", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Name() string {
	return "chromem"
}

func (p *ChromemProvider) Close() error {
	return p.persist()
}

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}
	dbPath := p.persistPath + "/vectors.gob"
	//nolint:staticcheck // Using deprecated function for compatibility
	if err := p.db.Export(dbPath, false, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
