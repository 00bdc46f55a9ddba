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

// Package vector abstracts vector store backends behind a small
// Provider interface. The chromem backend is embedded and needs no
// external service; qdrant and pinecone talk to remote stores.
package vector

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/pkg/config"
)

// Record is a vector plus its source text and metadata.
type Record struct {
	ID       string
	Vector   []float32
	Content  string
	Metadata map[string]any
}

// Result is a search hit. Score is cosine similarity in [0, 1] for
// normalized vectors.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// Provider is a vector store backend. Collections map one-to-one to
// knowledge bases.
type Provider interface {
	// EnsureCollection creates the collection if it does not exist.
	EnsureCollection(ctx context.Context, collection string, dimension int) error
	// Upsert writes records, replacing any with matching IDs.
	Upsert(ctx context.Context, collection string, records []Record) error
	// Search returns the topK most similar records.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
	// DeleteByFilter removes all records whose metadata matches filter
	// exactly.
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error
	// DeleteCollection removes the collection and everything in it.
	DeleteCollection(ctx context.Context, collection string) error
	// Name identifies the backend.
	Name() string
	Close() error
}

// New builds a provider from configuration.
func New(cfg *config.VectorConfig) (Provider, error) {
	switch cfg.Type {
	case config.VectorTypeChromem, "":
		return NewChromemProvider(ChromemConfig{PersistPath: cfg.PersistPath})
	case config.VectorTypeQdrant:
		return NewQdrantProvider(cfg)
	case config.VectorTypePinecone:
		return NewPineconeProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store type: %s", cfg.Type)
	}
}
