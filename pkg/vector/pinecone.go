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
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/parleyhq/parley/pkg/config"
)

// PineconeProvider maps collections onto namespaces within a single
// Pinecone index. The index itself must exist; Pinecone indexes are
// provisioned out of band.
type PineconeProvider struct {
	client    *pinecone.Client
	indexHost string

	mu    sync.Mutex
	conns map[string]*pinecone.IndexConnection
}

// NewPineconeProvider connects to the configured Pinecone index.
func NewPineconeProvider(cfg *config.VectorConfig) (*PineconeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Pinecone")
	}
	if cfg.IndexHost == "" {
		return nil, fmt.Errorf("index host is required for Pinecone")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{
		ApiKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	return &PineconeProvider{
		client:    client,
		indexHost: cfg.IndexHost,
		conns:     make(map[string]*pinecone.IndexConnection),
	}, nil
}

func (p *PineconeProvider) conn(namespace string) (*pinecone.IndexConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[namespace]; ok {
		return c, nil
	}
	c, err := p.client.Index(pinecone.NewIndexConnParams{
		Host:      p.indexHost,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create index connection: %w", err)
	}
	p.conns[namespace] = c
	return c, nil
}

// EnsureCollection is a no-op: Pinecone namespaces come into existence
// on first upsert.
func (p *PineconeProvider) EnsureCollection(_ context.Context, _ string, _ int) error {
	return nil
}

func (p *PineconeProvider) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	conn, err := p.conn(collection)
	if err != nil {
		return err
	}

	vectors := make([]*pinecone.Vector, 0, len(records))
	for _, rec := range records {
		meta := make(map[string]any, len(rec.Metadata)+1)
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		meta["content"] = rec.Content

		pineconeMeta, err := structpb.NewStruct(meta)
		if err != nil {
			return fmt.Errorf("failed to convert metadata: %w", err)
		}
		vectors = append(vectors, &pinecone.Vector{
			Id:       rec.ID,
			Values:   rec.Vector,
			Metadata: pineconeMeta,
		})
	}

	if _, err := conn.UpsertVectors(ctx, vectors); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return nil
}

func (p *PineconeProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	conn, err := p.conn(collection)
	if err != nil {
		return nil, err
	}

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query Pinecone: %w", err)
	}

	results := make([]Result, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m.Vector == nil {
			continue
		}
		metadata := make(map[string]any)
		if m.Vector.Metadata != nil {
			metadata = m.Vector.Metadata.AsMap()
		}
		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
			delete(metadata, "content")
		}
		results = append(results, Result{
			ID:       m.Vector.Id,
			Score:    m.Score,
			Content:  content,
			Metadata: metadata,
		})
	}
	return results, nil
}

func (p *PineconeProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	conn, err := p.conn(collection)
	if err != nil {
		return err
	}

	metadataFilter, err := structpb.NewStruct(filter)
	if err != nil {
		return fmt.Errorf("failed to convert filter: %w", err)
	}
	if err := conn.DeleteVectorsByFilter(ctx, metadataFilter); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	return nil
}

func (p *PineconeProvider) DeleteCollection(ctx context.Context, collection string) error {
	conn, err := p.conn(collection)
	if err != nil {
		return err
	}
	if err := conn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return fmt.Errorf("failed to clear namespace %s: %w", collection, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[collection]; ok {
		_ = c.Close()
		delete(p.conns, collection)
	}
	return nil
}

func (p *PineconeProvider) Name() string {
	return "pinecone"
}

func (p *PineconeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ns, c := range p.conns {
		_ = c.Close()
		delete(p.conns, ns)
	}
	return nil
}

var _ Provider = (*PineconeProvider)(nil)
