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
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/parleyhq/parley/pkg/config"
)

// QdrantProvider talks to a Qdrant server over gRPC.
type QdrantProvider struct {
	client *qdrant.Client
}

// NewQdrantProvider connects to the configured Qdrant instance.
func NewQdrantProvider(cfg *config.VectorConfig) (*QdrantProvider, error) {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}
	return &QdrantProvider{client: client}, nil
}

func (p *QdrantProvider) EnsureCollection(ctx context.Context, collection string, dimension int) error {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check if collection exists: %w", err)
	}
	if exists {
		return nil
	}

	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, rec := range records {
		payload := make(map[string]*qdrant.Value, len(rec.Metadata)+1)
		for key, value := range rec.Metadata {
			val, err := qdrant.NewValue(value)
			if err != nil {
				return fmt.Errorf("failed to convert metadata value for key %s: %w", key, err)
			}
			payload[key] = val
		}
		contentVal, err := qdrant.NewValue(rec.Content)
		if err != nil {
			return fmt.Errorf("failed to convert content: %w", err)
		}
		payload["content"] = contentVal

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(rec.ID),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: payload,
		})
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	searchRequest := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	pointsClient := p.client.GetPointsClient()
	searchResult, err := pointsClient.Search(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	results := make([]Result, 0, len(searchResult.Result))
	for _, point := range searchResult.Result {
		var id string
		if point.Id != nil {
			switch idType := point.Id.PointIdOptions.(type) {
			case *qdrant.PointId_Uuid:
				id = idType.Uuid
			case *qdrant.PointId_Num:
				id = fmt.Sprintf("%d", idType.Num)
			}
		}

		metadata := make(map[string]any, len(point.Payload))
		for key, value := range point.Payload {
			metadata[key] = qdrantValueToAny(value)
		}

		content := ""
		if c, ok := metadata["content"].(string); ok {
			content = c
			delete(metadata, "content")
		}

		results = append(results, Result{
			ID:       id,
			Score:    point.Score,
			Content:  content,
			Metadata: metadata,
		})
	}
	return results, nil
}

func qdrantValueToAny(value *qdrant.Value) any {
	switch v := value.Kind.(type) {
	case *qdrant.Value_StringValue:
		return v.StringValue
	case *qdrant.Value_IntegerValue:
		return v.IntegerValue
	case *qdrant.Value_DoubleValue:
		return v.DoubleValue
	case *qdrant.Value_BoolValue:
		return v.BoolValue
	case *qdrant.Value_ListValue:
		if v.ListValue == nil {
			return nil
		}
		list := make([]any, len(v.ListValue.Values))
		for i, item := range v.ListValue.Values {
			list[i] = qdrantValueToAny(item)
		}
		return list
	default:
		return value
	}
}

func buildFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{
							Keyword: val.GetStringValue(),
						},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func (p *QdrantProvider) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: buildFilter(filter),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points by filter from collection %s: %w", collection, err)
	}
	return nil
}

func (p *QdrantProvider) DeleteCollection(ctx context.Context, collection string) error {
	if err := p.client.DeleteCollection(ctx, collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

func (p *QdrantProvider) Name() string {
	return "qdrant"
}

func (p *QdrantProvider) Close() error {
	return p.client.Close()
}

var _ Provider = (*QdrantProvider)(nil)
