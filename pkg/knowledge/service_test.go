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

package knowledge

import (
	"context"
	"crypto/sha256"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/vector"
)

// hashEmbedder derives a deterministic unit vector from the text, so
// identical text embeds identically and distinct text (almost surely)
// does not.
type hashEmbedder struct {
	constant bool
}

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.constant {
			out[i] = []float32{1, 0, 0, 0}
			continue
		}
		sum := sha256.Sum256([]byte(t))
		v := make([]float32, 4)
		var norm float64
		for j := range v {
			v[j] = float32(sum[j]) + 1
			norm += float64(v[j]) * float64(v[j])
		}
		inv := 1 / math.Sqrt(norm)
		for j := range v {
			v[j] = float32(float64(v[j]) * inv)
		}
		out[i] = v
	}
	return out, nil
}

func (e *hashEmbedder) Dimension() int { return 4 }
func (e *hashEmbedder) Model() string { return "hash-test" }
func (e *hashEmbedder) Close() error { return nil }

func newTestService(t *testing.T, constant bool) *Service {
	t.Helper()
	st, err := store.Open(&config.StoreConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vec, err := vector.NewChromemProvider(vector.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vec.Close() })

	overlap := 20
	svc, err := NewService(st, vec, &hashEmbedder{constant: constant}, &config.RuntimeConfig{
		ChunkSize:         200,
		ChunkOverlap:      &overlap,
		TopK:              5,
		MinRetrievalScore: 0.3,
	})
	require.NoError(t, err)
	return svc
}

func TestCreateKBDuplicateName(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	kb, err := svc.CreateKB(ctx, "u1", "docs")
	require.NoError(t, err)
	assert.Equal(t, "hash-test", kb.EmbeddingModel)

	_, err = svc.CreateKB(ctx, "u1", "docs")
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Same name under a different owner is fine.
	_, err = svc.CreateKB(ctx, "u2", "docs")
	assert.NoError(t, err)
}

func TestIngestAndQueryTopOne(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	kb, err := svc.CreateKB(ctx, "u1", "docs")
	require.NoError(t, err)

	doc, err := svc.IngestDocument(ctx, "u1", kb.ID, "france.txt",
		[]byte("Paris is the capital of France."), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.ChunkCount)

	results, err := svc.Query(ctx, "u1", []string{kb.ID}, "Paris is the capital of France.", 5, 0.3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "france.txt", results[0].DocName)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-4)
}

func TestIngestIdempotentByHash(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	kb, err := svc.CreateKB(ctx, "u1", "docs")
	require.NoError(t, err)

	data := []byte("Repeatable content.")
	first, err := svc.IngestDocument(ctx, "u1", kb.ID, "a.txt", data, "text/plain")
	require.NoError(t, err)

	second, err := svc.IngestDocument(ctx, "u1", kb.ID, "a.txt", data, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	docs, err := svc.ListDocuments(ctx, "u1", kb.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestIngestReplacesChangedContent(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	kb, err := svc.CreateKB(ctx, "u1", "docs")
	require.NoError(t, err)

	_, err = svc.IngestDocument(ctx, "u1", kb.ID, "a.txt", []byte("old content"), "text/plain")
	require.NoError(t, err)
	doc, err := svc.IngestDocument(ctx, "u1", kb.ID, "a.txt", []byte("new content"), "text/plain")
	require.NoError(t, err)

	docs, err := svc.ListDocuments(ctx, "u1", kb.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ContentHash, docs[0].ContentHash)

	// The old chunk is gone from the vector store.
	results, err := svc.Query(ctx, "u1", []string{kb.ID}, "old content", 5, 0.3)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "old content", r.Text)
	}
}

func TestQueryForbiddenKB(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	kb, err := svc.CreateKB(ctx, "u1", "docs")
	require.NoError(t, err)

	_, err = svc.Query(ctx, "u2", []string{kb.ID}, "anything", 5, 0.3)
	assert.True(t, IsForbidden(err))

	_, err = svc.Query(ctx, "u1", []string{"no-such-kb"}, "anything", 5, 0.3)
	assert.True(t, IsForbidden(err))

	_, err = svc.IngestDocument(ctx, "u2", kb.ID, "x.txt", []byte("x"), "text/plain")
	assert.True(t, IsForbidden(err))
}

func TestQueryTieBreak(t *testing.T) {
	// With a constant embedder every chunk scores identically, so
	// ordering falls through to doc name then ordinal.
	svc := newTestService(t, true)
	ctx := context.Background()

	kb, err := svc.CreateKB(ctx, "u1", "docs")
	require.NoError(t, err)

	_, err = svc.IngestDocument(ctx, "u1", kb.ID, "beta.txt", []byte("some content here"), "text/plain")
	require.NoError(t, err)
	_, err = svc.IngestDocument(ctx, "u1", kb.ID, "alpha.txt", []byte("other content there"), "text/plain")
	require.NoError(t, err)

	results, err := svc.Query(ctx, "u1", []string{kb.ID}, "query", 5, 0.3)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "alpha.txt", results[0].DocName)
	assert.Equal(t, "beta.txt", results[1].DocName)

	for i := 1; i < len(results); i++ {
		prev, cur := results[i-1], results[i]
		ordered := prev.Score > cur.Score ||
			(prev.Score == cur.Score && prev.DocName < cur.DocName) ||
			(prev.Score == cur.Score && prev.DocName == cur.DocName && prev.Ordinal < cur.Ordinal)
		assert.True(t, ordered, "results out of order at %d", i)
	}
}

func TestQueryRespectsKAndMinScore(t *testing.T) {
	svc := newTestService(t, true)
	ctx := context.Background()

	kb, err := svc.CreateKB(ctx, "u1", "docs")
	require.NoError(t, err)

	_, err = svc.IngestDocument(ctx, "u1", kb.ID, "a.txt", []byte("aaa"), "text/plain")
	require.NoError(t, err)
	_, err = svc.IngestDocument(ctx, "u1", kb.ID, "b.txt", []byte("bbb"), "text/plain")
	require.NoError(t, err)

	results, err := svc.Query(ctx, "u1", []string{kb.ID}, "q", 1, 0.3)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	// min_score above the constant similarity filters everything.
	results, err = svc.Query(ctx, "u1", []string{kb.ID}, "q", 5, 1.01)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteDocumentCascades(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	kb, err := svc.CreateKB(ctx, "u1", "docs")
	require.NoError(t, err)

	doc, err := svc.IngestDocument(ctx, "u1", kb.ID, "a.txt", []byte("to be removed"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteDocument(ctx, "u1", kb.ID, doc.ID))

	results, err := svc.Query(ctx, "u1", []string{kb.ID}, "to be removed", 5, 0.3)
	require.NoError(t, err)
	assert.Empty(t, results)

	docs, err := svc.ListDocuments(ctx, "u1", kb.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDeleteKB(t *testing.T) {
	svc := newTestService(t, false)
	ctx := context.Background()

	kb, err := svc.CreateKB(ctx, "u1", "docs")
	require.NoError(t, err)
	_, err = svc.IngestDocument(ctx, "u1", kb.ID, "a.txt", []byte("content"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteKB(ctx, "u1", kb.ID))

	_, err = svc.ListDocuments(ctx, "u1", kb.ID)
	assert.True(t, IsForbidden(err))
}
