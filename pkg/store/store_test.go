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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(&config.StoreConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(&config.StoreConfig{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestMCPServerCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := &MCPServer{
		UserID:    "u1",
		Name:      "files",
		Transport: TransportStdio,
		Command:   "mcp-files",
		Args:      []string{"--root", "/data"},
		Env:       map[string]string{"TOKEN": "x"},
		Active:    true,
	}
	require.NoError(t, s.CreateMCPServer(ctx, srv))
	require.NotEmpty(t, srv.ID)

	got, err := s.GetMCPServer(ctx, "u1", srv.ID)
	require.NoError(t, err)
	assert.Equal(t, "files", got.Name)
	assert.Equal(t, []string{"--root", "/data"}, got.Args)
	assert.Equal(t, "x", got.Env["TOKEN"])

	// Ownership scoping.
	_, err = s.GetMCPServer(ctx, "u2", srv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	srv.Name = "files2"
	srv.Active = false
	require.NoError(t, s.UpdateMCPServer(ctx, srv))
	got, err = s.GetMCPServer(ctx, "u1", srv.ID)
	require.NoError(t, err)
	assert.Equal(t, "files2", got.Name)
	assert.False(t, got.Active)

	list, err := s.ListMCPServers(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteMCPServer(ctx, "u1", srv.ID))
	assert.ErrorIs(t, s.DeleteMCPServer(ctx, "u1", srv.ID), ErrNotFound)
}

func TestMCPServerValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateMCPServer(ctx, &MCPServer{UserID: "u1", Name: "bad", Transport: TransportStdio})
	assert.Error(t, err, "stdio without command")

	err = s.CreateMCPServer(ctx, &MCPServer{UserID: "u1", Name: "bad", Transport: TransportHTTP})
	assert.Error(t, err, "http without url")

	err = s.CreateMCPServer(ctx, &MCPServer{UserID: "u1", Name: "bad", Transport: "grpc", Command: "x"})
	assert.Error(t, err, "unknown transport")
}

func TestListMCPServersOrderedByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.CreateMCPServer(ctx, &MCPServer{
			ID: id, UserID: "u1", Name: "srv-" + id, Transport: TransportHTTP, URL: "http://x",
		}))
	}
	list, err := s.ListMCPServers(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
	assert.Equal(t, "c", list[2].ID)
}

func TestKnowledgeBaseAndDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	kb := &KnowledgeBase{UserID: "u1", Name: "docs", EmbeddingModel: "text-embedding-3-small"}
	require.NoError(t, s.CreateKnowledgeBase(ctx, kb))

	byName, err := s.GetKnowledgeBaseByName(ctx, "u1", "docs")
	require.NoError(t, err)
	assert.Equal(t, kb.ID, byName.ID)

	_, err = s.GetKnowledgeBase(ctx, "u2", kb.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	doc := &Document{KBID: kb.ID, Name: "readme.md", ContentHash: "abc", ChunkCount: 3}
	require.NoError(t, s.UpsertDocument(ctx, doc))

	// Upsert with same ID replaces.
	doc.ContentHash = "def"
	doc.ChunkCount = 5
	require.NoError(t, s.UpsertDocument(ctx, doc))

	got, err := s.GetDocumentByName(ctx, kb.ID, "readme.md")
	require.NoError(t, err)
	assert.Equal(t, "def", got.ContentHash)
	assert.Equal(t, 5, got.ChunkCount)

	docs, err := s.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	// Deleting the KB removes its documents too.
	require.NoError(t, s.DeleteKnowledgeBase(ctx, "u1", kb.ID))
	docs, err = s.ListDocuments(ctx, kb.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestUserLLMSelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetUserLLM(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetUserLLM(ctx, "u1", "gpt-main"))
	name, err := s.GetUserLLM(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-main", name)

	require.NoError(t, s.SetUserLLM(ctx, "u1", "claude-main"))
	name, err = s.GetUserLLM(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "claude-main", name)
}
