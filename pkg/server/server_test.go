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
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/knowledge"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/mcp"
	"github.com/parleyhq/parley/pkg/metrics"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/vector"
)

// cannedProvider emits a fixed reply and finishes.
type cannedProvider struct {
	reply string
}

func (c *cannedProvider) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, params llm.Params) (<-chan llm.Delta, error) {
	ch := make(chan llm.Delta, 2)
	ch <- llm.Delta{Type: llm.DeltaContent, Text: c.reply}
	ch <- llm.Delta{Type: llm.DeltaFinish, Usage: &llm.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}}
	close(ch)
	return ch, nil
}

func (c *cannedProvider) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (c *cannedProvider) ModelName() string { return "canned" }
func (c *cannedProvider) ContextLength() int { return 8192 }
func (c *cannedProvider) MaxTokens() int { return 512 }
func (c *cannedProvider) Close() error { return nil }

type unitEmbedder struct{}

func (unitEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		v := make([]float32, 4)
		var norm float64
		for j := range v {
			v[j] = float32(binary.BigEndian.Uint16(sum[j*2:])) + 1
			norm += float64(v[j]) * float64(v[j])
		}
		norm = math.Sqrt(norm)
		for j := range v {
			v[j] = float32(float64(v[j]) / norm)
		}
		out[i] = v
	}
	return out, nil
}

func (unitEmbedder) Dimension() int { return 4 }
func (unitEmbedder) Model() string { return "unit-test" }
func (unitEmbedder) Close() error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		LLMs: map[string]*config.LLMConfig{
			"default": {Provider: config.LLMProviderOpenAI, Model: "canned", MaxTokens: 512, ContextLength: 8192, Default: true},
		},
	}
	cfg.Runtime.SetDefaults()

	st, err := store.Open(&config.StoreConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vectors, err := vector.New(&config.VectorConfig{Type: config.VectorTypeChromem})
	require.NoError(t, err)

	ks, err := knowledge.NewService(st, vectors, unitEmbedder{}, &cfg.Runtime)
	require.NoError(t, err)

	m := metrics.New()
	pool := mcp.NewPool(&cfg.Runtime, m)
	t.Cleanup(pool.Close)
	ms := mcp.NewService(st, pool)

	rt := agent.NewRuntime(cfg, st, ks, ms, m, agent.WithProviderFactory(
		func(*config.LLMConfig) (llm.Provider, error) {
			return &cannedProvider{reply: "Paris."}, nil
		}))

	srv := New(cfg, rt, ks, ms, st, m)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, ts, http.MethodGet, "/api/knowledge/bases", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKnowledgeBaseLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPost, "/api/knowledge/bases", "u1", map[string]string{"name": "facts"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	kb := decode[store.KnowledgeBase](t, resp)
	require.NotEmpty(t, kb.ID)

	// duplicate name collides
	resp = doJSON(t, ts, http.MethodPost, "/api/knowledge/bases", "u1", map[string]string{"name": "facts"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// upload a markdown document
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "france.md")
	require.NoError(t, err)
	_, err = fw.Write([]byte("# France\n\nParis is the capital of France.\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/knowledge/bases/"+kb.ID+"/documents", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "u1")
	upResp, err := ts.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, upResp.StatusCode)
	doc := decode[store.Document](t, upResp)
	assert.Equal(t, "france.md", doc.Name)

	// query retrieves the chunk
	resp = doJSON(t, ts, http.MethodPost, "/api/knowledge/query", "u1", map[string]any{
		"knowledge_base_ids": []string{kb.ID},
		"text":               "Paris is the capital of France.",
		"min_score":          0.001,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[[]knowledge.Result](t, resp)
	require.NotEmpty(t, results)
	assert.Contains(t, results[0].Text, "Paris")

	// foreign user cannot query it
	resp = doJSON(t, ts, http.MethodPost, "/api/knowledge/query", "intruder", map[string]any{
		"knowledge_base_ids": []string{kb.ID},
		"text":               "anything",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// delete cascades
	resp = doJSON(t, ts, http.MethodDelete, "/api/knowledge/bases/"+kb.ID, "u1", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestMCPServerCRUDAndStatus(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPost, "/api/mcp/servers", "u1", map[string]any{
		"name":      "files",
		"transport": "stdio",
		"command":   "mcp-files",
		"active":    true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	srv := decode[store.MCPServer](t, resp)
	require.NotEmpty(t, srv.ID)

	resp = doJSON(t, ts, http.MethodGet, "/api/mcp/servers", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]struct {
		store.MCPServer
		Status string `json:"status"`
	}](t, resp)
	require.Len(t, listed, 1)
	assert.Equal(t, "absent", listed[0].Status)

	// another user sees nothing
	resp = doJSON(t, ts, http.MethodGet, "/api/mcp/servers", "u2", nil)
	others := decode[[]json.RawMessage](t, resp)
	assert.Empty(t, others)

	resp = doJSON(t, ts, http.MethodDelete, "/api/mcp/servers/"+srv.ID, "u1", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodGet, "/api/mcp/servers/"+srv.ID, "u1", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatStreamSSE(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "capital of France?"}},
		"stream":   true,
	}
	resp := doJSON(t, ts, http.MethodPost, "/api/chat/stream", "u1", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []agent.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev agent.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, agent.EventContent, events[0].Type)
	assert.Contains(t, events[0].Delta, "Paris")
	assert.Equal(t, agent.EventDone, events[len(events)-1].Type)
}

func TestChatStreamRejectsEmptyMessages(t *testing.T) {
	ts := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/api/chat/stream", "u1", map[string]any{"messages": []any{}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSetUserLLM(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodPut, "/api/llm", "u1", map[string]string{"name": "default"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodPut, "/api/llm", "u1", map[string]string{"name": "missing"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodGet, "/api/llms", "u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	models := decode[[]map[string]any](t, resp)
	require.Len(t, models, 1)
	assert.Equal(t, "default", models[0]["name"])
}
