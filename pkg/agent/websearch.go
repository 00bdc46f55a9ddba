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

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/httpclient"
	"github.com/parleyhq/parley/pkg/llm"
	"github.com/parleyhq/parley/pkg/mcp"
)

const (
	webSearchToolName = "web_search"
	webSearchEndpoint = "https://api.duckduckgo.com/"
	maxSearchResults  = 5
	maxResponseSize   = 1 << 20
)

// webSearchTool is the built-in search tool offered when a request
// sets use_web_search. It queries the DuckDuckGo instant-answer API,
// which needs no credentials.
type webSearchTool struct {
	client *httpclient.Client
}

func newWebSearchTool() *webSearchTool {
	return &webSearchTool{
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 15 * time.Second}),
			httpclient.WithMaxRetries(1),
		),
	}
}

func (w *webSearchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        webSearchToolName,
		Description: "Search the web and return short summaries with source URLs.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
			},
			"required": []any{"query"},
		},
	}
}

type instantAnswer struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Answer        string `json:"Answer"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

func (w *webSearchTool) Call(ctx context.Context, args map[string]any) (*mcp.ToolResult, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return &mcp.ToolResult{OK: false, Text: "web_search requires a non-empty query"}, nil
	}

	endpoint := webSearchEndpoint + "?" + url.Values{
		"q":           {query},
		"format":      {"json"},
		"no_redirect": {"1"},
		"no_html":     {"1"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &mcp.ToolResult{OK: false, Text: fmt.Sprintf("web search failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &mcp.ToolResult{OK: false, Text: fmt.Sprintf("web search failed: %v", err)}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return &mcp.ToolResult{OK: false, Text: fmt.Sprintf("web search failed: HTTP %d", resp.StatusCode)}, nil
	}

	var answer instantAnswer
	if err := json.Unmarshal(body, &answer); err != nil {
		return &mcp.ToolResult{OK: false, Text: fmt.Sprintf("web search failed: %v", err)}, nil
	}
	return &mcp.ToolResult{OK: true, Text: formatAnswer(&answer)}, nil
}

func formatAnswer(a *instantAnswer) string {
	var b strings.Builder
	if a.Answer != "" {
		fmt.Fprintf(&b, "%s\n", a.Answer)
	}
	if a.AbstractText != "" {
		fmt.Fprintf(&b, "%s (%s)\n", a.AbstractText, a.AbstractURL)
	}
	count := 0
	for _, topic := range a.RelatedTopics {
		if topic.Text == "" || count >= maxSearchResults {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s)\n", topic.Text, topic.FirstURL)
		count++
	}
	if b.Len() == 0 {
		return "no results"
	}
	return strings.TrimRight(b.String(), "\n")
}
