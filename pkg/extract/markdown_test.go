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

package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/chunk"
)

func TestMarkdownExtract(t *testing.T) {
	src := `# Title

Intro paragraph spanning
two lines.

## Setup

- first item
- second item

` + "```go\nfunc main() {}\n```" + `

| Name | Age |
| ---- | --- |
| Ada  | 36  |
`
	reg := NewRegistry()
	blocks, err := reg.Extract(context.Background(), []byte(src), "doc.md", "")
	require.NoError(t, err)

	types := make([]chunk.BlockType, len(blocks))
	for i, b := range blocks {
		types[i] = b.Type
	}
	assert.Equal(t, []chunk.BlockType{
		chunk.BlockHeading,
		chunk.BlockParagraph,
		chunk.BlockHeading,
		chunk.BlockListItem,
		chunk.BlockListItem,
		chunk.BlockCode,
		chunk.BlockTableRow,
		chunk.BlockTableRow,
	}, types)

	assert.Equal(t, "Title", blocks[0].Text)
	assert.Equal(t, 1, blocks[0].Level)
	assert.Equal(t, "Intro paragraph spanning two lines.", blocks[1].Text)
	assert.Equal(t, 2, blocks[2].Level)
	assert.Equal(t, "func main() {}", blocks[5].Text)
	assert.Equal(t, "| Name | Age |", blocks[6].Text)
}

func TestMarkdownUnterminatedFence(t *testing.T) {
	src := "```\ncode line\n"
	reg := NewRegistry()
	blocks, err := reg.Extract(context.Background(), []byte(src), "doc.md", "")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, chunk.BlockCode, blocks[0].Type)
	assert.Equal(t, "code line", blocks[0].Text)
}

func TestMarkdownOrderedList(t *testing.T) {
	src := "1. one\n2. two\n"
	reg := NewRegistry()
	blocks, err := reg.Extract(context.Background(), []byte(src), "doc.md", "")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, chunk.BlockListItem, blocks[0].Type)
	assert.Equal(t, "one", blocks[0].Text)
}

func TestTextExtract(t *testing.T) {
	src := "first para\nstill first\n\nsecond para\n"
	reg := NewRegistry()
	blocks, err := reg.Extract(context.Background(), []byte(src), "notes.txt", "")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "first para still first", blocks[0].Text)
	assert.Equal(t, "second para", blocks[1].Text)
}

func TestExtractByMIMEFallback(t *testing.T) {
	reg := NewRegistry()
	blocks, err := reg.Extract(context.Background(), []byte("hello"), "upload", "text/plain")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "hello", blocks[0].Text)
}

func TestExtractUnsupported(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Extract(context.Background(), []byte{0x00}, "img.png", "image/png")
	assert.Error(t, err)
	assert.False(t, reg.Supported("img.png", "image/png"))
	assert.True(t, reg.Supported("doc.pdf", ""))
	assert.True(t, reg.Supported("sheet.xlsx", ""))
}
