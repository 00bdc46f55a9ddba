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
	"strings"

	"github.com/parleyhq/parley/pkg/chunk"
)

// textExtractor treats input as plain UTF-8 text, splitting paragraphs
// on blank lines. It is the fallback for text/* MIME types.
type textExtractor struct{}

func (e *textExtractor) CanExtract(name, mimeType string) bool {
	switch ext(name) {
	case ".txt", ".log", ".csv":
		return true
	}
	return strings.HasPrefix(mimeType, "text/")
}

func (e *textExtractor) Extract(_ context.Context, data []byte) ([]chunk.Block, error) {
	return paragraphBlocks(string(data)), nil
}

// paragraphBlocks splits text on blank lines into paragraph blocks,
// collapsing intra-paragraph newlines to spaces.
func paragraphBlocks(text string) []chunk.Block {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var blocks []chunk.Block
	for _, p := range strings.Split(text, "\n\n") {
		lines := make([]string, 0, 4)
		for _, l := range strings.Split(p, "\n") {
			if l = strings.TrimSpace(l); l != "" {
				lines = append(lines, l)
			}
		}
		if len(lines) == 0 {
			continue
		}
		blocks = append(blocks, chunk.Block{
			Type: chunk.BlockParagraph,
			Text: strings.Join(lines, " "),
		})
	}
	return blocks
}
