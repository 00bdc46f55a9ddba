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

package chunk

// BlockType identifies the structural role of a block of extracted text.
type BlockType string

const (
	BlockHeading   BlockType = "heading"
	BlockParagraph BlockType = "paragraph"
	BlockCode      BlockType = "code"
	BlockListItem  BlockType = "list_item"
	BlockTableRow  BlockType = "table_row"
)

// Block is a structural unit of a document as produced by the extractors.
// Level is only meaningful for headings (1-6).
type Block struct {
	Type  BlockType
	Level int
	Text  string
}

// Chunk is a contiguous span of document text sized for embedding.
// Ordinal is the 0-based position within the document. Path records the
// heading trail and paragraph position where the chunk begins, e.g.
// "Install>Linux#para-2".
type Chunk struct {
	Text    string
	Ordinal int
	Path    string
	Tokens  int
}
