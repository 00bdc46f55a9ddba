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
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nguyenthenguyen/docx"

	"github.com/parleyhq/parley/pkg/chunk"
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// docxExtractor reads Word documents. The docx library exposes the raw
// document XML; paragraph runs are flattened to text, everything else
// is stripped.
type docxExtractor struct{}

func (e *docxExtractor) CanExtract(name, mimeType string) bool {
	return ext(name) == ".docx" || mimeType == docxMIME
}

var xmlTagRe = regexp.MustCompile(`<[^>]+>`)

func (e *docxExtractor) Extract(_ context.Context, data []byte) ([]chunk.Block, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DOCX: %w", err)
	}
	defer doc.Close()

	content := doc.Editable().GetContent()

	// Paragraph boundaries come from </w:p> tags; the remaining markup
	// is discarded.
	content = strings.ReplaceAll(content, "</w:p>", "\n\n")
	content = xmlTagRe.ReplaceAllString(content, "")
	content = strings.ReplaceAll(content, "&amp;", "&")
	content = strings.ReplaceAll(content, "&lt;", "<")
	content = strings.ReplaceAll(content, "&gt;", ">")

	return paragraphBlocks(content), nil
}
