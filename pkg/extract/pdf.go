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

	"github.com/ledongthuc/pdf"

	"github.com/parleyhq/parley/pkg/chunk"
)

// pdfExtractor pulls plain text from PDFs page by page. Each page
// starts with a heading block so chunk paths carry page numbers.
type pdfExtractor struct{}

func (e *pdfExtractor) CanExtract(name, mimeType string) bool {
	return ext(name) == ".pdf" || mimeType == "application/pdf"
}

func (e *pdfExtractor) Extract(ctx context.Context, data []byte) ([]chunk.Block, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PDF: %w", err)
	}

	var blocks []chunk.Block
	totalPages := reader.NumPage()
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages the extractor cannot decode.
			continue
		}
		paras := paragraphBlocks(text)
		if len(paras) == 0 {
			continue
		}
		blocks = append(blocks, chunk.Block{
			Type:  chunk.BlockHeading,
			Level: 1,
			Text:  fmt.Sprintf("Page %d", pageNum),
		})
		blocks = append(blocks, paras...)
	}

	return blocks, nil
}
