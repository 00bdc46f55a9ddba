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
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/parleyhq/parley/pkg/chunk"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// maxRowsPerSheet bounds extraction so a huge spreadsheet cannot
// balloon a single ingestion.
const maxRowsPerSheet = 5000

// xlsxExtractor reads spreadsheets. Each sheet becomes a heading block
// and each non-empty row a table-row block with cells joined by " | ".
type xlsxExtractor struct{}

func (e *xlsxExtractor) CanExtract(name, mimeType string) bool {
	return ext(name) == ".xlsx" || mimeType == xlsxMIME
}

func (e *xlsxExtractor) Extract(ctx context.Context, data []byte) ([]chunk.Block, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse XLSX: %w", err)
	}
	defer f.Close()

	var blocks []chunk.Block
	for _, sheetName := range f.GetSheetList() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}

		sheetBlocks := make([]chunk.Block, 0, len(rows))
		for i, row := range rows {
			if i >= maxRowsPerSheet {
				break
			}
			cells := make([]string, 0, len(row))
			for _, cell := range row {
				if cell = strings.TrimSpace(cell); cell != "" {
					cells = append(cells, cell)
				}
			}
			if len(cells) == 0 {
				continue
			}
			sheetBlocks = append(sheetBlocks, chunk.Block{
				Type: chunk.BlockTableRow,
				Text: strings.Join(cells, " | "),
			})
		}
		if len(sheetBlocks) == 0 {
			continue
		}
		blocks = append(blocks, chunk.Block{
			Type:  chunk.BlockHeading,
			Level: 1,
			Text:  fmt.Sprintf("Sheet: %s", sheetName),
		})
		blocks = append(blocks, sheetBlocks...)
	}

	return blocks, nil
}
