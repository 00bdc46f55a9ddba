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
	"bufio"
	"bytes"
	"context"
	"regexp"
	"strings"

	"github.com/parleyhq/parley/pkg/chunk"
)

// markdownExtractor parses markdown line by line into headings, fenced
// code blocks, list items, table rows and paragraphs. It does not
// render inline markup; chunk text keeps the source form.
type markdownExtractor struct{}

func (e *markdownExtractor) CanExtract(name, mimeType string) bool {
	switch ext(name) {
	case ".md", ".markdown":
		return true
	}
	return mimeType == "text/markdown"
}

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	listItemRe = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.*)$`)
	fenceRe    = regexp.MustCompile("^\\s*(```|~~~)")
)

func (e *markdownExtractor) Extract(_ context.Context, data []byte) ([]chunk.Block, error) {
	var (
		blocks    []chunk.Block
		para      []string
		codeLines []string
		inCode    bool
		fence     string
	)

	flushPara := func() {
		if len(para) == 0 {
			return
		}
		blocks = append(blocks, chunk.Block{
			Type: chunk.BlockParagraph,
			Text: strings.Join(para, " "),
		})
		para = nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if inCode {
			if m := fenceRe.FindStringSubmatch(line); m != nil && m[1] == fence {
				blocks = append(blocks, chunk.Block{
					Type: chunk.BlockCode,
					Text: strings.Join(codeLines, "\n"),
				})
				codeLines = nil
				inCode = false
				continue
			}
			codeLines = append(codeLines, line)
			continue
		}

		if m := fenceRe.FindStringSubmatch(line); m != nil {
			flushPara()
			inCode = true
			fence = m[1]
			continue
		}

		if m := headingRe.FindStringSubmatch(line); m != nil {
			flushPara()
			blocks = append(blocks, chunk.Block{
				Type:  chunk.BlockHeading,
				Level: len(m[1]),
				Text:  strings.TrimSpace(m[2]),
			})
			continue
		}

		if m := listItemRe.FindStringSubmatch(line); m != nil {
			flushPara()
			blocks = append(blocks, chunk.Block{
				Type: chunk.BlockListItem,
				Text: strings.TrimSpace(m[1]),
			})
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flushPara()
			continue
		}

		if strings.HasPrefix(trimmed, "|") && strings.HasSuffix(trimmed, "|") {
			flushPara()
			if isTableSeparator(trimmed) {
				continue
			}
			blocks = append(blocks, chunk.Block{
				Type: chunk.BlockTableRow,
				Text: trimmed,
			})
			continue
		}

		para = append(para, trimmed)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// Unterminated fence at EOF still yields the code collected so far.
	if inCode && len(codeLines) > 0 {
		blocks = append(blocks, chunk.Block{
			Type: chunk.BlockCode,
			Text: strings.Join(codeLines, "\n"),
		})
	}
	flushPara()

	return blocks, nil
}

func isTableSeparator(line string) bool {
	inner := strings.Trim(line, "|")
	for _, cell := range strings.Split(inner, "|") {
		cell = strings.TrimSpace(cell)
		if cell == "" {
			return false
		}
		for _, r := range cell {
			if r != '-' && r != ':' {
				return false
			}
		}
	}
	return true
}
