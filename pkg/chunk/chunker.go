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

// Package chunk splits extracted document blocks into embedding-sized
// chunks. Splitting respects document structure: code blocks are kept
// whole where possible, headings start fresh chunks, and overlap between
// adjacent chunks is taken from prose only.
package chunk

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultChunkSize = 800
	DefaultOverlap   = 100
)

// Config controls chunk sizing. Size and Overlap are in tokens. A nil
// Overlap takes the default; an explicit zero disables overlap.
type Config struct {
	Size    int
	Overlap *int
}

// Chunker converts a block sequence into chunks. Output depends only on
// the input blocks, so re-chunking an unchanged document yields
// identical chunks.
type Chunker struct {
	size    int
	overlap int
	counter *TokenCounter
}

// New validates cfg and returns a Chunker. Unset values fall back to
// the defaults.
func New(cfg Config) (*Chunker, error) {
	if cfg.Size == 0 {
		cfg.Size = DefaultChunkSize
	}
	overlap := DefaultOverlap
	if cfg.Overlap != nil {
		overlap = *cfg.Overlap
	}
	if cfg.Size < 1 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.Size)
	}
	if overlap < 0 || overlap >= cfg.Size {
		return nil, fmt.Errorf("overlap must be in [0, size), got %d", overlap)
	}
	return &Chunker{size: cfg.Size, overlap: overlap, counter: NewTokenCounter()}, nil
}

// unit is a block, or a fragment of an oversized block, that fits
// within the chunk size and is never split further.
type unit struct {
	text   string
	tokens int
	typ    BlockType
	path   string
}

// Chunk splits blocks into ordered chunks.
func (c *Chunker) Chunk(blocks []Block) ([]Chunk, error) {
	var (
		chunks  []Chunk
		cur     []unit
		curTok  int
		trail   []string
		paraIdx int
	)

	flush := func(carryOverlap bool) {
		if len(cur) == 0 {
			return
		}
		texts := make([]string, len(cur))
		for i, u := range cur {
			texts[i] = u.text
		}
		chunks = append(chunks, Chunk{
			Text:    strings.Join(texts, "\n\n"),
			Ordinal: len(chunks),
			Path:    cur[0].path,
			Tokens:  curTok,
		})

		var next []unit
		nextTok := 0
		if carryOverlap && c.overlap > 0 {
			// Walk backwards collecting prose units for the overlap.
			// Code units end the walk: overlap never reaches into a
			// code block.
			for i := len(cur) - 1; i >= 0; i-- {
				u := cur[i]
				if u.typ == BlockCode || u.typ == BlockHeading {
					break
				}
				if nextTok+u.tokens > c.overlap {
					break
				}
				next = append([]unit{u}, next...)
				nextTok += u.tokens
			}
		}
		cur = next
		curTok = nextTok
	}

	for _, b := range blocks {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			continue
		}

		if b.Type == BlockHeading {
			// A heading closes the current chunk and opens a new
			// section. No overlap crosses the boundary.
			flush(false)
			level := b.Level
			if level < 1 {
				level = 1
			}
			if level-1 < len(trail) {
				trail = trail[:level-1]
			}
			trail = append(trail, text)
			paraIdx = 0

			tok, err := c.counter.Count(text)
			if err != nil {
				return nil, err
			}
			cur = append(cur, unit{text: text, tokens: tok, typ: BlockHeading, path: strings.Join(trail, ">")})
			curTok += tok
			continue
		}

		paraIdx++
		path := c.pathFor(trail, paraIdx)

		units, err := c.split(b, text, path)
		if err != nil {
			return nil, err
		}
		for _, u := range units {
			if len(cur) > 0 && curTok+u.tokens > c.size {
				flush(true)
			}
			cur = append(cur, u)
			curTok += u.tokens
		}
	}
	flush(false)

	return chunks, nil
}

func (c *Chunker) pathFor(trail []string, paraIdx int) string {
	suffix := fmt.Sprintf("#para-%d", paraIdx)
	if len(trail) == 0 {
		return suffix
	}
	return strings.Join(trail, ">") + suffix
}

// split breaks an oversized block into units that each fit within the
// chunk size. Blocks that already fit come back as a single unit.
func (c *Chunker) split(b Block, text, path string) ([]unit, error) {
	tok, err := c.counter.Count(text)
	if err != nil {
		return nil, err
	}
	if tok <= c.size {
		return []unit{{text: text, tokens: tok, typ: b.Type, path: path}}, nil
	}

	var parts []part
	if b.Type == BlockCode {
		parts, err = c.splitCode(text)
		if err != nil {
			return nil, err
		}
	} else {
		for _, s := range splitSentences(text) {
			parts = append(parts, part{text: s, sep: " "})
		}
	}

	var units []unit
	var buf []part
	bufTok := 0
	emit := func() {
		if len(buf) == 0 {
			return
		}
		var sb strings.Builder
		for i, p := range buf {
			if i > 0 {
				sb.WriteString(p.sep)
			}
			sb.WriteString(p.text)
		}
		units = append(units, unit{text: sb.String(), tokens: bufTok, typ: b.Type, path: path})
		buf = nil
		bufTok = 0
	}

	for _, p := range parts {
		pt, err := c.counter.Count(p.text)
		if err != nil {
			return nil, err
		}
		if pt > c.size {
			// A single sentence or line over the budget gets a hard
			// token cut.
			emit()
			pieces, err := c.hardCut(p.text)
			if err != nil {
				return nil, err
			}
			for _, piece := range pieces {
				units = append(units, unit{text: piece.text, tokens: piece.tokens, typ: b.Type, path: path})
			}
			continue
		}
		if bufTok+pt > c.size {
			emit()
		}
		buf = append(buf, p)
		bufTok += pt
	}
	emit()

	return units, nil
}

// part is a split fragment plus the separator that joined it to the
// previous fragment in the source text.
type part struct {
	text string
	sep  string
}

// splitCode breaks an oversized code block at blank-line boundaries
// first, keeping each blank-delimited segment whole. Only a segment
// that alone exceeds the budget breaks further, at line boundaries and
// never mid-line.
func (c *Chunker) splitCode(text string) ([]part, error) {
	var parts []part
	for _, seg := range splitBlankSegments(text) {
		tok, err := c.counter.Count(seg)
		if err != nil {
			return nil, err
		}
		if tok <= c.size {
			parts = append(parts, part{text: seg, sep: "\n\n"})
			continue
		}
		for i, line := range strings.Split(seg, "\n") {
			sep := "\n"
			if i == 0 {
				sep = "\n\n"
			}
			parts = append(parts, part{text: line, sep: sep})
		}
	}
	return parts, nil
}

type piece struct {
	text   string
	tokens int
}

func (c *Chunker) hardCut(text string) ([]piece, error) {
	var out []piece
	rest := text
	for rest != "" {
		head, err := c.counter.Truncate(rest, c.size)
		if err != nil {
			return nil, err
		}
		if head == "" {
			break
		}
		tok, err := c.counter.Count(head)
		if err != nil {
			return nil, err
		}
		out = append(out, piece{text: head, tokens: tok})
		rest = rest[len(head):]
	}
	return out, nil
}

var sentenceEnd = regexp.MustCompile(`([.!?])(\s+)`)

// splitSentences breaks prose on sentence terminators followed by
// whitespace. The terminator stays with its sentence.
func splitSentences(text string) []string {
	marked := sentenceEnd.ReplaceAllString(text, "$1\x00")
	raw := strings.Split(marked, "\x00")
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

var blankLineRun = regexp.MustCompile(`\n\s*\n`)

// splitBlankSegments splits text into its blank-line-delimited
// segments. Runs of blank lines count as one boundary.
func splitBlankSegments(text string) []string {
	raw := blankLineRun.Split(text, -1)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
