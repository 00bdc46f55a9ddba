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

import (
	"fmt"
	"strings"
	"testing"
)

func mustChunker(t *testing.T, size, overlap int) *Chunker {
	t.Helper()
	c, err := New(Config{Size: size, Overlap: &overlap})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRejectsBadConfig(t *testing.T) {
	equal, negative := 100, -1
	if _, err := New(Config{Size: 100, Overlap: &equal}); err == nil {
		t.Error("expected error for overlap == size")
	}
	if _, err := New(Config{Size: 100, Overlap: &negative}); err == nil {
		t.Error("expected error for negative overlap")
	}
}

func TestExplicitZeroOverlap(t *testing.T) {
	zero := 0
	if _, err := New(Config{Size: 50, Overlap: &zero}); err != nil {
		t.Fatalf("New with zero overlap: %v", err)
	}
	// Unset overlap takes the 100-token default, which cannot fit a
	// 50-token chunk.
	if _, err := New(Config{Size: 50}); err == nil {
		t.Error("expected error when default overlap exceeds size")
	}
}

func TestSmallDocumentSingleChunk(t *testing.T) {
	c := mustChunker(t, 800, 100)
	chunks, err := c.Chunk([]Block{
		{Type: BlockHeading, Level: 1, Text: "Intro"},
		{Type: BlockParagraph, Text: "A short paragraph."},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Ordinal != 0 {
		t.Errorf("ordinal = %d, want 0", chunks[0].Ordinal)
	}
	if chunks[0].Path != "Intro" {
		t.Errorf("path = %q, want %q", chunks[0].Path, "Intro")
	}
	if !strings.Contains(chunks[0].Text, "A short paragraph.") {
		t.Errorf("chunk text missing paragraph: %q", chunks[0].Text)
	}
}

func TestHeadingStartsNewChunk(t *testing.T) {
	c := mustChunker(t, 800, 100)
	chunks, err := c.Chunk([]Block{
		{Type: BlockHeading, Level: 1, Text: "First"},
		{Type: BlockParagraph, Text: "Text under first."},
		{Type: BlockHeading, Level: 1, Text: "Second"},
		{Type: BlockParagraph, Text: "Text under second."},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if strings.Contains(chunks[0].Text, "Second") {
		t.Error("first chunk leaked into second section")
	}
	if chunks[1].Path != "Second" {
		t.Errorf("path = %q, want %q", chunks[1].Path, "Second")
	}
}

func TestHeadingTrailInPath(t *testing.T) {
	c := mustChunker(t, 800, 100)
	chunks, err := c.Chunk([]Block{
		{Type: BlockHeading, Level: 1, Text: "Guide"},
		{Type: BlockHeading, Level: 2, Text: "Install"},
		{Type: BlockParagraph, Text: "Step one."},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Both headings land in the same chunk; the path reflects the
	// trail at the chunk start.
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[1].Path != "Guide>Install" {
		t.Errorf("path = %q, want %q", chunks[1].Path, "Guide>Install")
	}

	// A new H2 replaces its sibling in the trail.
	chunks, err = c.Chunk([]Block{
		{Type: BlockHeading, Level: 1, Text: "Guide"},
		{Type: BlockHeading, Level: 2, Text: "Install"},
		{Type: BlockHeading, Level: 2, Text: "Upgrade"},
		{Type: BlockParagraph, Text: "Step one."},
	})
	if err != nil {
		t.Fatal(err)
	}
	last := chunks[len(chunks)-1]
	if last.Path != "Guide>Upgrade" {
		t.Errorf("path = %q, want %q", last.Path, "Guide>Upgrade")
	}
}

func TestParagraphPathIndex(t *testing.T) {
	c := mustChunker(t, 40, 0)
	var blocks []Block
	blocks = append(blocks, Block{Type: BlockHeading, Level: 1, Text: "Sec"})
	for i := 0; i < 6; i++ {
		blocks = append(blocks, Block{Type: BlockParagraph, Text: strings.Repeat("word ", 20)})
	}
	chunks, err := c.Chunk(blocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, ch := range chunks[1:] {
		if !strings.HasPrefix(ch.Path, "Sec#para-") {
			t.Errorf("path = %q, want Sec#para-N", ch.Path)
		}
	}
}

func TestChunksRespectTokenBudget(t *testing.T) {
	c := mustChunker(t, 50, 10)
	var blocks []Block
	for i := 0; i < 10; i++ {
		blocks = append(blocks, Block{Type: BlockParagraph, Text: strings.Repeat("alpha beta gamma ", 5)})
	}
	chunks, err := c.Chunk(blocks)
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range chunks {
		if ch.Tokens > 50 {
			t.Errorf("chunk %d has %d tokens, budget 50", ch.Ordinal, ch.Tokens)
		}
	}
}

func TestCodeBlockKeptWhole(t *testing.T) {
	c := mustChunker(t, 60, 10)
	code := "func main() {\n\tfmt.Println(\"hello\")\n}"
	chunks, err := c.Chunk([]Block{
		{Type: BlockParagraph, Text: strings.Repeat("filler text here ", 10)},
		{Type: BlockCode, Text: code},
		{Type: BlockParagraph, Text: "after the code"},
	})
	if err != nil {
		t.Fatal(err)
	}
	found := 0
	for _, ch := range chunks {
		if strings.Contains(ch.Text, code) {
			found++
		}
	}
	if found != 1 {
		t.Errorf("code block appears whole in %d chunks, want 1", found)
	}
}

func TestOversizedCodeSplitsOnLines(t *testing.T) {
	c := mustChunker(t, 30, 0)
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "x := compute(input, options, flags)")
	}
	chunks, err := c.Chunk([]Block{
		{Type: BlockCode, Text: strings.Join(lines, "\n")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected oversized code to split, got %d chunks", len(chunks))
	}
	for _, ch := range chunks {
		for _, l := range strings.Split(ch.Text, "\n") {
			l = strings.TrimSpace(l)
			if l != "" && l != "x := compute(input, options, flags)" {
				t.Errorf("code line split mid-line: %q", l)
			}
		}
	}
}

func TestOversizedCodeSplitsOnBlankLines(t *testing.T) {
	c := mustChunker(t, 40, 0)
	var segs []string
	for i := 0; i < 6; i++ {
		segs = append(segs, fmt.Sprintf("func f%d() {\n\treturn %d\n}", i, i))
	}
	chunks, err := c.Chunk([]Block{
		{Type: BlockCode, Text: strings.Join(segs, "\n\n")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected oversized code to split, got %d chunks", len(chunks))
	}
	// Each blank-delimited segment fits the budget, so none breaks
	// mid-segment.
	for _, seg := range segs {
		found := 0
		for _, ch := range chunks {
			if strings.Contains(ch.Text, seg) {
				found++
			}
		}
		if found != 1 {
			t.Errorf("segment %q appears whole in %d chunks, want 1", seg, found)
		}
	}
	// Segments packed into the same chunk keep their blank-line
	// separation.
	blank := false
	for _, ch := range chunks {
		if strings.Contains(ch.Text, "\n\n") {
			blank = true
		}
	}
	if !blank {
		t.Error("blank-line separation between segments was lost")
	}
}

func TestOverlapCarriesProse(t *testing.T) {
	c := mustChunker(t, 50, 20)
	var blocks []Block
	for i := 0; i < 8; i++ {
		blocks = append(blocks, Block{Type: BlockParagraph, Text: strings.Repeat("carry ", 10)})
	}
	chunks, err := c.Chunk(blocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// Adjacent chunks share the carried paragraph.
	prev := chunks[0].Text
	tail := prev[strings.LastIndex(prev, "carry"):]
	if !strings.Contains(chunks[1].Text, strings.TrimSpace(tail)) {
		t.Error("second chunk does not start with overlap from the first")
	}
}

func TestOverlapNeverIncludesCode(t *testing.T) {
	c := mustChunker(t, 60, 30)
	code := "secret := token()"
	chunks, err := c.Chunk([]Block{
		{Type: BlockParagraph, Text: strings.Repeat("lead ", 5)},
		{Type: BlockCode, Text: code},
		{Type: BlockParagraph, Text: strings.Repeat("mid ", 30)},
		{Type: BlockParagraph, Text: strings.Repeat("tail ", 30)},
	})
	if err != nil {
		t.Fatal(err)
	}
	seen := 0
	for _, ch := range chunks {
		if strings.Contains(ch.Text, code) {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("code block duplicated into %d chunks via overlap, want 1", seen)
	}
}

func TestDeterministic(t *testing.T) {
	c := mustChunker(t, 50, 10)
	blocks := []Block{
		{Type: BlockHeading, Level: 1, Text: "T"},
		{Type: BlockParagraph, Text: strings.Repeat("stable output ", 20)},
		{Type: BlockCode, Text: "a := 1\nb := 2"},
		{Type: BlockListItem, Text: "item one"},
		{Type: BlockListItem, Text: "item two"},
	}
	first, err := c.Chunk(blocks)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Chunk(blocks)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestEmptyInput(t *testing.T) {
	c := mustChunker(t, 800, 100)
	chunks, err := c.Chunk(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(chunks))
	}
	chunks, err = c.Chunk([]Block{{Type: BlockParagraph, Text: "   "}})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("whitespace-only input produced %d chunks", len(chunks))
	}
}
