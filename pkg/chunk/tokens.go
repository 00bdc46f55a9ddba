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
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used for all token counting. cl100k_base tracks
// modern chat models closely enough for chunk sizing and history trimming.
const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens using a tiktoken encoding. Safe for
// concurrent use; encodings are cached per counter. When an encoding
// cannot load at all, counting degrades to a bytes/4 estimate rather
// than failing ingestion.
type TokenCounter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool
}

// NewTokenCounter returns a counter with an empty encoding cache.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		failed:    make(map[string]bool),
	}
}

func (tc *TokenCounter) encoding(name string) (*tiktoken.Tiktoken, error) {
	tc.mu.RLock()
	enc, ok := tc.encodings[name]
	failed := tc.failed[name]
	tc.mu.RUnlock()
	if ok {
		return enc, nil
	}
	if failed {
		return nil, fmt.Errorf("encoding %q unavailable", name)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if enc, ok = tc.encodings[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		// Loading may hit the network for the table; remember the
		// failure so every Count does not retry it.
		tc.failed[name] = true
		return nil, fmt.Errorf("failed to load encoding %q: %w", name, err)
	}
	tc.encodings[name] = enc
	return enc, nil
}

// Count returns the number of tokens in text under the default
// encoding, or a bytes/4 estimate when the encoding is unavailable.
func (tc *TokenCounter) Count(text string) (int, error) {
	enc, err := tc.encoding(DefaultEncoding)
	if err != nil {
		return approxTokens(text), nil
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// Truncate cuts text to at most maxTokens tokens, decoding back to a
// valid string on a token boundary. Without the encoding the cut lands
// at 4 bytes per token, on a rune boundary.
func (tc *TokenCounter) Truncate(text string, maxTokens int) (string, error) {
	enc, err := tc.encoding(DefaultEncoding)
	if err != nil {
		max := maxTokens * 4
		if len(text) <= max {
			return text, nil
		}
		for max > 0 && !utf8.RuneStart(text[max]) {
			max--
		}
		return text[:max], nil
	}
	toks := enc.Encode(text, nil, nil)
	if len(toks) <= maxTokens {
		return text, nil
	}
	return enc.Decode(toks[:maxTokens]), nil
}

func approxTokens(text string) int {
	return (len(text) + 3) / 4
}
