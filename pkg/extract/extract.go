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

// Package extract converts uploaded document bytes into structural
// blocks for chunking. Markdown, plain text, PDF, DOCX and XLSX are
// supported.
package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/parleyhq/parley/pkg/chunk"
)

type extractor interface {
	CanExtract(name, mimeType string) bool
	Extract(ctx context.Context, data []byte) ([]chunk.Block, error)
}

// Registry routes a document to the extractor matching its filename
// extension or declared MIME type.
type Registry struct {
	extractors []extractor
}

// NewRegistry returns a registry with the built-in extractors.
func NewRegistry() *Registry {
	return &Registry{
		extractors: []extractor{
			&markdownExtractor{},
			&pdfExtractor{},
			&docxExtractor{},
			&xlsxExtractor{},
			&textExtractor{},
		},
	}
}

// Extract converts document bytes into blocks. The filename extension
// is consulted first, then the MIME type.
func (r *Registry) Extract(ctx context.Context, data []byte, name, mimeType string) ([]chunk.Block, error) {
	for _, e := range r.extractors {
		if e.CanExtract(name, mimeType) {
			return e.Extract(ctx, data)
		}
	}
	return nil, fmt.Errorf("unsupported document type: name=%q mime=%q", name, mimeType)
}

// Supported reports whether a document with the given name and MIME
// type can be extracted.
func (r *Registry) Supported(name, mimeType string) bool {
	for _, e := range r.extractors {
		if e.CanExtract(name, mimeType) {
			return true
		}
	}
	return false
}

func ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}
