// Package indexing provides content processing shared by the embedding worker
// and the full-text index: extracting searchable text from node properties
// and sanitizing raw content before it reaches the embedder or the BM25
// tokenizer.
package indexing

import (
	"strings"
)

// SearchableProperties defines which node properties are indexed for full-text search.
var SearchableProperties = []string{
	"content",
	"text",
	"title",
	"name",
	"description",
	"path",
	"workerRole",
	"requirements",
}

// ExtractSearchableText extracts text from node properties for full-text indexing.
// Concatenates all searchable properties with spaces.
func ExtractSearchableText(properties map[string]interface{}) string {
	var parts []string

	for _, prop := range SearchableProperties {
		if val, ok := properties[prop]; ok {
			if str, ok := val.(string); ok && len(str) > 0 {
				parts = append(parts, str)
			}
		}
	}

	return strings.Join(parts, " ")
}

// SanitizeText cleans text for search by removing invalid Unicode.
func SanitizeText(text string) string {
	if len(text) == 0 {
		return text
	}

	var result strings.Builder
	result.Grow(len(text))

	for _, r := range text {
		// Skip problematic control characters (keep tab, newline, CR)
		if (r >= 0x00 && r <= 0x08) || r == 0x0B || (r >= 0x0E && r <= 0x1F) {
			result.WriteRune(' ')
			continue
		}

		// Skip surrogate pairs (invalid in Go strings)
		if r >= 0xD800 && r <= 0xDFFF {
			result.WriteRune('\uFFFD')
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}
